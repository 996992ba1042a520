//go:build qihub_debug

package connmgr

// assertConsistency validates that no set-valued index holds an empty set
// and that bySource, byWindow and byLogicalID reference only connections
// present in byID (per spec §8 invariant 1). bySourceID, bySession and
// byAddon are checked for empty sets only, not for stale ids. Only compiled
// into debug builds (-tags qihub_debug), mirroring the Python
// `if __debug__:` pattern. Caller must hold mu.
func assertConsistency(m *Manager) {
	for key, ids := range m.bySource {
		if len(ids) == 0 {
			panic("connmgr: empty set in bySource for key " + key.SessionID)
		}
		for id := range ids {
			if _, ok := m.byID[id]; !ok {
				panic("connmgr: bySource references unknown connection " + id)
			}
		}
	}
	for sourceID, ids := range m.bySourceID {
		if len(ids) == 0 {
			panic("connmgr: empty set in bySourceID for " + sourceID)
		}
	}
	for sessionID, ids := range m.bySession {
		if len(ids) == 0 {
			panic("connmgr: empty set in bySession for " + sessionID)
		}
	}
	for addon, ids := range m.byAddon {
		if len(ids) == 0 {
			panic("connmgr: empty set in byAddon for " + addon)
		}
	}
	for windowID, cid := range m.byWindow {
		if _, ok := m.byID[cid]; !ok {
			panic("connmgr: byWindow references unknown connection for window " + windowID)
		}
	}
	for logicalID, cid := range m.byLogicalID {
		if _, ok := m.byID[cid]; !ok {
			panic("connmgr: byLogicalID references unknown connection for " + logicalID)
		}
	}
}
