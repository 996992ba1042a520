// Package connmgr is the Connection Manager (spec §4.1): an async-safe
// registry of active WebSocket connections indexed by id, source, source
// id, session, addon, and window, with cascade-unregister semantics left
// to the Hub layer above it.
package connmgr

import (
	"sync"

	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
	"github.com/streamspace-dev/qihub/internal/errs"
	"github.com/streamspace-dev/qihub/internal/logx"
	"github.com/streamspace-dev/qihub/internal/transport"
)

// Connection is a single registered WebSocket connection. LogicalID
// carries the owning Session's logical_id: spec §4.3.3 requires
// resolving a fan-out target through "ConnectionManager.getByLogicalId",
// which the spec's own five-index list in §4.1 omits. This sixth index
// (byLogicalID) is added to make that required lookup possible; see
// DESIGN.md for the grounding.
type Connection struct {
	ID        string
	Source    bustypes.Source
	LogicalID string
	Socket    transport.Socket
}

// Manager is the Connection Manager. Zero value is not usable; use New.
type Manager struct {
	mu sync.Mutex

	byID        map[string]*Connection
	bySource    map[bustypes.SourceKey]map[string]struct{}
	bySourceID  map[string]map[string]struct{}
	bySession   map[string]map[string]struct{}
	byAddon     map[string]map[string]struct{}
	byWindow    map[string]string
	byLogicalID map[string]string
}

// New returns an empty Connection Manager.
func New() *Manager {
	return &Manager{
		byID:        make(map[string]*Connection),
		bySource:    make(map[bustypes.SourceKey]map[string]struct{}),
		bySourceID:  make(map[string]map[string]struct{}),
		bySession:   make(map[string]map[string]struct{}),
		byAddon:     make(map[string]map[string]struct{}),
		byWindow:    make(map[string]string),
		byLogicalID: make(map[string]string),
	}
}

// Register inserts conn into every index, including byLogicalID. If a
// connection already exists under the same window_id or logical_id, the
// old connection is evicted from the indices inside the critical section,
// then its socket is closed outside the lock.
func (m *Manager) Register(conn *Connection) error {
	if conn.ID == "" {
		return errs.Programming("connection missing id")
	}
	if conn.Source.Addon == "" && conn.Source.SessionID == "" {
		return errs.Programming("connection missing source")
	}

	var toClose []transport.Socket

	m.mu.Lock()
	if _, exists := m.byID[conn.ID]; exists {
		m.mu.Unlock()
		logx.ConnMgr().Warn().Str("connection_id", conn.ID).Msg("connection already registered, skipping")
		return nil
	}

	if conn.Source.WindowID != nil {
		wid := *conn.Source.WindowID
		if oldCID, ok := m.byWindow[wid]; ok {
			if old, ok := m.byID[oldCID]; ok {
				logx.ConnMgr().Warn().Str("window_id", wid).Str("old_connection_id", oldCID).Msg("replacing connection on window collision")
				toClose = append(toClose, old.Socket)
				m.dropIndicesLocked(oldCID)
			}
		}
	}

	// At most one live session per logical_id (spec §8 invariant 5): a
	// re-registration under the same logical_id evicts the prior
	// connection the same way a window collision does.
	if conn.LogicalID != "" {
		if oldCID, ok := m.byLogicalID[conn.LogicalID]; ok && oldCID != conn.ID {
			if old, ok := m.byID[oldCID]; ok {
				logx.ConnMgr().Warn().Str("logical_id", conn.LogicalID).Str("old_connection_id", oldCID).Msg("replacing connection on logical_id collision")
				toClose = append(toClose, old.Socket)
				m.dropIndicesLocked(oldCID)
			}
		}
	}

	m.byID[conn.ID] = conn
	addToSourceSet(m.bySource, conn.Source.Key(), conn.ID)
	if conn.Source.ID != "" {
		addToSet(m.bySourceID, conn.Source.ID, conn.ID)
	}
	addToSet(m.bySession, conn.Source.SessionID, conn.ID)
	addToSet(m.byAddon, conn.Source.Addon, conn.ID)
	if conn.Source.WindowID != nil {
		m.byWindow[*conn.Source.WindowID] = conn.ID
	}
	if conn.LogicalID != "" {
		m.byLogicalID[conn.LogicalID] = conn.ID
	}

	assertConsistency(m)
	m.mu.Unlock()

	for _, s := range toClose {
		if err := s.Close(); err != nil {
			logx.ConnMgr().Warn().Err(err).Msg("error closing evicted connection")
		}
	}
	return nil
}

// Unregister removes connectionID from all indices. Noop for unknown ids.
func (m *Manager) Unregister(connectionID string) {
	if connectionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropIndicesLocked(connectionID)
	assertConsistency(m)
}

// dropIndicesLocked removes connectionID from every index. Caller must
// hold mu.
func (m *Manager) dropIndicesLocked(connectionID string) {
	conn, ok := m.byID[connectionID]
	if !ok {
		return
	}
	delete(m.byID, connectionID)
	removeFromSourceSet(m.bySource, conn.Source.Key(), connectionID)
	if conn.Source.ID != "" {
		removeFromSet(m.bySourceID, conn.Source.ID, connectionID)
	}
	removeFromSet(m.bySession, conn.Source.SessionID, connectionID)
	removeFromSet(m.byAddon, conn.Source.Addon, connectionID)
	if conn.Source.WindowID != nil {
		if cur, ok := m.byWindow[*conn.Source.WindowID]; ok && cur == connectionID {
			delete(m.byWindow, *conn.Source.WindowID)
		}
	}
	if conn.LogicalID != "" {
		if cur, ok := m.byLogicalID[conn.LogicalID]; ok && cur == connectionID {
			delete(m.byLogicalID, conn.LogicalID)
		}
	}
}

// GetByID returns the registered connection (the same pointer that was
// passed to Register), if any.
func (m *Manager) GetByID(connectionID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.byID[connectionID]
	return conn, ok
}

// GetBySourceID returns connections registered under the given
// denormalized source id.
func (m *Manager) GetBySourceID(sourceID string) []*Connection {
	return m.collect(m.bySourceID, sourceID)
}

// GetBySession returns connections for a session id.
func (m *Manager) GetBySession(sessionID string) []*Connection {
	return m.collect(m.bySession, sessionID)
}

// GetByAddon returns connections for an addon.
func (m *Manager) GetByAddon(addon string) []*Connection {
	return m.collect(m.byAddon, addon)
}

// GetBySource returns connections registered under an exact source key.
func (m *Manager) GetBySource(key bustypes.SourceKey) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bySource[key]
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := m.byID[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// GetByLogicalID returns the single live connection for a logical_id, if
// any. Used by the bus's fan-out destination resolution (spec §4.3.3).
func (m *Manager) GetByLogicalID(logicalID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.byLogicalID[logicalID]
	if !ok {
		return nil, false
	}
	conn, ok := m.byID[cid]
	return conn, ok
}

// LiveLogicalIDs returns every logical_id with a currently live
// connection, used for broadcast resolution.
func (m *Manager) LiveLogicalIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byLogicalID))
	for id := range m.byLogicalID {
		out = append(out, id)
	}
	return out
}

// GetByWindow returns the single connection hosted by a window, if any.
func (m *Manager) GetByWindow(windowID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.byWindow[windowID]
	if !ok {
		return nil, false
	}
	conn, ok := m.byID[cid]
	return conn, ok
}

func (m *Manager) collect(index map[string]map[string]struct{}, key string) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := index[key]
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := m.byID[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// CloseAll snapshots every connection under the lock, releases it, then
// closes sockets concurrently with error aggregation.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	closeConcurrently(conns)
}

// CloseByID closes a single connection's socket without touching indices;
// callers still must call Unregister separately.
func (m *Manager) CloseByID(connectionID string) {
	conn, ok := m.GetByID(connectionID)
	if !ok {
		return
	}
	closeConcurrently([]*Connection{conn})
}

// CloseBySource closes every connection registered under an exact source
// key.
func (m *Manager) CloseBySource(key bustypes.SourceKey) {
	closeConcurrently(m.GetBySource(key))
}

// CloseBySession closes every connection for a session.
func (m *Manager) CloseBySession(sessionID string) {
	closeConcurrently(m.GetBySession(sessionID))
}

// CloseByAddon closes every connection for an addon.
func (m *Manager) CloseByAddon(addon string) {
	closeConcurrently(m.GetByAddon(addon))
}

func closeConcurrently(conns []*Connection) {
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Socket.Close(); err != nil {
				logx.ConnMgr().Warn().Str("connection_id", c.ID).Err(err).Msg("error closing connection")
			}
		}(c)
	}
	wg.Wait()
}

// Clear purges every index. Used for shutdown/test.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*Connection)
	m.bySource = make(map[bustypes.SourceKey]map[string]struct{})
	m.bySourceID = make(map[string]map[string]struct{})
	m.bySession = make(map[string]map[string]struct{})
	m.byAddon = make(map[string]map[string]struct{})
	m.byWindow = make(map[string]string)
	m.byLogicalID = make(map[string]string)
}

// CheckConsistency re-runs the index consistency assertions on demand
// (debug builds only; a no-op otherwise). Intended for periodic
// self-checking via internal/sweep rather than only on every mutation.
func (m *Manager) CheckConsistency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertConsistency(m)
}

func addToSet(index map[string]map[string]struct{}, key, id string) {
	s, ok := index[key]
	if !ok {
		s = make(map[string]struct{})
		index[key] = s
	}
	s[id] = struct{}{}
}

func removeFromSet(index map[string]map[string]struct{}, key, id string) {
	s, ok := index[key]
	if !ok {
		return
	}
	delete(s, id)
	if len(s) == 0 {
		delete(index, key)
	}
}

func addToSourceSet(index map[bustypes.SourceKey]map[string]struct{}, key bustypes.SourceKey, id string) {
	s, ok := index[key]
	if !ok {
		s = make(map[string]struct{})
		index[key] = s
	}
	s[id] = struct{}{}
}

func removeFromSourceSet(index map[bustypes.SourceKey]map[string]struct{}, key bustypes.SourceKey, id string) {
	s, ok := index[key]
	if !ok {
		return
	}
	delete(s, id)
	if len(s) == 0 {
		delete(index, key)
	}
}
