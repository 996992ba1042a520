//go:build qihub_debug

package handlers

// assertConsistency validates the bidirectional handlerToSources/bySource
// invariant and the no-empty-set invariant from spec §8 invariant 2.
// Caller must hold mu.
func (r *Registry) assertConsistency() {
	for handlerID, scopes := range r.handlerToSources {
		h, ok := r.byID[handlerID]
		if !ok {
			panic("handlers: handler in handlerToSources missing from byID: " + handlerID)
		}
		if _, ok := r.byTopic[h.Topic][handlerID]; !ok {
			panic("handlers: handler missing from byTopic: " + handlerID)
		}
		if len(scopes) == 0 {
			panic("handlers: empty scope set in handlerToSources: " + handlerID)
		}
		for scope := range scopes {
			if !containsID(r.bySource[scope], handlerID) {
				panic("handlers: handler missing from bySource for its scope: " + handlerID)
			}
		}
	}
	for scope, ids := range r.bySource {
		if len(ids) == 0 {
			panic("handlers: empty set in bySource for scope " + scope.SessionID)
		}
		for _, id := range ids {
			if _, ok := r.handlerToSources[id][scope]; !ok {
				panic("handlers: bySource entry missing from reverse map: " + id)
			}
		}
	}
}
