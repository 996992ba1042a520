// Package handlers is the Handler Registry (spec §4.2): maps
// (topic, scope) to handler functions, supporting two-tier lookup and
// reference-counted multi-source sharing of a single handler.
package handlers

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
)

// Func is a normalized handler: the Go-native answer to spec §9's
// "duck-typed handlers" design note. There is no separate synchronous or
// asynchronous handler kind: every handler is a Func, and the bus runs
// each invocation on its worker pool at dispatch time. A non-nil return
// value on a REQUEST becomes the auto-reply payload.
type Func func(ctx context.Context, msg bustypes.Message) (any, error)

// FuncKey is a caller-supplied identity for a handler function. Go
// function values are not comparable, so dedup (spec's "handler.function
// == fn" check) compares FuncKey instead: callers that register the same
// logical handler twice (e.g. a method value re-obtained on each call)
// must supply the same FuncKey both times to be deduplicated.
type FuncKey string

// Handler is a registered handler: id, topic, and the function it wraps.
type Handler struct {
	ID    string
	Topic string
	Key   FuncKey
	Fn    Func
}

// Registry is the Handler Registry. Zero value is not usable; use New.
//
// bySource holds registration-ordered slices rather than plain sets:
// spec §4.3.1 step 3 requires the first non-null handler reply to be
// selected in "iteration order = registration order within a scope, then
// two-tier order", which a Go map cannot provide.
type Registry struct {
	mu sync.Mutex

	byID             map[string]*Handler
	byTopic          map[string]map[string]*Handler
	bySource         map[bustypes.SourceKey][]string
	handlerToSources map[string]map[bustypes.SourceKey]struct{}
}

// New returns an empty Handler Registry.
func New() *Registry {
	return &Registry{
		byID:             make(map[string]*Handler),
		byTopic:          make(map[string]map[string]*Handler),
		bySource:         make(map[bustypes.SourceKey][]string),
		handlerToSources: make(map[string]map[bustypes.SourceKey]struct{}),
	}
}

// Register registers fn (identified by key) for topic under source's
// scope. Registering the same key+topic twice reuses the existing
// handler_id and adds the new scope to its reference-counted set.
func (r *Registry) Register(key FuncKey, fn Func, topic string, source bustypes.Source) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := source.Key()
	topicMap := r.byTopic[topic]
	if topicMap == nil {
		topicMap = make(map[string]*Handler)
		r.byTopic[topic] = topicMap
	}

	for id, h := range topicMap {
		if h.Key == key {
			r.attachScopeLocked(id, scope)
			r.assertConsistency()
			return id
		}
	}

	id := uuid.NewString()
	h := &Handler{ID: id, Topic: topic, Key: key, Fn: fn}
	r.byID[id] = h
	topicMap[id] = h
	r.attachScopeLocked(id, scope)
	r.assertConsistency()
	return id
}

func (r *Registry) attachScopeLocked(handlerID string, scope bustypes.SourceKey) {
	if !containsID(r.bySource[scope], handlerID) {
		r.bySource[scope] = append(r.bySource[scope], handlerID)
	}

	scopes := r.handlerToSources[handlerID]
	if scopes == nil {
		scopes = make(map[bustypes.SourceKey]struct{})
		r.handlerToSources[handlerID] = scopes
	}
	scopes[scope] = struct{}{}
}

func (r *Registry) detachScopeLocked(scope bustypes.SourceKey, handlerID string) {
	ids := r.bySource[scope]
	for i, id := range ids {
		if id == handlerID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.bySource, scope)
	} else {
		r.bySource[scope] = ids
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// purgeLocked removes handlerID from byID and byTopic. Caller must hold
// mu and must already have popped handlerToSources/bySource entries.
func (r *Registry) purgeLocked(handlerID string) {
	h, ok := r.byID[handlerID]
	if !ok {
		return
	}
	delete(r.byID, handlerID)
	topicMap := r.byTopic[h.Topic]
	delete(topicMap, handlerID)
	if len(topicMap) == 0 {
		delete(r.byTopic, h.Topic)
	}
}

// RemoveByID fully removes a single handler from every index.
func (r *Registry) RemoveByID(handlerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes, ok := r.handlerToSources[handlerID]
	if !ok {
		return
	}
	delete(r.handlerToSources, handlerID)
	for scope := range scopes {
		r.detachScopeLocked(scope, handlerID)
	}
	r.purgeLocked(handlerID)
	r.assertConsistency()
}

// RemoveBySource detaches every handler registered under source's scope;
// handlers left with no remaining scope are fully purged. This is the hot
// path on client disconnect.
func (r *Registry) RemoveBySource(source bustypes.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := source.Key()
	handlerIDs := append([]string(nil), r.bySource[scope]...)
	delete(r.bySource, scope)

	for _, handlerID := range handlerIDs {
		scopes := r.handlerToSources[handlerID]
		if scopes == nil {
			continue
		}
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(r.handlerToSources, handlerID)
			r.purgeLocked(handlerID)
		}
	}
	r.assertConsistency()
}

// ClearByTopic drops every handler bound to topic across all scopes.
func (r *Registry) ClearByTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topicMap := r.byTopic[topic]
	handlerIDs := make([]string, 0, len(topicMap))
	for id := range topicMap {
		handlerIDs = append(handlerIDs, id)
	}
	delete(r.byTopic, topic)

	for _, handlerID := range handlerIDs {
		scopes := r.handlerToSources[handlerID]
		delete(r.handlerToSources, handlerID)
		for scope := range scopes {
			r.detachScopeLocked(scope, handlerID)
		}
		delete(r.byID, handlerID)
	}
	r.assertConsistency()
}

// GetHandlers implements two-tier lookup: exact window scope first, then
// session-wide scope, each handler appearing at most once in first-seen,
// registration order.
func (r *Registry) GetHandlers(topic string, source bustypes.Source) []*Handler {
	scope := source.Key()
	var keys []bustypes.SourceKey
	if scope.HasWindow {
		keys = append(keys, scope)
	}
	sessionScope := scope.SessionKey()
	if !scope.HasWindow || sessionScope != scope {
		keys = append(keys, sessionScope)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Handler
	seen := make(map[string]struct{})
	for _, key := range keys {
		for _, id := range r.bySource[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if h, ok := r.byID[id]; ok && h.Topic == topic {
				out = append(out, h)
			}
		}
	}
	return out
}

// Clear purges every handler and every source mapping.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Handler)
	r.byTopic = make(map[string]map[string]*Handler)
	r.bySource = make(map[bustypes.SourceKey][]string)
	r.handlerToSources = make(map[string]map[bustypes.SourceKey]struct{})
}

// Topics returns every topic with at least one registered handler.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		out = append(out, t)
	}
	return out
}

// CheckConsistency re-runs the registry's consistency assertions on
// demand (debug builds only; a no-op otherwise), for periodic
// self-checking via internal/sweep.
func (r *Registry) CheckConsistency() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertConsistency()
}

// ScopesFor returns the set of scopes a handler is registered under.
func (r *Registry) ScopesFor(handlerID string) []bustypes.SourceKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := r.handlerToSources[handlerID]
	out := make([]bustypes.SourceKey, 0, len(scopes))
	for s := range scopes {
		out = append(out, s)
	}
	return out
}
