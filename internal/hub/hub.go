// Package hub is the Hub facade (spec §4.4): a thin user-facing wrapper
// over the Message Bus, plus lifecycle hook points and cascade-unregister
// semantics. Callers outside the bus packages are meant to interact with
// a *Hub, not the lower components directly.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/streamspace-dev/qihub/internal/bus"
	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
	"github.com/streamspace-dev/qihub/internal/bus/connmgr"
	"github.com/streamspace-dev/qihub/internal/bus/handlers"
	"github.com/streamspace-dev/qihub/internal/busconfig"
	"github.com/streamspace-dev/qihub/internal/logx"
	"github.com/streamspace-dev/qihub/internal/transport"
)

// HandlerFunc is the user-facing handler signature registered through On.
type HandlerFunc = handlers.Func

// HookKind names a lifecycle hook slot.
type HookKind string

const (
	OnRegister   HookKind = "register"
	OnUnregister HookKind = "unregister"
	OnPublish    HookKind = "publish"
)

// HookEvent is the argument passed to a lifecycle hook callback.
type HookEvent struct {
	Kind    HookKind
	Session bustypes.Session
	Source  bustypes.Source
	Message *bustypes.Message // set only for OnPublish
}

// Hook is a lifecycle callback. Its error return is logged, never
// propagated (spec §7: "Lifecycle hooks' exceptions are swallowed").
type Hook func(ctx context.Context, ev HookEvent) error

// Hub is the user-facing facade over the Message Bus.
type Hub struct {
	bus *bus.Bus

	mu    sync.Mutex
	hooks map[HookKind][]Hook

	// children maps a logical_id to the logical_ids of sessions registered
	// with it as parent_logical_id, a lookup relation rather than an
	// ownership pointer so cascade unregister never needs to walk live
	// connection objects (spec §9, §4.1's note on cascade belonging to the
	// Hub, not the Connection Manager).
	children map[string][]string
	// logicalToConn resolves a logical_id to its live connection id, so
	// Unregister, which takes a logical_id, can find the connection.
	logicalToConn map[string]string
}

// New constructs a Hub owning a fresh Bus.
func New(cfg busconfig.Config) *Hub {
	return &Hub{
		bus:           bus.New(cfg),
		hooks:         make(map[HookKind][]Hook),
		children:      make(map[string][]string),
		logicalToConn: make(map[string]string),
	}
}

// Use registers a lifecycle hook under the named slot.
func (h *Hub) Use(kind HookKind, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[kind] = append(h.hooks[kind], hook)
}

// Register registers a new connection and fires OnRegister hooks.
func (h *Hub) Register(ctx context.Context, connectionID string, session bustypes.Session, source bustypes.Source, socket transport.Socket) error {
	conn := &connmgr.Connection{ID: connectionID, Source: source, LogicalID: session.LogicalID, Socket: socket}
	if err := h.bus.Connections().Register(conn); err != nil {
		return err
	}

	h.mu.Lock()
	h.logicalToConn[session.LogicalID] = connectionID
	if session.ParentLogicalID != nil {
		parent := *session.ParentLogicalID
		h.children[parent] = append(h.children[parent], session.LogicalID)
	}
	h.mu.Unlock()

	h.fireHooks(ctx, HookEvent{Kind: OnRegister, Session: session, Source: source})
	return nil
}

// Unregister tears down the session identified by logicalID, cascading to
// every descendant registered with it as parent_logical_id first, per
// spec §4.1's cascade-unregister law: children go before the parent so no
// dispatch can land on an already-torn-down scope's former parent.
func (h *Hub) Unregister(ctx context.Context, logicalID string) {
	h.mu.Lock()
	childIDs := append([]string(nil), h.children[logicalID]...)
	delete(h.children, logicalID)
	h.mu.Unlock()

	for _, childID := range childIDs {
		h.Unregister(ctx, childID)
	}

	h.mu.Lock()
	connID, ok := h.logicalToConn[logicalID]
	delete(h.logicalToConn, logicalID)
	h.mu.Unlock()
	if !ok {
		return
	}

	conn, ok := h.bus.Connections().GetByID(connID)
	if !ok {
		return
	}

	h.bus.UnregisterSession(conn)
	h.fireHooks(ctx, HookEvent{Kind: OnUnregister, Source: conn.Source})
}

// Publish routes msg through the bus and fires OnPublish hooks.
func (h *Hub) Publish(ctx context.Context, msg bustypes.Message, source bustypes.Source) error {
	if err := h.bus.Publish(ctx, msg, source); err != nil {
		return err
	}
	h.fireHooks(ctx, HookEvent{Kind: OnPublish, Session: msg.Sender, Source: source, Message: &msg})
	return nil
}

// Request sends a REQUEST and blocks for the matching REPLY or timeout.
func (h *Hub) Request(ctx context.Context, topic string, payload map[string]any, sender bustypes.Session, source bustypes.Source, timeout time.Duration) (map[string]any, error) {
	return h.bus.Request(ctx, topic, payload, sender, source, timeout)
}

// ScopeOption narrows the scope a handler is registered under. Exactly
// one of WithWindow/WithSession is meaningful; omitting both registers
// under source's own scope as given.
type ScopeOption func(*bustypes.Source)

// WithWindow overrides the window_id a handler is scoped to.
func WithWindow(windowID string) ScopeOption {
	return func(s *bustypes.Source) { s.WindowID = &windowID }
}

// WithSession registers the handler session-wide, stripping any window.
func WithSession() ScopeOption {
	return func(s *bustypes.Source) { s.WindowID = nil }
}

// On returns a registration closure for topic, the Go equivalent of the
// `@on` decorator: `hub.On("topic", source, "my-handler")(myHandler)`
// registers myHandler under the FuncKey "my-handler" and returns its
// handler id.
func (h *Hub) On(topic string, source bustypes.Source, key handlers.FuncKey, opts ...ScopeOption) func(HandlerFunc) string {
	for _, opt := range opts {
		opt(&source)
	}
	return func(fn HandlerFunc) string {
		return h.bus.RegisterHandler(key, fn, topic, source)
	}
}

// Bus exposes the underlying bus for external collaborators that need
// lower-level access (the transport accept loop, the cluster adapter).
func (h *Hub) Bus() *bus.Bus { return h.bus }

// fireHooks runs every hook registered for kind, recovering panics and
// logging errors, never letting a hook failure reach the caller.
func (h *Hub) fireHooks(ctx context.Context, ev HookEvent) {
	h.mu.Lock()
	hooks := append([]Hook(nil), h.hooks[ev.Kind]...)
	h.mu.Unlock()

	for _, hook := range hooks {
		runHookSafely(ctx, hook, ev)
	}
}

func runHookSafely(ctx context.Context, hook Hook, ev HookEvent) {
	defer func() {
		if r := recover(); r != nil {
			logx.Hub().Error().Interface("panic", r).Str("kind", string(ev.Kind)).Msg("lifecycle hook panicked")
		}
	}()
	if err := hook(ctx, ev); err != nil {
		logx.Hub().Warn().Err(err).Str("kind", string(ev.Kind)).Msg("lifecycle hook returned error")
	}
}

// Shutdown tears down the underlying bus.
func (h *Hub) Shutdown() {
	h.bus.Shutdown()
}
