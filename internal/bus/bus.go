// Package bus is the Message Bus (spec §4.3): the routing engine tying
// the Connection Manager and Handler Registry together. It dispatches
// inbound messages to handlers, correlates outgoing requests with inbound
// replies via futures, enforces per-session pending-request limits, and
// fans messages out to target connections.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
	"github.com/streamspace-dev/qihub/internal/bus/connmgr"
	"github.com/streamspace-dev/qihub/internal/bus/future"
	"github.com/streamspace-dev/qihub/internal/bus/handlers"
	"github.com/streamspace-dev/qihub/internal/bus/workerpool"
	"github.com/streamspace-dev/qihub/internal/busconfig"
	"github.com/streamspace-dev/qihub/internal/errs"
	"github.com/streamspace-dev/qihub/internal/logx"
)

// Relay is the seam the optional advisory cluster adapter (internal/
// clusteradapter) plugs into: a component that wants to observe locally
// published traffic to mirror it elsewhere. Publish hands the relay every
// EVENT, and every REQUEST that got no local auto-reply, after fan-out;
// REPLY messages, including synthetic auto-replies, are never passed to
// it. The bus never depends on the adapter's concrete type, only this
// interface.
type Relay interface {
	Publish(ctx context.Context, msg bustypes.Message)
}

// Message, MessageType, Session, Source, SourceKey, Context, and User
// re-exported for ergonomic importing (callers of package bus rarely want
// to also import bustypes directly).
type (
	Message     = bustypes.Message
	MessageType = bustypes.MessageType
	Session     = bustypes.Session
	Source      = bustypes.Source
	SourceKey   = bustypes.SourceKey
	Context     = bustypes.Context
	User        = bustypes.User
)

const (
	EventMessage   = bustypes.EventMessage
	RequestMessage = bustypes.RequestMessage
	ReplyMessage   = bustypes.ReplyMessage
)

// pendingEntry is a PendingRequest (spec §3): an outgoing REQUEST awaiting
// its REPLY.
type pendingEntry struct {
	requestID           string
	future              *future.Future
	requestingSessionID string
	createdAt           time.Time
}

// Bus is the Message Bus.
type Bus struct {
	conns    *connmgr.Manager
	handlers *handlers.Registry
	workers  *workerpool.Pool
	cfg      busconfig.Config
	relay    Relay

	mu               sync.Mutex
	pendingRequests  map[string]*pendingEntry
	sessionToPending map[string]map[string]struct{}
}

// New constructs a Bus owning a fresh Connection Manager and Handler
// Registry.
func New(cfg busconfig.Config) *Bus {
	if err := cfg.Validate(); err != nil {
		// Validate only returns an error for an out-of-range explicit
		// ReplyTimeout; zero-valued fields are defaulted in place, so a
		// caller passing busconfig.Default() never hits this branch.
		logx.Bus().Warn().Err(err).Msg("invalid bus config, falling back to defaults")
		cfg = busconfig.Default()
	}
	return &Bus{
		conns:            connmgr.New(),
		handlers:         handlers.New(),
		workers:          workerpool.New(cfg.HandlerWorkers),
		cfg:              cfg,
		pendingRequests:  make(map[string]*pendingEntry),
		sessionToPending: make(map[string]map[string]struct{}),
	}
}

// Connections exposes the owned Connection Manager for registration and
// lookups by external collaborators (the transport accept loop).
func (b *Bus) Connections() *connmgr.Manager { return b.conns }

// Handlers exposes the owned Handler Registry.
func (b *Bus) Handlers() *handlers.Registry { return b.handlers }

// SetRelay attaches an optional advisory relay (see internal/
// clusteradapter). Passing nil disables relaying.
func (b *Bus) SetRelay(r Relay) { b.relay = r }

// RegisterHandler registers fn under topic and source's scope, returning
// the (possibly reused) handler id.
func (b *Bus) RegisterHandler(key handlers.FuncKey, fn handlers.Func, topic string, source bustypes.Source) string {
	return b.handlers.Register(key, fn, topic, source)
}

// Publish implements spec §4.3.1: REPLY short-circuit, handler dispatch,
// auto-reply for REQUEST, then fan-out. source is the scope of the
// connection the message arrived on (or the hub's reserved scope for
// server-originated messages); it is not carried on the wire Message
// itself, so callers supply it explicitly.
func (b *Bus) Publish(ctx context.Context, msg bustypes.Message, source bustypes.Source) error {
	if err := bustypes.ValidateMessage(msg); err != nil {
		return err
	}

	if msg.Type == bustypes.ReplyMessage {
		if msg.ReplyTo != nil {
			if entry, ok := b.popPending(*msg.ReplyTo); ok {
				entry.future.Resolve(msg.Payload)
				return nil
			}
			logx.Bus().Warn().Str("reply_to", *msg.ReplyTo).Msg("stale reply: no matching pending request")
		}
		return nil
	}

	matched, firstReply := b.dispatch(ctx, msg, source)

	if msg.Type == bustypes.RequestMessage && matched && firstReply != nil {
		reply := bustypes.NewMessage(msg.Topic, bustypes.ReplyMessage, bustypes.HubSession(), asPayload(firstReply))
		reply.ReplyTo = &msg.MessageID
		reply.Target = []string{msg.Sender.LogicalID}

		// A request issued through Request() has a future waiting in
		// pendingRequests keyed by this same message_id; resolve it
		// directly rather than fanning out. A request that arrived over
		// the wire from a connected client has no such entry, so the
		// reply falls through to fan-out and is delivered to the
		// sender's live connection instead.
		if entry, ok := b.popPending(*reply.ReplyTo); ok {
			entry.future.Resolve(reply.Payload)
			return nil
		}
		b.fanOut(ctx, reply)
		return nil
	}

	b.fanOut(ctx, msg)
	if b.relay != nil {
		b.relay.Publish(ctx, msg)
	}
	return nil
}

// asPayload normalizes a handler's non-nil return value into the
// map[string]any payload shape a Message carries. A handler that already
// returns a map is passed through; anything else is wrapped under a
// single "value" key so no data is silently dropped.
func asPayload(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// dispatch resolves handlers for msg.Topic under source's scope and runs
// them concurrently on the bus's worker pool. It returns whether any
// handler matched and the first non-nil return value in registration /
// two-tier order (spec §4.3.1 step 3), even if a later handler in
// iteration order finishes first — order is enforced by index, not by
// completion time.
func (b *Bus) dispatch(ctx context.Context, msg bustypes.Message, source bustypes.Source) (matched bool, firstReply any) {
	hs := b.handlers.GetHandlers(msg.Topic, source)
	if len(hs) == 0 {
		return false, nil
	}

	results := make([]any, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		wg.Add(1)
		i, h := i, h
		b.workers.Go(func() {
			defer wg.Done()
			result, err := invokeHandler(ctx, h, msg)
			if err != nil {
				logx.Bus().Error().Err(err).Str("topic", msg.Topic).Str("handler_id", h.ID).Msg("handler error")
				return
			}
			results[i] = result
		})
	}
	wg.Wait()

	for _, r := range results {
		if r != nil {
			return true, r
		}
	}
	return true, nil
}

// invokeHandler recovers a panicking handler into a HandlerError, per
// spec §7: a handler failure is logged and treated as "no reply", never
// propagated and never crashing dispatch of other handlers.
func invokeHandler(ctx context.Context, h *handlers.Handler, msg bustypes.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Handler(msg.Topic, panicToError(r))
		}
	}()
	result, err = h.Fn(ctx, msg)
	if err != nil {
		err = errs.Handler(msg.Topic, err)
	}
	return result, err
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errs.Programming("handler panic: %v", r)
}

// fanOut implements spec §4.3.3/§4.3.4's destination resolution and
// write-out: target list overrides bubble, which overrides broadcast
// (spec §9 Open Question resolved as override, see SPEC_FULL.md §10.2).
func (b *Bus) fanOut(ctx context.Context, msg bustypes.Message) {
	var dests []*connmgr.Connection

	switch {
	case len(msg.Target) > 0:
		seen := make(map[string]struct{}, len(msg.Target))
		for _, logicalID := range msg.Target {
			if _, dup := seen[logicalID]; dup {
				continue
			}
			seen[logicalID] = struct{}{}
			if conn, ok := b.conns.GetByLogicalID(logicalID); ok {
				dests = append(dests, conn)
			}
		}
	case msg.Bubble && msg.Sender.ParentLogicalID != nil:
		if conn, ok := b.conns.GetByLogicalID(*msg.Sender.ParentLogicalID); ok {
			dests = append(dests, conn)
		}
	default:
		for _, logicalID := range b.conns.LiveLogicalIDs() {
			if logicalID == msg.Sender.LogicalID {
				continue
			}
			if conn, ok := b.conns.GetByLogicalID(logicalID); ok {
				dests = append(dests, conn)
			}
		}
	}

	if len(dests) == 0 {
		return
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		logx.Bus().Error().Err(err).Str("message_id", msg.MessageID).Msg("failed to encode message for fan-out")
		return
	}

	var wg sync.WaitGroup
	for _, conn := range dests {
		wg.Add(1)
		go func(conn *connmgr.Connection) {
			defer wg.Done()
			if err := conn.Socket.WriteMessage(encoded); err != nil {
				logx.Bus().Warn().Str("connection_id", conn.ID).Err(err).Msg("fan-out write failed")
			}
		}(conn)
	}
	wg.Wait()
}

// Request implements spec §4.3.2: validate timeout, enforce the
// per-session pending-request cap, publish a REQUEST, and await the first
// matching REPLY.
func (b *Bus) Request(ctx context.Context, topic string, payload map[string]any, sender bustypes.Session, source bustypes.Source, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = b.cfg.ReplyTimeout
	}
	if timeout > 300*time.Second {
		return nil, errs.Validation("request timeout must be in (0, 300] seconds, got %s", timeout)
	}

	b.mu.Lock()
	if len(b.sessionToPending[sender.ID]) >= b.cfg.MaxPendingRequestsPerSession {
		b.mu.Unlock()
		return nil, errs.PendingLimit(sender.ID, b.cfg.MaxPendingRequestsPerSession)
	}
	requestID := uuid.NewString()
	entry := &pendingEntry{requestID: requestID, future: future.New(), requestingSessionID: sender.ID, createdAt: time.Now()}
	b.pendingRequests[requestID] = entry
	if b.sessionToPending[sender.ID] == nil {
		b.sessionToPending[sender.ID] = make(map[string]struct{})
	}
	b.sessionToPending[sender.ID][requestID] = struct{}{}
	b.mu.Unlock()

	req := bustypes.NewMessage(topic, bustypes.RequestMessage, sender, payload)
	req.MessageID = requestID

	if err := b.Publish(ctx, req, source); err != nil {
		b.removePending(sender.ID, requestID)
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := entry.future.Await(timeoutCtx)
	if err != nil {
		b.removePending(sender.ID, requestID)

		// A rejected future (e.g. UnregisterSession cancelling it) carries
		// its own BusError; propagate that instead of reclassifying it.
		// Otherwise Await returned because timeoutCtx or the caller's ctx
		// was done: an elapsed deadline (the reply timeout, or a deadline
		// on the caller's ctx) is a Timeout, and a cancelled caller ctx is
		// a Cancelled.
		var busErr *errs.BusError
		if errors.As(err, &busErr) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Timeout(requestID)
		}
		return nil, errs.Cancelled(requestID)
	}

	b.removePending(sender.ID, requestID)
	result, _ := value.(map[string]any)
	return result, nil
}

// popPending atomically removes a pending entry from both maps, returning
// it if found.
func (b *Bus) popPending(requestID string) (*pendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pendingRequests[requestID]
	if !ok {
		return nil, false
	}
	delete(b.pendingRequests, requestID)
	if set := b.sessionToPending[entry.requestingSessionID]; set != nil {
		delete(set, requestID)
		if len(set) == 0 {
			delete(b.sessionToPending, entry.requestingSessionID)
		}
	}
	return entry, true
}

// removePending is popPending without requiring the caller to care
// whether the entry was already resolved (e.g. the REPLY raced the
// timeout).
func (b *Bus) removePending(sessionID, requestID string) {
	b.popPending(requestID)
}

// UnregisterSession implements spec §4.3.4: detach handlers, cancel
// pending requests, then unregister the connection, in that order so no
// further dispatch can target a dying session's scope.
func (b *Bus) UnregisterSession(conn *connmgr.Connection) {
	b.handlers.RemoveBySource(conn.Source)

	b.mu.Lock()
	pendingIDs := make([]string, 0, len(b.sessionToPending[conn.Source.SessionID]))
	for id := range b.sessionToPending[conn.Source.SessionID] {
		pendingIDs = append(pendingIDs, id)
	}
	b.mu.Unlock()

	for _, id := range pendingIDs {
		if entry, ok := b.popPending(id); ok {
			entry.future.Reject(errs.Cancelled(id))
		}
	}

	b.conns.Unregister(conn.ID)
}

// Shutdown closes every connection and clears both registries.
func (b *Bus) Shutdown() {
	b.conns.CloseAll()
	b.handlers.Clear()
	b.conns.Clear()
	b.workers.Wait()
}

// SweepStalePending rejects and removes every pending request older than
// maxAge, returning how many were reaped. A REPLY that never arrives
// (dropped connection, buggy addon) would otherwise pin a future forever;
// this is the periodic backstop behind the per-call context timeout
// (internal/sweep runs this on a cron schedule).
func (b *Bus) SweepStalePending(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	b.mu.Lock()
	var stale []*pendingEntry
	for id, entry := range b.pendingRequests {
		if entry.createdAt.Before(cutoff) {
			stale = append(stale, b.pendingRequests[id])
		}
	}
	b.mu.Unlock()

	reaped := 0
	for _, entry := range stale {
		if popped, ok := b.popPending(entry.requestID); ok {
			popped.future.Reject(errs.Timeout(popped.requestID))
			reaped++
		}
	}
	return reaped
}
