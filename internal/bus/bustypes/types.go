// Package bustypes holds the value types shared by the connection
// manager, handler registry, and message bus (Session, Source, Message,
// MessageType, Context) so those packages can depend on the data model
// without depending on each other.
package bustypes

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the sum-typed wire discriminator for a Message. The JSON
// representation is the lowercase string form required by spec §6.
type MessageType string

const (
	EventMessage   MessageType = "event"
	RequestMessage MessageType = "request"
	ReplyMessage   MessageType = "reply"
)

// HubSessionID is the reserved sender identity used for server-originated
// messages (synthetic replies, global handler scope).
const HubSessionID = "__hub__"

// Session represents one connected client.
type Session struct {
	ID              string   `json:"id"`
	LogicalID       string   `json:"logical_id"`
	ParentLogicalID *string  `json:"parent_logical_id,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// HubSession returns the reserved sender identity the bus uses for
// synthetic replies and as the scope for global handlers.
func HubSession() Session {
	return Session{ID: HubSessionID, LogicalID: HubSessionID}
}

// SourceKey is the comparable-struct equivalent of the Python tuple key
// (addon, session_id, window_id). A nil WindowID on Source becomes the
// empty string here with HasWindow=false, so SourceKey remains usable as a
// plain map key without pointer identity games.
type SourceKey struct {
	Addon     string
	SessionID string
	WindowID  string
	HasWindow bool
}

// SessionKey returns the session-wide scope key for this key's session,
// i.e. the same (addon, session_id) with the window stripped.
func (k SourceKey) SessionKey() SourceKey {
	return SourceKey{Addon: k.Addon, SessionID: k.SessionID}
}

// Source is the triple (addon, session_id, window_id) attached to a
// connection and/or a handler registration. Immutable once attached.
type Source struct {
	// ID is a denormalized identity distinct from the (addon, session,
	// window) key, carried through from the original Qi implementation's
	// QiConnectionSource.source_id: it lets a connection be looked up by
	// an opaque caller id without reconstructing the full key.
	ID        string  `json:"source_id"`
	Addon     string  `json:"addon"`
	SessionID string  `json:"session_id"`
	WindowID  *string `json:"window_id,omitempty"`
}

// Key returns the canonical SourceKey used to index both connections and
// handlers.
func (s Source) Key() SourceKey {
	if s.WindowID == nil {
		return SourceKey{Addon: s.Addon, SessionID: s.SessionID}
	}
	return SourceKey{Addon: s.Addon, SessionID: s.SessionID, WindowID: *s.WindowID, HasWindow: true}
}

// Context carries business metadata, not used for routing.
type Context struct {
	ID      string `json:"id"`
	Project string `json:"project,omitempty"`
	Entity  string `json:"entity,omitempty"`
	Task    string `json:"task,omitempty"`
}

// NewContext mints a Context with a generated id, mirroring QiContext's
// default_factory.
func NewContext(project, entity, task string) Context {
	return Context{ID: uuid.NewString(), Project: project, Entity: entity, Task: task}
}

// User is optional audit/display metadata attached to a Message. Never
// used for routing, recovered from original_source's QiUser (dropped by
// the spec.md distillation).
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Message is the envelope exchanged over the bus.
type Message struct {
	MessageID string         `json:"message_id"`
	Topic     string         `json:"topic"`
	Type      MessageType    `json:"type"`
	Sender    Session        `json:"sender"`
	Target    []string       `json:"target,omitempty"`
	ReplyTo   *string        `json:"reply_to,omitempty"`
	Context   *Context       `json:"context,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp float64        `json:"timestamp"`
	Bubble    bool           `json:"bubble,omitempty"`
	User      *User          `json:"user,omitempty"`
}

// NewMessage fills message_id and timestamp the way QiMessage's
// default_factory fields do.
func NewMessage(topic string, typ MessageType, sender Session, payload map[string]any) Message {
	return Message{
		MessageID: uuid.NewString(),
		Topic:     topic,
		Type:      typ,
		Sender:    sender,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

const (
	maxTopicLen   = 200
	maxLogicalLen = 100
	maxTargets    = 50
	maxPayloadKey = 100
)
