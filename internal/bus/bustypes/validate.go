package bustypes

import (
	"strings"

	"github.com/streamspace-dev/qihub/internal/errs"
)

// ValidateSession enforces the Session field constraints from spec §3:
// logical_id 1-100 chars.
func ValidateSession(s Session) error {
	if len(s.LogicalID) == 0 || len(s.LogicalID) > maxLogicalLen {
		return errs.Validation("logical_id must be 1-%d characters", maxLogicalLen)
	}
	return nil
}

// ValidateMessage enforces the Message invariants from spec §3: topic
// 1-200 chars with no wildcards, target ≤50 entries, payload ≤100
// top-level keys, REPLY messages carry a non-nil reply_to.
func ValidateMessage(m Message) error {
	if len(m.Topic) == 0 || len(m.Topic) > maxTopicLen {
		return errs.Validation("topic must be 1-%d characters", maxTopicLen)
	}
	if strings.ContainsAny(m.Topic, "*>") {
		return errs.Validation("wildcards are disallowed in topic %q", m.Topic)
	}
	if len(m.Target) > maxTargets {
		return errs.Validation("target list cannot exceed %d recipients", maxTargets)
	}
	if len(m.Payload) > maxPayloadKey {
		return errs.Validation("payload has too many top-level keys (max %d)", maxPayloadKey)
	}
	if m.Type == ReplyMessage && m.ReplyTo == nil {
		return errs.Validation("reply message must set reply_to")
	}
	switch m.Type {
	case EventMessage, RequestMessage, ReplyMessage:
	default:
		return errs.Validation("unknown message type %q", m.Type)
	}
	return nil
}
