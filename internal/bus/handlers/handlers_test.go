package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
)

func strPtr(s string) *string { return &s }

func noop(ctx context.Context, msg bustypes.Message) (any, error) { return nil, nil }

func TestRegisterDedupReusesID(t *testing.T) {
	r := New()
	windowSource := bustypes.Source{Addon: "a", SessionID: "s1", WindowID: strPtr("w1")}
	sessionSource := bustypes.Source{Addon: "a", SessionID: "s1"}

	id1 := r.Register("key-1", noop, "topic.a", windowSource)
	id2 := r.Register("key-1", noop, "topic.a", sessionSource)

	assert.Equal(t, id1, id2)
	assert.ElementsMatch(t, []bustypes.SourceKey{windowSource.Key(), sessionSource.Key()}, r.ScopesFor(id1))
}

func TestGetHandlersTwoTierOrder(t *testing.T) {
	r := New()
	windowSource := bustypes.Source{Addon: "a", SessionID: "s1", WindowID: strPtr("w1")}
	sessionSource := bustypes.Source{Addon: "a", SessionID: "s1"}

	sessionID := r.Register("session-handler", noop, "topic.a", sessionSource)
	windowID := r.Register("window-handler", noop, "topic.a", windowSource)

	handlers := r.GetHandlers("topic.a", windowSource)
	require.Len(t, handlers, 2)
	assert.Equal(t, windowID, handlers[0].ID)
	assert.Equal(t, sessionID, handlers[1].ID)
}

func TestGetHandlersFiltersByTopic(t *testing.T) {
	r := New()
	source := bustypes.Source{Addon: "a", SessionID: "s1"}
	r.Register("k1", noop, "topic.a", source)
	r.Register("k2", noop, "topic.b", source)

	handlers := r.GetHandlers("topic.a", source)
	require.Len(t, handlers, 1)
	assert.Equal(t, "topic.a", handlers[0].Topic)
}

func TestRemoveBySourcePurgesHandlerWithNoRemainingScopes(t *testing.T) {
	r := New()
	source := bustypes.Source{Addon: "a", SessionID: "s1", WindowID: strPtr("w1")}
	id := r.Register("k1", noop, "topic.a", source)

	r.RemoveBySource(source)

	assert.Empty(t, r.GetHandlers("topic.a", source))
	assert.Empty(t, r.ScopesFor(id))
}

func TestRemoveBySourceKeepsHandlerWithOtherScopes(t *testing.T) {
	r := New()
	windowSource := bustypes.Source{Addon: "a", SessionID: "s1", WindowID: strPtr("w1")}
	sessionSource := bustypes.Source{Addon: "a", SessionID: "s1"}
	id := r.Register("shared", noop, "topic.a", windowSource)
	r.Register("shared", noop, "topic.a", sessionSource)

	r.RemoveBySource(windowSource)

	assert.Equal(t, []bustypes.SourceKey{sessionSource.Key()}, r.ScopesFor(id))
	require.Len(t, r.GetHandlers("topic.a", sessionSource), 1)
}

func TestClearByTopicRemovesAcrossScopes(t *testing.T) {
	r := New()
	windowSource := bustypes.Source{Addon: "a", SessionID: "s1", WindowID: strPtr("w1")}
	sessionSource := bustypes.Source{Addon: "a", SessionID: "s1"}
	r.Register("k1", noop, "topic.a", windowSource)
	r.Register("k2", noop, "topic.a", sessionSource)

	r.ClearByTopic("topic.a")

	assert.Empty(t, r.GetHandlers("topic.a", windowSource))
	assert.NotContains(t, r.Topics(), "topic.a")
}

func TestRemoveByIDFullyPurges(t *testing.T) {
	r := New()
	source := bustypes.Source{Addon: "a", SessionID: "s1"}
	id := r.Register("k1", noop, "topic.a", source)

	r.RemoveByID(id)

	assert.Empty(t, r.GetHandlers("topic.a", source))
	assert.Empty(t, r.Topics())
}
