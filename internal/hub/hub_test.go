package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
	"github.com/streamspace-dev/qihub/internal/busconfig"
	"github.com/streamspace-dev/qihub/internal/transport/faketransport"
)

func strPtr(s string) *string { return &s }

func TestRegisterFiresOnRegisterHook(t *testing.T) {
	h := New(busconfig.Default())
	var fired HookEvent
	h.Use(OnRegister, func(ctx context.Context, ev HookEvent) error {
		fired = ev
		return nil
	})

	session := bustypes.Session{ID: "s1", LogicalID: "s1"}
	source := bustypes.Source{Addon: "a", SessionID: "s1"}
	require.NoError(t, h.Register(context.Background(), "conn-1", session, source, faketransport.New(nil)))

	assert.Equal(t, OnRegister, fired.Kind)
	assert.Equal(t, "s1", fired.Session.LogicalID)
}

func TestUnregisterCascadesToChildrenBeforeParent(t *testing.T) {
	h := New(busconfig.Default())

	parentSession := bustypes.Session{ID: "parent", LogicalID: "parent"}
	parentSource := bustypes.Source{Addon: "a", SessionID: "parent"}
	require.NoError(t, h.Register(context.Background(), "conn-parent", parentSession, parentSource, faketransport.New(nil)))

	childSession := bustypes.Session{ID: "child", LogicalID: "child", ParentLogicalID: strPtr("parent")}
	childSource := bustypes.Source{Addon: "a", SessionID: "child"}
	require.NoError(t, h.Register(context.Background(), "conn-child", childSession, childSource, faketransport.New(nil)))

	var order []string
	h.Use(OnUnregister, func(ctx context.Context, ev HookEvent) error {
		order = append(order, ev.Source.SessionID)
		return nil
	})

	h.Unregister(context.Background(), "parent")

	require.Len(t, order, 2)
	assert.Equal(t, "child", order[0])
	assert.Equal(t, "parent", order[1])

	_, ok := h.Bus().Connections().GetByID("conn-parent")
	assert.False(t, ok)
	_, ok = h.Bus().Connections().GetByID("conn-child")
	assert.False(t, ok)
}

func TestUnregisterUnknownLogicalIDIsNoop(t *testing.T) {
	h := New(busconfig.Default())
	assert.NotPanics(t, func() {
		h.Unregister(context.Background(), "never-registered")
	})
}

func TestPublishFiresOnPublishHookWithMessage(t *testing.T) {
	h := New(busconfig.Default())
	var gotMsg *bustypes.Message
	h.Use(OnPublish, func(ctx context.Context, ev HookEvent) error {
		gotMsg = ev.Message
		return nil
	})

	source := bustypes.Source{Addon: "a", SessionID: "s1"}
	msg := bustypes.NewMessage("note", bustypes.EventMessage, bustypes.Session{ID: "s1", LogicalID: "s1"}, nil)
	require.NoError(t, h.Publish(context.Background(), msg, source))

	require.NotNil(t, gotMsg)
	assert.Equal(t, "note", gotMsg.Topic)
}

func TestOnRegistersHandlerReachableThroughRequest(t *testing.T) {
	h := New(busconfig.Default())
	source := bustypes.Source{Addon: "a", SessionID: "s1"}

	h.On("svc.echo", source, "echo-handler")(func(ctx context.Context, msg bustypes.Message) (any, error) {
		return map[string]any{"ok": msg.Payload}, nil
	})

	sender := bustypes.Session{ID: "caller", LogicalID: "caller"}
	result, err := h.Request(context.Background(), "svc.echo", map[string]any{"x": float64(1)}, sender, source, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, result["ok"])
}

func TestOnWithWindowScopesHandlerToWindow(t *testing.T) {
	h := New(busconfig.Default())
	sessionSource := bustypes.Source{Addon: "a", SessionID: "s1"}

	var calledWindow bool
	h.On("T", sessionSource, "window-handler", WithWindow("w1"))(func(ctx context.Context, msg bustypes.Message) (any, error) {
		calledWindow = true
		return nil, nil
	})

	windowSource := bustypes.Source{Addon: "a", SessionID: "s1", WindowID: strPtr("w1")}
	handlers := h.Bus().Handlers().GetHandlers("T", windowSource)
	require.Len(t, handlers, 1)

	_, _ = handlers[0].Fn(context.Background(), bustypes.Message{})
	assert.True(t, calledWindow)
}

func TestHookPanicIsRecoveredAndDoesNotPropagate(t *testing.T) {
	h := New(busconfig.Default())
	h.Use(OnRegister, func(ctx context.Context, ev HookEvent) error {
		panic("boom")
	})

	session := bustypes.Session{ID: "s1", LogicalID: "s1"}
	source := bustypes.Source{Addon: "a", SessionID: "s1"}
	err := h.Register(context.Background(), "conn-1", session, source, faketransport.New(nil))
	assert.NoError(t, err)
}

func TestHookErrorIsSwallowed(t *testing.T) {
	h := New(busconfig.Default())
	sentinel := errors.New("hook failed")
	h.Use(OnRegister, func(ctx context.Context, ev HookEvent) error {
		return sentinel
	})

	session := bustypes.Session{ID: "s1", LogicalID: "s1"}
	source := bustypes.Source{Addon: "a", SessionID: "s1"}
	err := h.Register(context.Background(), "conn-1", session, source, faketransport.New(nil))
	assert.NoError(t, err)
}
