package clusteradapter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
)

// fakeInjector records messages re-injected from a simulated peer, standing
// in for *bus.Bus without requiring a live Redis server (see DESIGN.md: no
// confirmed miniredis dependency in the example pack, so these tests stay
// on the Injector seam instead of a real or fake Redis instance).
type fakeInjector struct {
	received []bustypes.Message
	err      error
}

func (f *fakeInjector) Publish(ctx context.Context, msg bustypes.Message, source bustypes.Source) error {
	f.received = append(f.received, msg)
	return f.err
}

func TestHandleRelayedTagsAndReinjects(t *testing.T) {
	injector := &fakeInjector{}
	a := New(nil, injector)
	a.source = bustypes.Source{Addon: "peer", SessionID: "s-peer"}

	msg := bustypes.NewMessage("note", bustypes.EventMessage, bustypes.Session{ID: "x", LogicalID: "x"}, map[string]any{"hi": true})
	rawBytes, err := json.Marshal(msg)
	require.NoError(t, err)
	raw := string(rawBytes)

	a.handleRelayed(context.Background(), raw)

	require.Len(t, injector.received, 1)
	got := injector.received[0]
	assert.Equal(t, "note", got.Topic)
	assert.Equal(t, true, got.Payload[relayedMarker])
}

func TestHandleRelayedInitializesNilPayload(t *testing.T) {
	injector := &fakeInjector{}
	a := New(nil, injector)

	msg := bustypes.Message{MessageID: "m1", Topic: "note", Type: bustypes.EventMessage, Sender: bustypes.Session{ID: "x", LogicalID: "x"}}
	rawBytes, err := json.Marshal(msg)
	require.NoError(t, err)
	raw := string(rawBytes)

	a.handleRelayed(context.Background(), raw)

	require.Len(t, injector.received, 1)
	assert.Equal(t, true, injector.received[0].Payload[relayedMarker])
}

func TestHandleRelayedDropsUndecodableJSON(t *testing.T) {
	injector := &fakeInjector{}
	a := New(nil, injector)

	a.handleRelayed(context.Background(), "not json")

	assert.Empty(t, injector.received)
}

func TestPublishSkipsRequestMessagesWithoutTouchingClient(t *testing.T) {
	a := New(nil, &fakeInjector{})
	msg := bustypes.NewMessage("svc.echo", bustypes.RequestMessage, bustypes.Session{ID: "x", LogicalID: "x"}, nil)

	assert.NotPanics(t, func() {
		a.Publish(context.Background(), msg)
	})
}

func TestPublishSkipsAlreadyRelayedMessagesWithoutTouchingClient(t *testing.T) {
	a := New(nil, &fakeInjector{})
	msg := bustypes.NewMessage("note", bustypes.EventMessage, bustypes.Session{ID: "x", LogicalID: "x"}, map[string]any{relayedMarker: true})

	assert.NotPanics(t, func() {
		a.Publish(context.Background(), msg)
	})
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	a := New(nil, &fakeInjector{})
	assert.NotPanics(t, func() {
		a.Stop()
	})
}
