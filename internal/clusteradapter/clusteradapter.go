// Package clusteradapter is an optional, advisory-only relay that mirrors
// locally published EVENT and REPLY frames onto Redis pub/sub so other
// processes can observe them. It never participates in reply correlation
// or pending-request bookkeeping: a single process remains authoritative
// for routing (see SPEC_FULL.md's domain-stack table). Grounded on the
// teacher's redis-backed leader election client usage in
// agents/docker-agent/internal/leaderelection/redis_backend.go, adapted
// here from a lock primitive to a pub/sub fanout.
package clusteradapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/streamspace-dev/qihub/internal/bus/bustypes"
	"github.com/streamspace-dev/qihub/internal/logx"
)

// channelPrefix namespaces every relay channel so the adapter never
// collides with unrelated Redis pub/sub traffic on a shared instance.
const channelPrefix = "qihub:relay:"

func channelFor(topic string) string {
	return channelPrefix + topic
}

// relayedMarker is the payload key that marks a message re-injected from a peer so the local
// bus never re-relays it, which would otherwise loop forever across N
// processes.
const relayedMarker = "__qihub_relayed__"

// Injector is the subset of *bus.Bus the adapter needs to re-inject
// messages received from peers, kept as an interface so this package
// never imports package bus directly (it is a plugin of the bus, not a
// dependency of it).
type Injector interface {
	Publish(ctx context.Context, msg bustypes.Message, source bustypes.Source) error
}

// Adapter relays outbound messages to Redis and re-injects inbound ones.
type Adapter struct {
	client   *redis.Client
	injector Injector
	source   bustypes.Source
	cancel   context.CancelFunc
}

// New constructs an Adapter over an existing Redis client. Call Start to
// begin subscribing; Publish may be called beforehand but has no peers to
// reach until a consumer somewhere calls Start.
func New(client *redis.Client, injector Injector) *Adapter {
	return &Adapter{client: client, injector: injector}
}

// Publish mirrors a locally originated, non-relayed EVENT or REPLY
// message onto its topic's Redis channel. REQUEST messages are not
// relayed: cross-process request/reply correlation is explicitly out of
// scope (spec Non-goals).
func (a *Adapter) Publish(ctx context.Context, msg bustypes.Message) {
	if msg.Type == bustypes.RequestMessage {
		return
	}
	if msg.Payload != nil {
		if _, relayed := msg.Payload[relayedMarker]; relayed {
			return
		}
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		logx.ClusterAdapter().Warn().Err(err).Str("topic", msg.Topic).Msg("failed to encode message for relay")
		return
	}
	if err := a.client.Publish(ctx, channelFor(msg.Topic), encoded).Err(); err != nil {
		logx.ClusterAdapter().Warn().Err(err).Str("topic", msg.Topic).Msg("redis publish failed")
	}
}

// Start subscribes to every topic in topics and re-injects messages
// received from peers through the bus, tagged with the relayed marker so
// they are never echoed back out. Start returns once the subscription is
// established; delivery runs on a background goroutine until ctx is
// cancelled or Stop is called.
func (a *Adapter) Start(ctx context.Context, topics []string, source bustypes.Source) error {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = channelFor(topic)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.source = source

	pubsub := a.client.Subscribe(runCtx, channels...)
	if _, err := pubsub.Receive(runCtx); err != nil {
		cancel()
		return fmt.Errorf("clusteradapter: subscribe failed: %w", err)
	}

	go a.consume(runCtx, pubsub)
	return nil
}

func (a *Adapter) consume(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handleRelayed(ctx, msg.Payload)
		}
	}
}

func (a *Adapter) handleRelayed(ctx context.Context, raw string) {
	var msg bustypes.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logx.ClusterAdapter().Warn().Err(err).Msg("failed to decode relayed message")
		return
	}
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[relayedMarker] = true

	if err := a.injector.Publish(ctx, msg, a.source); err != nil {
		logx.ClusterAdapter().Warn().Err(err).Str("topic", msg.Topic).Msg("failed to re-inject relayed message")
	}
}

// Stop cancels the background subscription goroutine.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}
