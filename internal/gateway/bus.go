// Package gateway is the realtime edge: gorilla/websocket connections, room
// fan-out, and cross-pod event distribution over Redis Pub/Sub. Game state
// never lives here; sockets relay intents into the duel and live services and
// push their post-commit events back out.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PubSubClient is a minimal interface for Redis Pub/Sub operations. The
// infra adapter satisfies it; tests inject fakes.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Envelope is the wire form of a room event, both on Redis channels and on
// the websocket itself.
type Envelope struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Bus delivers envelopes to every pod's local hub.
type Bus interface {
	Publish(ctx context.Context, env *Envelope) error
	// Listen registers the local delivery handler. Call once at startup.
	Listen(deliver func(*Envelope)) error
	Close() error
}

// =============================================================================
// LocalBus
// =============================================================================

// LocalBus delivers in-process only. Single-pod deployments and tests.
type LocalBus struct {
	mu      sync.RWMutex
	deliver func(*Envelope)
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(env)
	}
	return nil
}

func (b *LocalBus) Listen(deliver func(*Envelope)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }

// =============================================================================
// RedisBus
// =============================================================================

// RedisBus distributes room events across pods using Redis Pub/Sub. All room
// traffic shares one channel; room filtering happens at the hub, which only
// fans out to sockets it actually holds.
type RedisBus struct {
	mu     sync.Mutex
	pubsub PubSubClient
	chName string // e.g. "skate:rooms"
	unsub  func()
	closed bool

	// Local fallback when a publish fails. Set by Listen.
	deliver func(*Envelope)
}

// NewRedisBus creates a Redis-backed event bus on the given channel.
func NewRedisBus(client PubSubClient, channel string) *RedisBus {
	if channel == "" {
		channel = "skate:rooms"
	}
	return &RedisBus{pubsub: client, chName: channel}
}

// Publish sends the envelope to Redis so all pods (this one included) receive
// it. If Redis is down the envelope still reaches local sockets.
func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	deliver := b.deliver
	b.mu.Unlock()

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.pubsub.Publish(ctx, b.chName, data); err != nil {
		slog.Warn("[RedisBus] Publish failed, delivering locally only",
			"room", env.Room, "event", env.Event, "error", err)
		if deliver != nil {
			deliver(env)
		}
		return nil
	}
	return nil
}

// Listen subscribes to the Redis channel and routes inbound envelopes to the
// hub. Falls back to local-only mode if the subscribe fails.
func (b *RedisBus) Listen(deliver func(*Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver

	unsub, err := b.pubsub.Subscribe(context.Background(), b.chName, func(data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("[RedisBus] Failed to unmarshal envelope", "error", err)
			return
		}
		deliver(&env)
	})
	if err != nil {
		slog.Warn("[RedisBus] Redis subscribe failed, local-only mode", "error", err)
		return nil
	}
	b.unsub = unsub
	return nil
}

// Close shuts down the Redis subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	slog.Info("[RedisBus] Closed")
	return nil
}
