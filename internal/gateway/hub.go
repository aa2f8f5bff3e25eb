package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/metrics"
	"github.com/skateduel/backend/internal/presence"
	"github.com/skateduel/backend/internal/rooms"
)

// Hub holds this pod's live sockets grouped by room and fans room events out
// to them. Durable membership (who may be in which room) is the rooms.Store;
// the hub only tracks the sockets physically connected here.
type Hub struct {
	mu      sync.RWMutex
	members rooms.Store
	bus     Bus
	clients map[string]map[*Client]struct{} // room key -> sockets
	log     *slog.Logger

	// Presence and Metrics are optional sinks; nil disables them.
	Presence presence.Store
	Metrics  *metrics.Metrics
}

// NewHub wires the hub to the membership store and cross-pod bus, and starts
// listening for bus traffic.
func NewHub(members rooms.Store, bus Bus) (*Hub, error) {
	h := &Hub{
		members: members,
		bus:     bus,
		clients: make(map[string]map[*Client]struct{}),
		log:     slog.Default().With("component", "gateway"),
	}
	if err := bus.Listen(h.deliverLocal); err != nil {
		return nil, err
	}
	return h, nil
}

func roomKey(typ rooms.Type, roomID string) string {
	return string(typ) + ":" + roomID
}

// join admits the client to a room: durable membership first (capacity is
// enforced there), then the local socket registry.
func (h *Hub) join(ctx context.Context, c *Client, typ rooms.Type, roomID string) error {
	if err := h.members.Join(ctx, typ, roomID, c.userID); err != nil {
		return err
	}
	key := roomKey(typ, roomID)
	h.mu.Lock()
	set, ok := h.clients[key]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[key] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	c.trackRoom(key)
	return nil
}

// leave removes the client from a room both locally and in the store.
func (h *Hub) leave(ctx context.Context, c *Client, typ rooms.Type, roomID string) error {
	h.detach(c, roomKey(typ, roomID))
	c.untrackRoom(roomKey(typ, roomID))
	return h.members.Leave(ctx, typ, roomID, c.userID)
}

// detach drops the socket from the local registry only. Membership in the
// store survives, so a reconnecting socket resumes the same rooms.
func (h *Hub) detach(c *Client, key string) {
	h.mu.Lock()
	if set, ok := h.clients[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, key)
		}
	}
	h.mu.Unlock()
}

// deliverLocal pushes a bus envelope to every local socket in the room.
// Slow sockets get dropped frames, never a blocked hub.
func (h *Hub) deliverLocal(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("marshal envelope", "error", err)
		return
	}

	h.mu.RLock()
	set := h.clients[env.Room]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.log.Warn("send buffer full, dropping frame", "user", c.userID, "room", env.Room)
		}
	}
}

// publish wraps the payload in an envelope and hands it to the bus.
func (h *Hub) publish(ctx context.Context, key, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("marshal payload", "room", key, "event", event, "error", err)
		return
	}
	env := &Envelope{Room: key, Event: event, Payload: raw}
	if err := h.bus.Publish(ctx, env); err != nil {
		h.log.Warn("publish failed", "room", key, "event", event, "error", err)
	}
}

// BroadcastGame satisfies the duel service's broadcaster: async duel events
// go to the battle room.
func (h *Hub) BroadcastGame(ctx context.Context, gameID, event string, payload any) {
	h.publish(ctx, roomKey(rooms.TypeBattle, gameID), event, payload)
}

// BroadcastSession satisfies the live service's broadcaster.
func (h *Hub) BroadcastSession(ctx context.Context, sessionID, event string, payload any) {
	h.publish(ctx, roomKey(rooms.TypeGame, sessionID), event, payload)
}

// BroadcastSpot pushes spot lobby events (sessions opening, players arriving).
func (h *Hub) BroadcastSpot(ctx context.Context, spotID, event string, payload any) {
	h.publish(ctx, roomKey(rooms.TypeSpot, spotID), event, payload)
}

// BroadcastGlobal pushes to the firehose feed.
func (h *Hub) BroadcastGlobal(ctx context.Context, event string, payload any) {
	h.publish(ctx, roomKey(rooms.TypeGlobal, "feed"), event, payload)
}

func (h *Hub) metrics() *metrics.Metrics {
	return h.Metrics
}

// updatePresence records the user's status and announces it on the firehose
// feed so every connected client sees the change.
func (h *Hub) updatePresence(ctx context.Context, userID string, status presence.Status) error {
	if h.Presence == nil {
		if !presence.ValidStatus(status) {
			return fault.Reject(fault.KindValidation, fault.ReasonValidation, "unknown status %q", status)
		}
		return nil
	}
	entry, err := h.Presence.Set(ctx, userID, status)
	if err != nil {
		return err
	}
	h.BroadcastGlobal(ctx, "presence:update", entry)
	return nil
}

// Close shuts down the bus.
func (h *Hub) Close() error {
	return h.bus.Close()
}
