// Package rooms tracks realtime room membership: which sockets belong to
// which battle, session, spot, or the global feed. Membership lives in Redis
// so that every pod in a multi-instance deployment sees the same occupancy;
// a memory-backed store covers local development and tests.
package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/skateduel/backend/internal/fault"
)

// Type classifies a room. Capacity is enforced at join time.
type Type string

const (
	// TypeBattle is a 1v1 duel room: the two participants plus nobody else.
	TypeBattle Type = "battle"
	// TypeGame is a live multi-player session room.
	TypeGame Type = "game"
	// TypeSpot is the lobby for a physical spot.
	TypeSpot Type = "spot"
	// TypeGlobal is the firehose feed. Unbounded.
	TypeGlobal Type = "global"
)

// Capacity returns the member cap for the room type. Zero means unlimited.
func (t Type) Capacity() int {
	switch t {
	case TypeBattle:
		return 2
	case TypeGame:
		return 8
	case TypeSpot:
		return 100
	default:
		return 0
	}
}

// Valid reports whether t is a known room type.
func (t Type) Valid() bool {
	switch t {
	case TypeBattle, TypeGame, TypeSpot, TypeGlobal:
		return true
	}
	return false
}

// Store is the membership backend. RedisStore is the production
// implementation; MemoryStore is the single-pod fallback.
type Store interface {
	// Join adds userID to the room, enforcing the type's capacity. Joining a
	// room you are already in succeeds without counting against capacity.
	Join(ctx context.Context, typ Type, roomID, userID string) error
	// Leave removes userID from the room. Unknown members are a no-op.
	Leave(ctx context.Context, typ Type, roomID, userID string) error
	// Members lists the user IDs currently in the room.
	Members(ctx context.Context, typ Type, roomID string) ([]string, error)
	// Count returns the room's current occupancy.
	Count(ctx context.Context, typ Type, roomID string) (int, error)
}

func rejectFull(typ Type) error {
	return fault.Reject(fault.KindConflict, fault.ReasonRoomFull,
		"%s room is full (%d members)", typ, typ.Capacity())
}

func rejectType(typ Type) error {
	return fault.Reject(fault.KindValidation, fault.ReasonValidation,
		"unknown room type %q", typ)
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps membership in process memory. Single-pod only.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory membership store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]struct{})}
}

func memKey(typ Type, roomID string) string {
	return string(typ) + ":" + roomID
}

func (m *MemoryStore) Join(ctx context.Context, typ Type, roomID, userID string) error {
	if !typ.Valid() {
		return rejectType(typ)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(typ, roomID)
	members, ok := m.rooms[key]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[key] = members
	}
	if _, in := members[userID]; in {
		return nil
	}
	if cap := typ.Capacity(); cap > 0 && len(members) >= cap {
		return rejectFull(typ)
	}
	members[userID] = struct{}{}
	return nil
}

func (m *MemoryStore) Leave(ctx context.Context, typ Type, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(typ, roomID)
	if members, ok := m.rooms[key]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.rooms, key)
		}
	}
	return nil
}

func (m *MemoryStore) Members(ctx context.Context, typ Type, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[memKey(typ, roomID)]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, typ Type, roomID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[memKey(typ, roomID)]), nil
}

// Presence duration before an idle socket's membership self-expires in Redis.
// The memory store ignores it; sockets there die with the process.
const defaultRoomTTL = 6 * time.Hour
