package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Client is the minimal Redis surface the store needs. Any driver can satisfy
// it; cmd/*/main creates the concrete client and injects it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// joinScript adds the member only if the room has space. Membership check
// first so rejoining never counts against capacity. Returns 1 on join, 0 if
// already a member, -1 if the room is full.
const joinScript = `
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return 0
end
local cap = tonumber(ARGV[2])
if cap > 0 and redis.call('SCARD', KEYS[1]) >= cap then
  return -1
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`

// RedisStore backs room membership with Redis sets so every pod shares the
// same occupancy. Keys carry a TTL refreshed on each join; an abandoned room
// evaporates on its own.
type RedisStore struct {
	client    Client
	keyPrefix string // e.g. "skate:room:" to namespace keys
	roomTTL   time.Duration
}

// NewRedisStore creates a Redis-backed membership store.
func NewRedisStore(client Client, keyPrefix string, roomTTL time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "skate:room:"
	}
	if roomTTL == 0 {
		roomTTL = defaultRoomTTL
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		roomTTL:   roomTTL,
	}
}

func (rs *RedisStore) key(typ Type, roomID string) string {
	return rs.keyPrefix + string(typ) + ":" + roomID
}

// Join atomically checks capacity and adds the member via a Lua script, so
// two pods admitting the last seat cannot both succeed.
func (rs *RedisStore) Join(ctx context.Context, typ Type, roomID, userID string) error {
	if !typ.Valid() {
		return rejectType(typ)
	}
	res, err := rs.client.Eval(ctx, joinScript,
		[]string{rs.key(typ, roomID)},
		userID, typ.Capacity(), int(rs.roomTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("redis EVAL join: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return fmt.Errorf("redis EVAL join: unexpected reply %T", res)
	}
	if n < 0 {
		return rejectFull(typ)
	}
	if n == 1 {
		slog.Debug("[RedisStore] Joined room", "type", typ, "room", roomID, "user", userID)
	}
	return nil
}

func (rs *RedisStore) Leave(ctx context.Context, typ Type, roomID, userID string) error {
	if err := rs.client.SRem(ctx, rs.key(typ, roomID), userID); err != nil {
		return fmt.Errorf("redis SREM: %w", err)
	}
	return nil
}

func (rs *RedisStore) Members(ctx context.Context, typ Type, roomID string) ([]string, error) {
	members, err := rs.client.SMembers(ctx, rs.key(typ, roomID))
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS: %w", err)
	}
	return members, nil
}

func (rs *RedisStore) Count(ctx context.Context, typ Type, roomID string) (int, error) {
	n, err := rs.client.SCard(ctx, rs.key(typ, roomID))
	if err != nil {
		return 0, fmt.Errorf("redis SCARD: %w", err)
	}
	return int(n), nil
}

// Touch refreshes the room key's TTL. The gateway calls this on pong so a
// long-lived quiet room does not evaporate under its members.
func (rs *RedisStore) Touch(ctx context.Context, typ Type, roomID string) error {
	return rs.client.Expire(ctx, rs.key(typ, roomID), rs.roomTTL)
}
