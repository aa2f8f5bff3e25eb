// Package presence tracks per-user online status with a last-seen timestamp.
// The authoritative store is shared across pods; entries carry a TTL refreshed
// by socket activity, so a crashed pod's users decay to offline without any
// cleanup pass.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/skateduel/backend/internal/fault"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ValidStatus reports whether clients may set this status.
func ValidStatus(s Status) bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

// Entry is one user's presence record.
type Entry struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Store is the presence surface the gateway drives.
type Store interface {
	// Set records a status change and returns the stored entry.
	Set(ctx context.Context, userID string, status Status) (*Entry, error)
	// Get returns the user's entry; an expired or absent user is offline.
	Get(ctx context.Context, userID string) (*Entry, error)
	// Touch refreshes the TTL without changing the status.
	Touch(ctx context.Context, userID string) error
}

// Client is the slice of the Redis adapter the shared store needs.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

const (
	defaultKeyPrefix = "skate:presence:"
	defaultTTL       = 5 * time.Minute
)

// RedisStore keeps presence entries in the shared Redis, one key per user.
type RedisStore struct {
	client    Client
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisStore wires the shared store. Empty prefix and zero TTL fall back
// to defaults.
func NewRedisStore(client Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + userID
}

func (s *RedisStore) Set(ctx context.Context, userID string, status Status) (*Entry, error) {
	if !ValidStatus(status) {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation, "unknown status %q", status)
	}
	entry := &Entry{UserID: userID, Status: status, LastSeen: s.now().UTC()}

	// Absence means offline, so going offline is a delete, not a write.
	if status == StatusOffline {
		if err := s.client.Del(ctx, s.key(userID)); err != nil {
			return nil, err
		}
		return entry, nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.key(userID), data, s.ttl); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(userID))
	if err != nil || len(data) == 0 {
		return &Entry{UserID: userID, Status: StatusOffline}, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return &Entry{UserID: userID, Status: StatusOffline}, nil
	}
	return &entry, nil
}

func (s *RedisStore) Touch(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, s.key(userID), s.ttl)
}

// MemoryStore is the single-pod fallback.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryStore builds an in-process presence store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{entries: map[string]memoryEntry{}, ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Set(_ context.Context, userID string, status Status) (*Entry, error) {
	if !ValidStatus(status) {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation, "unknown status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := Entry{UserID: userID, Status: status, LastSeen: now.UTC()}
	if status == StatusOffline {
		delete(s.entries, userID)
	} else {
		s.entries[userID] = memoryEntry{entry: entry, expiresAt: now.Add(s.ttl)}
	}
	return &entry, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.entries[userID]
	if !ok || s.now().After(m.expiresAt) {
		delete(s.entries, userID)
		return &Entry{UserID: userID, Status: StatusOffline}, nil
	}
	entry := m.entry
	return &entry, nil
}

func (s *MemoryStore) Touch(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.entries[userID]; ok {
		m.expiresAt = s.now().Add(s.ttl)
		s.entries[userID] = m
	}
	return nil
}
