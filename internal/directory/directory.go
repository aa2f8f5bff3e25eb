// Package directory resolves player identity from the Supabase project that
// owns user accounts. Game state never lives here; the services cache display
// names onto their own rows at creation time.
package directory

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/skateduel/backend/internal/fault"
)

// Supabase looks players up in the profiles table.
type Supabase struct {
	client *supabase.Client
}

// NewSupabase builds the client from SUPABASE_URL and SUPABASE_SERVICE_KEY.
func NewSupabase() (*Supabase, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Supabase{client: client}, nil
}

type profileRow struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// DisplayName resolves the name shown on game rows. Falls back to the
// username when the player never set one.
func (s *Supabase) DisplayName(ctx context.Context, userID string) (string, error) {
	var rows []profileRow
	_, err := s.client.From("profiles").
		Select("id,username,display_name", "", false).
		Eq("id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	if len(rows) == 0 {
		return "", fault.Reject(fault.KindNotFound, fault.ReasonOpponentNotFound, "player %s not found", userID)
	}
	if name := strings.TrimSpace(rows[0].DisplayName); name != "" {
		return name, nil
	}
	return rows[0].Username, nil
}

// RandomOpponent picks a quick-match opponent from players flagged as open
// to matchmaking, never the requester.
func (s *Supabase) RandomOpponent(ctx context.Context, exclude string) (string, error) {
	var rows []profileRow
	_, err := s.client.From("profiles").
		Select("id", "", false).
		Eq("open_to_match", "true").
		Neq("id", exclude).
		Limit(50, "").
		ExecuteTo(&rows)
	if err != nil {
		return "", fmt.Errorf("failed to list match candidates: %w", err)
	}
	if len(rows) == 0 {
		return "", fault.Reject(fault.KindNotFound, fault.ReasonOpponentNotFound, "no opponents available")
	}
	idx, err := randIndex(len(rows))
	if err != nil {
		return "", fmt.Errorf("failed to pick match candidate: %w", err)
	}
	return rows[idx].ID, nil
}

// randIndex draws a uniform index in [0, n) from the OS entropy source,
// rejecting draws above the largest multiple of n to avoid modulo bias.
func randIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randIndex: n must be positive, got %d", n)
	}
	max := ^uint64(0) - ^uint64(0)%uint64(n)
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < max {
			return int(v % uint64(n)), nil
		}
	}
}

// Static is a fixed directory for local development and tests.
type Static struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewStatic(names map[string]string) *Static {
	if names == nil {
		names = map[string]string{}
	}
	return &Static{names: names}
}

func (s *Static) DisplayName(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name, ok := s.names[userID]; ok {
		return name, nil
	}
	return userID, nil
}

func (s *Static) RandomOpponent(_ context.Context, exclude string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.names {
		if id != exclude {
			return id, nil
		}
	}
	return "", fault.Reject(fault.KindNotFound, fault.ReasonOpponentNotFound, "no opponents available")
}
