package notify

import (
	"context"
	"fmt"
	"os"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore reads notification preferences and device tokens from the
// Supabase project that owns user accounts. Game state stays in Postgres;
// only user-profile concerns live here.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore builds the client from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewSupabaseStore() (*SupabaseStore, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// Preferences returns the player's notification settings. A player with no
// row gets push-only defaults.
func (ss *SupabaseStore) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	var rows []Preferences
	_, err := ss.client.From("user_notification_prefs").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	if len(rows) == 0 {
		return permissiveDefaults(userID), nil
	}
	return &rows[0], nil
}

// SaveInApp appends a row to the player's in-app notification feed.
func (ss *SupabaseStore) SaveInApp(ctx context.Context, userID, kind string, data map[string]any) error {
	row := map[string]any{
		"user_id": userID,
		"kind":    kind,
		"data":    data,
		"read":    false,
	}
	_, _, err := ss.client.From("user_notifications").
		Insert(row, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to save in-app notification: %w", err)
	}
	return nil
}

type pushTokenRow struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Active bool   `json:"active"`
}

// PushTokens returns the player's active device tokens.
func (ss *SupabaseStore) PushTokens(ctx context.Context, userID string) ([]string, error) {
	var rows []pushTokenRow
	_, err := ss.client.From("user_push_tokens").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("active", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}
	tokens := make([]string, 0, len(rows))
	for _, r := range rows {
		tokens = append(tokens, r.Token)
	}
	return tokens, nil
}
