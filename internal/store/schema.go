package store

import (
	"context"
	"fmt"
	"time"
)

// tableQueries defines the persisted layout. Indexes on (status, deadline)
// are required for the reconciler sweeps to stay cheap.
var tableQueries = []string{
	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		player1_id TEXT NOT NULL,
		player1_name TEXT NOT NULL DEFAULT '',
		player2_id TEXT NOT NULL,
		player2_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_turn TEXT NOT NULL DEFAULT '',
		turn_phase TEXT NOT NULL DEFAULT '',
		offensive_player_id TEXT NOT NULL DEFAULT '',
		defensive_player_id TEXT NOT NULL DEFAULT '',
		player1_letters TEXT NOT NULL DEFAULT '',
		player2_letters TEXT NOT NULL DEFAULT '',
		last_trick_description TEXT NOT NULL DEFAULT '',
		last_trick_by TEXT NOT NULL DEFAULT '',
		deadline_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		winner_id TEXT NOT NULL DEFAULT '',
		player1_dispute_used BOOLEAN NOT NULL DEFAULT FALSE,
		player2_dispute_used BOOLEAN NOT NULL DEFAULT FALSE,
		processed_event_ids JSONB NOT NULL DEFAULT '[]',
		warning_sent_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS game_turns (
		id BIGSERIAL PRIMARY KEY,
		game_id TEXT NOT NULL REFERENCES games(id),
		player_id TEXT NOT NULL,
		player_name TEXT NOT NULL DEFAULT '',
		turn_number INT NOT NULL,
		turn_type TEXT NOT NULL,
		trick_description TEXT NOT NULL DEFAULT '',
		video_url TEXT NOT NULL,
		video_duration_ms INT NOT NULL,
		thumbnail_url TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT 'pending',
		judged_by TEXT NOT NULL DEFAULT '',
		judged_at TIMESTAMPTZ,
		UNIQUE (game_id, turn_number)
	)`,

	`CREATE TABLE IF NOT EXISTS game_disputes (
		id BIGSERIAL PRIMARY KEY,
		game_id TEXT NOT NULL REFERENCES games(id),
		turn_id BIGINT NOT NULL REFERENCES game_turns(id),
		disputed_by TEXT NOT NULL,
		against_player_id TEXT NOT NULL,
		original_result TEXT NOT NULL,
		final_result TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		penalty_applied_to TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (game_id, disputed_by)
	)`,

	`CREATE TABLE IF NOT EXISTS game_sessions (
		id TEXT PRIMARY KEY,
		spot_id TEXT NOT NULL DEFAULT '',
		creator_id TEXT NOT NULL,
		players JSONB NOT NULL DEFAULT '[]',
		max_players INT NOT NULL DEFAULT 8,
		current_turn_index INT NOT NULL DEFAULT 0,
		current_action TEXT NOT NULL DEFAULT '',
		current_trick TEXT NOT NULL DEFAULT '',
		setter_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		winner_id TEXT NOT NULL DEFAULT '',
		turn_deadline_at TIMESTAMPTZ,
		paused_at TIMESTAMPTZ,
		processed_event_ids JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS user_profiles (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		dispute_penalties INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_games_status_deadline ON games (status, deadline_at)`,
	`CREATE INDEX IF NOT EXISTS idx_games_status_created ON games (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_games_player1 ON games (player1_id)`,
	`CREATE INDEX IF NOT EXISTS idx_games_player2 ON games (player2_id)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_game ON game_turns (game_id, turn_number)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status_deadline ON game_sessions (status, turn_deadline_at)`,
}

// EnsureSchema creates tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	for _, q := range tableQueries {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
