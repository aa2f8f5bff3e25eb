// Package reputation keeps a per-player fair-play score alongside the game
// rows. Dispute penalties pull the score down, clean wins nudge it back up,
// and matchmaking reads it to keep serial frivolous disputers away from
// quick match. Storage is pluggable: Postgres next to the game data by
// default, Spanner where the deployment already runs one.
package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// PlayerReputation is the current standing of one player.
type PlayerReputation struct {
	PlayerID      string    `json:"player_id"`
	FairPlay      int64     `json:"fair_play"`
	PenaltyPoints int64     `json:"penalty_points"`
	Quarantined   bool      `json:"quarantined"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StartingFairPlay is the score a player begins with.
const StartingFairPlay int64 = 100

// QuarantineThreshold is the fair-play floor below which a player is
// excluded from quick match until the score recovers.
const QuarantineThreshold int64 = 40

// Store records reputation movements.
type Store interface {
	// ApplyPenalty subtracts points and logs the movement against refID
	// (a dispute or game ID). Crossing the threshold quarantines.
	ApplyPenalty(ctx context.Context, playerID, refID string, points int64, reason string) error
	// Reward adds points and lifts the quarantine once back over the
	// threshold.
	Reward(ctx context.Context, playerID string, points int64) error
	// Reputation returns the player's standing, creating the default row on
	// first read.
	Reputation(ctx context.Context, playerID string) (*PlayerReputation, error)
	Close() error
}

// Config selects and parameterizes the backend.
type Config struct {
	Backend         string // "postgres" or "spanner"
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewStore creates the store the config asks for. db is the shared game
// database handle, used by the Postgres backend.
func NewStore(cfg Config, db *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerStore(cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "postgres", "":
		if db == nil {
			return nil, fmt.Errorf("postgres backend needs a database handle")
		}
		return NewPostgresStore(db)

	default:
		return nil, fmt.Errorf("unknown reputation backend: %s", cfg.Backend)
	}
}

// NewStoreFromEnv builds the config from environment variables.
func NewStoreFromEnv(db *sql.DB) (Store, error) {
	return NewStore(Config{
		Backend:         os.Getenv("REPUTATION_BACKEND"),
		SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
		SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
	}, db)
}
