package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore keeps reputation in the same database as the games.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the tables if needed.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS player_reputation (
			player_id TEXT PRIMARY KEY,
			fair_play BIGINT NOT NULL DEFAULT 100,
			penalty_points BIGINT NOT NULL DEFAULT 0,
			quarantined BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS reputation_audit (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			ref_id TEXT,
			delta BIGINT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_audit_player
			ON reputation_audit (player_id, created_at)`,
	}
	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			return nil, fmt.Errorf("reputation schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

func (ps *PostgresStore) ensure(ctx context.Context, tx *sql.Tx, playerID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO player_reputation (player_id, fair_play) VALUES ($1, $2)
		 ON CONFLICT (player_id) DO NOTHING`,
		playerID, StartingFairPlay)
	return err
}

func (ps *PostgresStore) ApplyPenalty(ctx context.Context, playerID, refID string, points int64, reason string) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ps.ensure(ctx, tx, playerID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE player_reputation
		 SET fair_play = fair_play - $2,
		     penalty_points = penalty_points + $2,
		     quarantined = (fair_play - $2) < $3,
		     updated_at = NOW()
		 WHERE player_id = $1`,
		playerID, points, QuarantineThreshold)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reputation_audit (id, player_id, ref_id, delta, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), playerID, refID, -points, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (ps *PostgresStore) Reward(ctx context.Context, playerID string, points int64) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ps.ensure(ctx, tx, playerID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE player_reputation
		 SET fair_play = fair_play + $2,
		     quarantined = (fair_play + $2) < $3,
		     updated_at = NOW()
		 WHERE player_id = $1`,
		playerID, points, QuarantineThreshold)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reputation_audit (id, player_id, delta, reason, created_at)
		 VALUES ($1, $2, $3, 'reward', $4)`,
		uuid.NewString(), playerID, points, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (ps *PostgresStore) Reputation(ctx context.Context, playerID string) (*PlayerReputation, error) {
	rep := &PlayerReputation{PlayerID: playerID}
	err := ps.db.QueryRowContext(ctx,
		`SELECT fair_play, penalty_points, quarantined, updated_at
		 FROM player_reputation WHERE player_id = $1`,
		playerID).Scan(&rep.FairPlay, &rep.PenaltyPoints, &rep.Quarantined, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return &PlayerReputation{
			PlayerID:  playerID,
			FairPlay:  StartingFairPlay,
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// Close is a no-op: the database handle belongs to the caller.
func (ps *PostgresStore) Close() error { return nil }
