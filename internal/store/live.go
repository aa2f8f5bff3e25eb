package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LiveTx is the transactional handle for a live multi-player session row.
// Same discipline as Tx: row lock first, re-read, validate, write, commit.
type LiveTx interface {
	Session() *LiveSession
	SaveSession(s *LiveSession) error
}

// WithSession runs fn inside a serializable transaction holding an exclusive
// row lock on the live session.
func (p *Postgres) WithSession(ctx context.Context, sessionID string, fn func(tx LiveTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	s, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		tx.Rollback()
		return err
	}

	lt := &pgLiveTx{ctx: ctx, tx: tx, session: s}
	if err := fn(lt); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const sessionColumns = `id, spot_id, creator_id, players, max_players,
	current_turn_index, current_action, current_trick, setter_id, status,
	winner_id, turn_deadline_at, paused_at, processed_event_ids, created_at, updated_at`

func lockSession(ctx context.Context, tx *sql.Tx, sessionID string) (*LiveSession, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	return scanSession(row)
}

func scanSession(row rowScanner) (*LiveSession, error) {
	var s LiveSession
	var players, processed []byte
	err := row.Scan(
		&s.ID, &s.SpotID, &s.CreatorID, &players, &s.MaxPlayers,
		&s.CurrentTurnIndex, &s.CurrentAction, &s.CurrentTrick, &s.SetterID, &s.Status,
		&s.WinnerID, &s.TurnDeadlineAt, &s.PausedAt, &processed, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(players, &s.Players); err != nil {
		return nil, fmt.Errorf("decode players: %w", err)
	}
	if err := json.Unmarshal(processed, &s.ProcessedEventIDs); err != nil {
		return nil, fmt.Errorf("decode event log: %w", err)
	}
	return &s, nil
}

type pgLiveTx struct {
	ctx     context.Context
	tx      *sql.Tx
	session *LiveSession
}

func (t *pgLiveTx) Session() *LiveSession { return t.session }

func (t *pgLiveTx) SaveSession(s *LiveSession) error {
	players, err := json.Marshal(s.Players)
	if err != nil {
		return fmt.Errorf("encode players: %w", err)
	}
	processed, err := json.Marshal(s.ProcessedEventIDs)
	if err != nil {
		return fmt.Errorf("encode event log: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `UPDATE game_sessions SET
		players = $2, current_turn_index = $3, current_action = $4,
		current_trick = $5, setter_id = $6, status = $7, winner_id = $8,
		turn_deadline_at = $9, paused_at = $10, processed_event_ids = $11,
		updated_at = NOW()
		WHERE id = $1`,
		s.ID, players, s.CurrentTurnIndex, s.CurrentAction,
		s.CurrentTrick, s.SetterID, s.Status, s.WinnerID,
		s.TurnDeadlineAt, s.PausedAt, processed,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// CreateSession inserts a new live session row.
func (p *Postgres) CreateSession(ctx context.Context, s *LiveSession) error {
	players, err := json.Marshal(s.Players)
	if err != nil {
		return fmt.Errorf("encode players: %w", err)
	}
	processed := []byte("[]")
	if s.ProcessedEventIDs != nil {
		if processed, err = json.Marshal(s.ProcessedEventIDs); err != nil {
			return fmt.Errorf("encode event log: %w", err)
		}
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO game_sessions
		(id, spot_id, creator_id, players, max_players, current_turn_index,
		 current_action, current_trick, setter_id, status, turn_deadline_at,
		 processed_event_ids)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.SpotID, s.CreatorID, players, s.MaxPlayers, s.CurrentTurnIndex,
		s.CurrentAction, s.CurrentTrick, s.SetterID, s.Status, s.TurnDeadlineAt,
		processed)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession reads a live session without locking. Read paths only.
func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*LiveSession, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE id = $1`, sessionID)
	return scanSession(row)
}

// ExpiredSessionIDs returns active live sessions whose turn deadline passed.
func (p *Postgres) ExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return p.gameIDs(ctx, `SELECT id FROM game_sessions
		WHERE status = 'active' AND turn_deadline_at IS NOT NULL AND turn_deadline_at < $1
		ORDER BY turn_deadline_at LIMIT $2`, now, limit)
}

// PausedSessionIDs returns paused live sessions for the disconnect-window
// sweep.
func (p *Postgres) PausedSessionIDs(ctx context.Context, limit int) ([]string, error) {
	return p.gameIDs(ctx, `SELECT id FROM game_sessions
		WHERE status = 'paused' ORDER BY paused_at LIMIT $1`, limit)
}
