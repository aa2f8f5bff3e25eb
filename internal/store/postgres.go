package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Postgres is the authoritative store for sessions, turns, disputes, and
// profile counters. Nothing else is authoritative; Redis-backed structures
// are caches or fan-out only.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and verifies connectivity.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("Postgres connected")
	return &Postgres{db: db}, nil
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// DB exposes the underlying handle for sibling stores sharing the pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Tx is the handle a mutator receives inside the transactional gateway.
// Every method runs on the same transaction that holds the session row lock,
// so related writes (turn rows, dispute rows, profile counters) commit or
// roll back together.
type Tx interface {
	// Game returns the locked, re-read session row. Mutate it and call
	// SaveGame before the gateway commits.
	Game() *Game
	SaveGame(g *Game) error

	InsertTurn(t *Turn) error
	TurnByID(id int64) (*Turn, error)
	SetTurnJudgment(turnID int64, result, judgedBy string, at time.Time) error
	// HasResponseAfter reports whether a response turn with a turn number
	// strictly greater than n exists for this game.
	HasResponseAfter(n int) (bool, error)

	InsertDispute(d *Dispute) error
	DisputeByID(id int64) (*Dispute, error)
	ResolveDispute(d *Dispute) error

	// AddDisputePenalty increments the monotone dispute_penalties counter.
	AddDisputePenalty(playerID string) error
}

// WithGame runs fn inside a serializable transaction whose first statement
// takes an exclusive row lock on the game. fn sees canonical state re-read
// under the lock; if fn returns an error the transaction rolls back and no
// side effect is observable.
func (p *Postgres) WithGame(ctx context.Context, gameID string, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	g, err := lockGame(ctx, tx, gameID)
	if err != nil {
		tx.Rollback()
		return err
	}

	pt := &pgTx{ctx: ctx, tx: tx, game: g}
	if err := fn(pt); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const gameColumns = `id, player1_id, player1_name, player2_id, player2_name, status,
	current_turn, turn_phase, offensive_player_id, defensive_player_id,
	player1_letters, player2_letters, last_trick_description, last_trick_by,
	deadline_at, completed_at, winner_id, player1_dispute_used,
	player2_dispute_used, processed_event_ids, warning_sent_at, created_at, updated_at`

func lockGame(ctx context.Context, tx *sql.Tx, gameID string) (*Game, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1 FOR UPDATE`, gameID)
	return scanGame(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*Game, error) {
	var g Game
	var processed []byte
	err := row.Scan(
		&g.ID, &g.Player1ID, &g.Player1Name, &g.Player2ID, &g.Player2Name, &g.Status,
		&g.CurrentTurn, &g.TurnPhase, &g.OffensivePlayerID, &g.DefensivePlayerID,
		&g.Player1Letters, &g.Player2Letters, &g.LastTrickDescription, &g.LastTrickBy,
		&g.DeadlineAt, &g.CompletedAt, &g.WinnerID, &g.Player1DisputeUsed,
		&g.Player2DisputeUsed, &processed, &g.WarningSentAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan game: %w", err)
	}
	if err := json.Unmarshal(processed, &g.ProcessedEventIDs); err != nil {
		return nil, fmt.Errorf("decode event log: %w", err)
	}
	return &g, nil
}

// pgTx implements Tx on a live *sql.Tx.
type pgTx struct {
	ctx  context.Context
	tx   *sql.Tx
	game *Game
}

func (t *pgTx) Game() *Game { return t.game }

func (t *pgTx) SaveGame(g *Game) error {
	processed, err := json.Marshal(g.ProcessedEventIDs)
	if err != nil {
		return fmt.Errorf("encode event log: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `UPDATE games SET
		status = $2, current_turn = $3, turn_phase = $4,
		offensive_player_id = $5, defensive_player_id = $6,
		player1_letters = $7, player2_letters = $8,
		last_trick_description = $9, last_trick_by = $10,
		deadline_at = $11, completed_at = $12, winner_id = $13,
		player1_dispute_used = $14, player2_dispute_used = $15,
		processed_event_ids = $16, warning_sent_at = $17, updated_at = NOW()
		WHERE id = $1`,
		g.ID, g.Status, g.CurrentTurn, g.TurnPhase,
		g.OffensivePlayerID, g.DefensivePlayerID,
		g.Player1Letters, g.Player2Letters,
		g.LastTrickDescription, g.LastTrickBy,
		g.DeadlineAt, g.CompletedAt, g.WinnerID,
		g.Player1DisputeUsed, g.Player2DisputeUsed,
		processed, g.WarningSentAt,
	)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTurn(turn *Turn) error {
	// Turn numbers are dense and strictly increasing per game. The MAX+1
	// read is safe because the game row lock serializes writers.
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(MAX(turn_number), 0) + 1 FROM game_turns WHERE game_id = $1`,
		turn.GameID).Scan(&turn.TurnNumber)
	if err != nil {
		return fmt.Errorf("next turn number: %w", err)
	}

	err = t.tx.QueryRowContext(t.ctx, `INSERT INTO game_turns
		(game_id, player_id, player_name, turn_number, turn_type,
		 trick_description, video_url, video_duration_ms, thumbnail_url,
		 result, judged_by, judged_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		turn.GameID, turn.PlayerID, turn.PlayerName, turn.TurnNumber, turn.TurnType,
		turn.TrickDescription, turn.VideoURL, turn.VideoDurationMs, turn.ThumbnailURL,
		turn.Result, turn.JudgedBy, turn.JudgedAt,
	).Scan(&turn.ID)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

const turnColumns = `id, game_id, player_id, player_name, turn_number, turn_type,
	trick_description, video_url, video_duration_ms, thumbnail_url,
	result, judged_by, judged_at`

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	err := row.Scan(
		&t.ID, &t.GameID, &t.PlayerID, &t.PlayerName, &t.TurnNumber, &t.TurnType,
		&t.TrickDescription, &t.VideoURL, &t.VideoDurationMs, &t.ThumbnailURL,
		&t.Result, &t.JudgedBy, &t.JudgedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	return &t, nil
}

func (t *pgTx) TurnByID(id int64) (*Turn, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+turnColumns+` FROM game_turns WHERE id = $1 AND game_id = $2`,
		id, t.game.ID)
	return scanTurn(row)
}

func (t *pgTx) SetTurnJudgment(turnID int64, result, judgedBy string, at time.Time) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE game_turns SET result = $3, judged_by = $4, judged_at = $5
		 WHERE id = $1 AND game_id = $2`,
		turnID, t.game.ID, result, judgedBy, at)
	if err != nil {
		return fmt.Errorf("set judgment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) HasResponseAfter(n int) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM game_turns
		 WHERE game_id = $1 AND turn_type = 'response' AND turn_number > $2)`,
		t.game.ID, n).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("response lookup: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertDispute(d *Dispute) error {
	err := t.tx.QueryRowContext(t.ctx, `INSERT INTO game_disputes
		(game_id, turn_id, disputed_by, against_player_id, original_result)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		d.GameID, d.TurnID, d.DisputedBy, d.AgainstPlayerID, d.OriginalResult,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

const disputeColumns = `id, game_id, turn_id, disputed_by, against_player_id,
	original_result, final_result, resolved_by, resolved_at, penalty_applied_to, created_at`

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.GameID, &d.TurnID, &d.DisputedBy, &d.AgainstPlayerID,
		&d.OriginalResult, &d.FinalResult, &d.ResolvedBy, &d.ResolvedAt,
		&d.PenaltyAppliedTo, &d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	return &d, nil
}

func (t *pgTx) DisputeByID(id int64) (*Dispute, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+disputeColumns+` FROM game_disputes WHERE id = $1 AND game_id = $2`,
		id, t.game.ID)
	return scanDispute(row)
}

func (t *pgTx) ResolveDispute(d *Dispute) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE game_disputes SET final_result = $2, resolved_by = $3,
		 resolved_at = $4, penalty_applied_to = $5 WHERE id = $1`,
		d.ID, d.FinalResult, d.ResolvedBy, d.ResolvedAt, d.PenaltyAppliedTo)
	if err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	return nil
}

func (t *pgTx) AddDisputePenalty(playerID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO user_profiles (id, dispute_penalties) VALUES ($1, 1)
		 ON CONFLICT (id) DO UPDATE
		 SET dispute_penalties = user_profiles.dispute_penalties + 1, updated_at = NOW()`,
		playerID)
	if err != nil {
		return fmt.Errorf("add dispute penalty: %w", err)
	}
	return nil
}

// CreateGame inserts a new session row. No lock needed: the row does not
// exist yet and the ID is fresh.
func (p *Postgres) CreateGame(ctx context.Context, g *Game) error {
	processed, err := json.Marshal(g.ProcessedEventIDs)
	if err != nil {
		return fmt.Errorf("encode event log: %w", err)
	}
	if g.ProcessedEventIDs == nil {
		processed = []byte("[]")
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO games
		(id, player1_id, player1_name, player2_id, player2_name, status,
		 current_turn, turn_phase, offensive_player_id, defensive_player_id,
		 player1_letters, player2_letters, deadline_at, processed_event_ids)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		g.ID, g.Player1ID, g.Player1Name, g.Player2ID, g.Player2Name, g.Status,
		g.CurrentTurn, g.TurnPhase, g.OffensivePlayerID, g.DefensivePlayerID,
		g.Player1Letters, g.Player2Letters, g.DeadlineAt, processed)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

// GetGame reads a session row without locking. Read paths only.
func (p *Postgres) GetGame(ctx context.Context, gameID string) (*Game, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, gameID)
	return scanGame(row)
}

// ListTurns returns all turns of a game ordered by turn number.
func (p *Postgres) ListTurns(ctx context.Context, gameID string) ([]Turn, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM game_turns WHERE game_id = $1 ORDER BY turn_number`,
		gameID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListDisputes returns all disputes of a game.
func (p *Postgres) ListDisputes(ctx context.Context, gameID string) ([]Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM game_disputes WHERE game_id = $1 ORDER BY id`,
		gameID)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GameIDForTurn resolves a turn ID to its game so the caller can enter the
// gateway with the right row lock.
func (p *Postgres) GameIDForTurn(ctx context.Context, turnID int64) (string, error) {
	var gameID string
	err := p.db.QueryRowContext(ctx,
		`SELECT game_id FROM game_turns WHERE id = $1`, turnID).Scan(&gameID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("turn lookup: %w", err)
	}
	return gameID, nil
}

// GameIDForDispute resolves a dispute ID to its game so the caller can enter
// the gateway with the right row lock.
func (p *Postgres) GameIDForDispute(ctx context.Context, disputeID int64) (string, error) {
	var gameID string
	err := p.db.QueryRowContext(ctx,
		`SELECT game_id FROM game_disputes WHERE id = $1`, disputeID).Scan(&gameID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("dispute lookup: %w", err)
	}
	return gameID, nil
}

// GamesForPlayer returns every game the player participates in, newest first.
func (p *Postgres) GamesForPlayer(ctx context.Context, playerID string) ([]Game, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE player1_id = $1 OR player2_id = $1
		 ORDER BY updated_at DESC`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	var out []Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// ExpiredGameIDs returns active games whose deadline passed, oldest first.
// The reconciler re-locks and re-checks each one before acting.
func (p *Postgres) ExpiredGameIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return p.gameIDs(ctx, `SELECT id FROM games
		WHERE status = 'active' AND deadline_at IS NOT NULL AND deadline_at < $1
		ORDER BY deadline_at LIMIT $2`, now, limit)
}

// ExpiringGameIDs returns active games whose deadline is within the window.
func (p *Postgres) ExpiringGameIDs(ctx context.Context, now time.Time, window time.Duration, limit int) ([]string, error) {
	return p.gameIDs(ctx, `SELECT id FROM games
		WHERE status = 'active' AND deadline_at IS NOT NULL
		  AND deadline_at > $1 AND deadline_at < $1 + $3::interval
		ORDER BY deadline_at LIMIT $2`, now, limit, fmt.Sprintf("%d seconds", int(window.Seconds())))
}

// StalledGameIDs returns active games older than the hard cap.
func (p *Postgres) StalledGameIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return p.gameIDs(ctx, `SELECT id FROM games
		WHERE status = 'active' AND created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
}

func (p *Postgres) gameIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("game ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalBefore removes terminal sessions older than the cutoff.
// Used by the cleanup cron.
func (p *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM game_sessions
		WHERE status IN ('completed','declined','forfeited') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// DisputePenalties reads the monotone penalty counter for a player.
func (p *Postgres) DisputePenalties(ctx context.Context, playerID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT dispute_penalties FROM user_profiles WHERE id = $1`, playerID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dispute penalties: %w", err)
	}
	return n, nil
}

// PlayerName returns the cached display name for a player, or ErrNotFound.
func (p *Postgres) PlayerName(ctx context.Context, playerID string) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx,
		`SELECT display_name FROM user_profiles WHERE id = $1`, playerID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("player name: %w", err)
	}
	return name, nil
}
