package duel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/metrics"
	"github.com/skateduel/backend/internal/reputation"
	"github.com/skateduel/backend/internal/store"
)

// Notification kinds emitted after commit. The dispatcher decides per-user
// which channels (push, in-app, email) each kind reaches.
const (
	NotifyChallengeReceived = "challenge_received"
	NotifyYourTurn          = "your_turn"
	NotifyGameOver          = "game_over"
	NotifyOpponentForfeited = "opponent_forfeited"
	NotifyTimeoutForfeit    = "game_forfeited_timeout"
	NotifyDisputeFiled      = "dispute_filed"
	NotifyDisputeResolved   = "dispute_resolved"
	NotifyDeadlineWarning   = "deadline_warning"
	NotifyQuickMatch        = "quick_match"
)

// DB is the persistence surface the service mutates through. *store.Postgres
// satisfies it; tests plug in an in-memory fake.
type DB interface {
	CreateGame(ctx context.Context, g *store.Game) error
	WithGame(ctx context.Context, gameID string, fn func(tx store.Tx) error) error
	GetGame(ctx context.Context, gameID string) (*store.Game, error)
	ListTurns(ctx context.Context, gameID string) ([]store.Turn, error)
	ListDisputes(ctx context.Context, gameID string) ([]store.Dispute, error)
	GameIDForTurn(ctx context.Context, turnID int64) (string, error)
	GameIDForDispute(ctx context.Context, disputeID int64) (string, error)
	GamesForPlayer(ctx context.Context, playerID string) ([]store.Game, error)
}

// Directory resolves user identity. Display names are cached onto the game
// row at creation so reads never depend on the directory being up.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	// RandomOpponent picks a quick-match opponent other than exclude.
	RandomOpponent(ctx context.Context, exclude string) (string, error)
}

// Notifier fans a notification out to a user. Fired after commit only.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, data map[string]any)
}

// Broadcaster pushes a realtime event to everyone watching a game.
type Broadcaster interface {
	BroadcastGame(ctx context.Context, gameID, event string, payload any)
}

// Analytics receives fire-and-forget product events.
type Analytics interface {
	Emit(ctx context.Context, event string, data map[string]any)
}

// Deadlines schedules an exact-time expiry callback for a turn deadline.
// The reconciler remains the catch-all when scheduling fails.
type Deadlines interface {
	ScheduleGameExpiry(ctx context.Context, gameID string, deadline time.Time) error
}

// Reputation records fair-play movements and gates matchmaking. Movements
// fire after commit only; the in-game dispute penalty counter commits with
// the game row regardless.
type Reputation interface {
	ApplyPenalty(ctx context.Context, playerID, refID string, points int64, reason string) error
	Reward(ctx context.Context, playerID string, points int64) error
	Reputation(ctx context.Context, playerID string) (*reputation.PlayerReputation, error)
}

// Config holds the rule knobs. Zero values fall back to production defaults.
type Config struct {
	TurnDeadline        time.Duration
	MaxVideoDurationMs  int
	MaxTrickDescription int
	GameHardCap         time.Duration
	WarningCooldown     time.Duration
	TrustedVideoHosts   []string
}

func (c Config) withDefaults() Config {
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = 24 * time.Hour
	}
	if c.MaxVideoDurationMs <= 0 {
		c.MaxVideoDurationMs = 15000
	}
	if c.MaxTrickDescription <= 0 {
		c.MaxTrickDescription = 500
	}
	if c.GameHardCap <= 0 {
		c.GameHardCap = 7 * 24 * time.Hour
	}
	if c.WarningCooldown <= 0 {
		c.WarningCooldown = 30 * time.Minute
	}
	return c
}

// Service orchestrates the async 1v1 duel. Every mutation runs inside the
// store's transactional gateway; notifications, broadcasts, and analytics
// fire only after the transaction commits.
type Service struct {
	db  DB
	dir Directory
	cfg Config
	log *slog.Logger
	now func() time.Time

	// Optional post-commit sinks. Nil sinks are skipped.
	Notifier   Notifier
	Rooms      Broadcaster
	Analytics  Analytics
	Deadlines  Deadlines
	Reputation Reputation
	Metrics    *metrics.Metrics
}

// NewService wires the duel core.
func NewService(db DB, dir Directory, cfg Config) *Service {
	return &Service{
		db:  db,
		dir: dir,
		cfg: cfg.withDefaults(),
		log: slog.Default().With("component", "duel"),
		now: time.Now,
	}
}

// Result is the outcome of a mutation. AlreadyProcessed means the event ID
// was in the idempotency log (or a sweep found nothing to do) and no state
// changed; callers must skip side effects in that case.
type Result struct {
	Game             *store.Game
	Turn             *store.Turn
	Dispute          *store.Dispute
	AlreadyProcessed bool
	GameOver         bool
	WinnerID         string
}

// withGame enters the gateway and maps a missing row onto the structured
// not-found failure.
func (s *Service) withGame(ctx context.Context, gameID string, fn func(tx store.Tx) error) error {
	err := s.db.WithGame(ctx, gameID, fn)
	if errors.Is(err, store.ErrNotFound) {
		return fault.Reject(fault.KindNotFound, fault.ReasonGameNotFound, "game %s not found", gameID)
	}
	return err
}

func (s *Service) notify(ctx context.Context, userID, kind string, data map[string]any) {
	if s.Notifier == nil || userID == "" {
		return
	}
	s.Notifier.Notify(ctx, userID, kind, data)
}

func (s *Service) broadcast(ctx context.Context, gameID, event string, payload any) {
	if s.Rooms == nil {
		return
	}
	s.Rooms.BroadcastGame(ctx, gameID, event, payload)
}

func (s *Service) emit(ctx context.Context, event string, data map[string]any) {
	if s.Analytics == nil {
		return
	}
	s.Analytics.Emit(ctx, event, data)
}

func (s *Service) scheduleExpiry(ctx context.Context, g *store.Game) {
	if s.Deadlines == nil || g == nil || g.DeadlineAt == nil {
		return
	}
	if err := s.Deadlines.ScheduleGameExpiry(ctx, g.ID, *g.DeadlineAt); err != nil {
		s.log.Warn("deadline schedule failed", "game", g.ID, "error", err)
	}
}

func (s *Service) penalize(ctx context.Context, playerID, refID string, points int64, reason string) {
	if s.Reputation == nil || playerID == "" {
		return
	}
	if err := s.Reputation.ApplyPenalty(ctx, playerID, refID, points, reason); err != nil {
		s.log.Warn("reputation penalty failed", "player", playerID, "error", err)
	}
}

func (s *Service) reward(ctx context.Context, playerID string, points int64) {
	if s.Reputation == nil || playerID == "" {
		return
	}
	if err := s.Reputation.Reward(ctx, playerID, points); err != nil {
		s.log.Warn("reputation reward failed", "player", playerID, "error", err)
	}
}

// Create issues a challenge from challengerID to opponentID. The game starts
// pending with the challenger seeded as offensive; no deadline runs until the
// challenge is accepted.
func (s *Service) Create(ctx context.Context, challengerID, opponentID string) (*store.Game, error) {
	if challengerID == "" || opponentID == "" {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation, "challenger and opponent are required")
	}
	if challengerID == opponentID {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonSelfChallenge, "cannot challenge yourself")
	}

	opName, err := s.dir.DisplayName(ctx, opponentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Reject(fault.KindNotFound, fault.ReasonOpponentNotFound, "opponent %s not found", opponentID)
	}
	if err != nil {
		return nil, err
	}
	chName, err := s.dir.DisplayName(ctx, challengerID)
	if err != nil {
		// The challenger is authenticated; a directory hiccup should not
		// block the challenge.
		s.log.Warn("challenger name lookup failed", "player", challengerID, "error", err)
		chName = ""
	}

	g := &store.Game{
		ID:                uuid.NewString(),
		Player1ID:         challengerID,
		Player1Name:       chName,
		Player2ID:         opponentID,
		Player2Name:       opName,
		Status:            game.PhasePending,
		CurrentTurn:       opponentID, // the challenged player must respond
		TurnPhase:         game.SubSetTrick,
		OffensivePlayerID: challengerID,
		DefensivePlayerID: opponentID,
	}
	if err := s.db.CreateGame(ctx, g); err != nil {
		return nil, err
	}

	s.Metrics.GameCreated()
	s.notify(ctx, opponentID, NotifyChallengeReceived, map[string]any{
		"game_id":         g.ID,
		"challenger_name": chName,
	})
	s.emit(ctx, "game_created", map[string]any{"game_id": g.ID, "challenger": challengerID})
	s.log.Info("challenge created", "game", g.ID, "challenger", challengerID, "opponent", opponentID)
	return g, nil
}

// QuickMatch challenges a randomly chosen opponent. Quarantined players
// (fair play below the floor) are excluded until their score recovers.
func (s *Service) QuickMatch(ctx context.Context, playerID string) (*store.Game, error) {
	if s.Reputation != nil {
		rep, err := s.Reputation.Reputation(ctx, playerID)
		if err != nil {
			s.log.Warn("reputation lookup failed", "player", playerID, "error", err)
		} else if rep.Quarantined {
			return nil, fault.Reject(fault.KindForbidden, fault.ReasonRateLimited,
				"quick match unavailable until fair play recovers")
		}
	}

	opponentID, err := s.dir.RandomOpponent(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && opponentID == "") {
		return nil, fault.Reject(fault.KindNotFound, fault.ReasonOpponentNotFound, "no opponent available")
	}
	if err != nil {
		return nil, err
	}
	g, err := s.Create(ctx, playerID, opponentID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, opponentID, NotifyQuickMatch, map[string]any{"game_id": g.ID})
	return g, nil
}

// Respond accepts or declines a pending challenge. Only the challenged
// player may respond. Accepting activates the game and starts the first
// turn deadline.
func (s *Service) Respond(ctx context.Context, gameID, actorID string, accept bool, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("respond", g.ID, actorID, eventKey)
		if eventid.Seen(g.ProcessedEventIDs, eid) {
			res.Game, res.AlreadyProcessed = g, true
			return nil
		}
		if !g.IsPlayer(actorID) {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotAPlayer, "not a participant")
		}
		if g.Status != game.PhasePending {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "challenge already answered")
		}
		if actorID != g.Player2ID {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotYourTurn, "only the challenged player responds")
		}

		now := s.now()
		if accept {
			g.Status = game.PhaseActive
			g.TurnPhase = game.SubSetTrick
			g.CurrentTurn = g.OffensivePlayerID
			d := now.Add(s.cfg.TurnDeadline)
			g.DeadlineAt = &d
		} else {
			g.Status = game.PhaseDeclined
			g.TurnPhase = game.SubNone
			g.CurrentTurn = ""
			g.DeadlineAt = nil
			g.CompletedAt = &now
		}
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)
		res.Game = g
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	if accept {
		s.notify(ctx, res.Game.CurrentTurn, NotifyYourTurn, map[string]any{"game_id": gameID})
		s.broadcast(ctx, gameID, "game:started", res.Game)
		s.scheduleExpiry(ctx, res.Game)
	}
	s.emit(ctx, "challenge_answered", map[string]any{"game_id": gameID, "accepted": accept})
	return res, nil
}
