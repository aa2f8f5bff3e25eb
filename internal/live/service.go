// Package live implements the synchronous multi-player variant: short-lived
// sessions at a spot where up to eight players rotate through set-and-attempt
// rounds over websockets. State still commits through the store's
// transactional gateway; the socket layer only relays intents and fan-out.
package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/metrics"
	"github.com/skateduel/backend/internal/store"
)

// DB is the persistence surface for live sessions. *store.Postgres satisfies
// it.
type DB interface {
	CreateSession(ctx context.Context, s *store.LiveSession) error
	WithSession(ctx context.Context, sessionID string, fn func(tx store.LiveTx) error) error
	GetSession(ctx context.Context, sessionID string) (*store.LiveSession, error)
}

// Directory resolves display names for session slots.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Broadcaster pushes a realtime event to everyone in the session room.
type Broadcaster interface {
	BroadcastSession(ctx context.Context, sessionID, event string, payload any)
}

// Deadlines schedules an exact-time callback for a turn timer. The reconciler
// remains the catch-all when scheduling fails.
type Deadlines interface {
	ScheduleSessionExpiry(ctx context.Context, sessionID string, deadline time.Time) error
}

// Config holds the live-variant knobs. Zero values fall back to defaults.
type Config struct {
	MaxPlayers          int
	TurnDeadline        time.Duration
	ReconnectWindow     time.Duration
	MaxTrickDescription int
}

func (c Config) withDefaults() Config {
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = 8
	}
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = time.Minute
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = 2 * time.Minute
	}
	if c.MaxTrickDescription <= 0 {
		c.MaxTrickDescription = 200
	}
	return c
}

// Service orchestrates live sessions.
type Service struct {
	db  DB
	dir Directory
	cfg Config
	log *slog.Logger
	now func() time.Time

	// Optional post-commit sinks. Nil sinks are skipped.
	Rooms     Broadcaster
	Deadlines Deadlines
	Metrics   *metrics.Metrics
}

// NewService wires the live engine.
func NewService(db DB, dir Directory, cfg Config) *Service {
	return &Service{
		db:  db,
		dir: dir,
		cfg: cfg.withDefaults(),
		log: slog.Default().With("component", "live"),
		now: time.Now,
	}
}

// Result is the outcome of a live mutation. AlreadyProcessed means no state
// changed; callers skip fan-out.
type Result struct {
	Session          *store.LiveSession
	AlreadyProcessed bool
	GameOver         bool
	WinnerID         string
	LetterTo         string
	Paused           bool
	Resumed          bool
}

func (s *Service) withSession(ctx context.Context, sessionID string, fn func(tx store.LiveTx) error) error {
	err := s.db.WithSession(ctx, sessionID, fn)
	if errors.Is(err, store.ErrNotFound) {
		return fault.Reject(fault.KindNotFound, fault.ReasonSessionNotFound, "session %s not found", sessionID)
	}
	return err
}

func (s *Service) broadcast(ctx context.Context, sessionID, event string, payload any) {
	if s.Rooms == nil {
		return
	}
	s.Rooms.BroadcastSession(ctx, sessionID, event, payload)
}

// broadcastTurn announces whose turn it is now and how long they have.
func (s *Service) broadcastTurn(ctx context.Context, sess *store.LiveSession) {
	if sess.CurrentTurnIndex < 0 || sess.CurrentTurnIndex >= len(sess.Players) {
		return
	}
	s.broadcast(ctx, sess.ID, "game:turn", map[string]any{
		"game_id":        sess.ID,
		"current_player": sess.Players[sess.CurrentTurnIndex].PlayerID,
		"action":         sess.CurrentAction,
		"time_limit":     int(s.cfg.TurnDeadline.Seconds()),
	})
}

// broadcastEnded announces the terminal state with the final standings.
func (s *Service) broadcastEnded(ctx context.Context, sess *store.LiveSession) {
	s.Metrics.LiveSessionPhase("completed")
	s.broadcast(ctx, sess.ID, "game:ended", map[string]any{
		"game_id":         sess.ID,
		"winner_id":       sess.WinnerID,
		"final_standings": sess.Players,
	})
}

func (s *Service) scheduleExpiry(ctx context.Context, sess *store.LiveSession) {
	if s.Deadlines == nil || sess == nil || sess.TurnDeadlineAt == nil {
		return
	}
	if err := s.Deadlines.ScheduleSessionExpiry(ctx, sess.ID, *sess.TurnDeadlineAt); err != nil {
		s.log.Warn("turn timer schedule failed", "session", sess.ID, "error", err)
	}
}

// Create opens a pending session at a spot. The creator occupies slot zero.
func (s *Service) Create(ctx context.Context, creatorID, spotID string, maxPlayers int) (*store.LiveSession, error) {
	if creatorID == "" {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation, "creator is required")
	}
	if maxPlayers == 0 {
		maxPlayers = s.cfg.MaxPlayers
	}
	if maxPlayers < 2 || maxPlayers > s.cfg.MaxPlayers {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation,
			"max players must be 2..%d", s.cfg.MaxPlayers)
	}

	name, err := s.dir.DisplayName(ctx, creatorID)
	if err != nil {
		s.log.Warn("creator name lookup failed", "player", creatorID, "error", err)
		name = ""
	}

	sess := &store.LiveSession{
		ID:        uuid.NewString(),
		SpotID:    spotID,
		CreatorID: creatorID,
		Players: []store.LiveSlot{
			{PlayerID: creatorID, PlayerName: name, Connected: true},
		},
		MaxPlayers: maxPlayers,
		Status:     game.PhasePending,
	}
	if err := s.db.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.Metrics.LiveSessionPhase("created")
	s.log.Info("live session created", "session", sess.ID, "spot", spotID, "creator", creatorID)
	return sess, nil
}

// Join adds a player to a pending session. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, sessionID, playerID, eventKey string) (*Result, error) {
	name, err := s.dir.DisplayName(ctx, playerID)
	if err != nil {
		name = ""
	}

	res := &Result{}
	err = s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		eid := eventid.New("join", sess.ID, playerID, eventKey)
		if eventid.Seen(sess.ProcessedEventIDs, eid) || sess.SlotIndex(playerID) >= 0 {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}
		if sess.Status != game.PhasePending {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "session already started")
		}
		if len(sess.Players) >= sess.MaxPlayers {
			return fault.Reject(fault.KindConflict, fault.ReasonRoomFull,
				"session is full (%d players)", sess.MaxPlayers)
		}

		sess.Players = append(sess.Players, store.LiveSlot{
			PlayerID: playerID, PlayerName: name, Connected: true,
		})
		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.Session = sess
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.broadcast(ctx, sessionID, "player:joined", map[string]any{
		"player_id": playerID, "player_name": name,
	})
	return res, nil
}

// Leave removes a player from a pending session. The creator leaving cancels
// the whole session. Leaving a started session is a forfeit, not a leave.
func (s *Service) Leave(ctx context.Context, sessionID, playerID, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		eid := eventid.New("leave", sess.ID, playerID, eventKey)
		if eventid.Seen(sess.ProcessedEventIDs, eid) || (sess.SlotIndex(playerID) < 0 && sess.Status == game.PhasePending) {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}
		if sess.Status != game.PhasePending {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "forfeit instead of leaving a started session")
		}

		if playerID == sess.CreatorID {
			sess.Status = game.PhaseDeclined
			sess.TurnDeadlineAt = nil
		} else {
			idx := sess.SlotIndex(playerID)
			sess.Players = append(sess.Players[:idx], sess.Players[idx+1:]...)
		}
		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.Session = sess
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	if res.Session.Status == game.PhaseDeclined {
		s.broadcast(ctx, sessionID, "game:cancelled", nil)
	} else {
		s.broadcast(ctx, sessionID, "player:left", map[string]any{"player_id": playerID})
	}
	return res, nil
}

// Start activates a pending session. Only the creator starts, and only with
// at least two players. Slot zero sets first.
func (s *Service) Start(ctx context.Context, sessionID, actorID, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		eid := eventid.New("start", sess.ID, actorID, eventKey)
		if eventid.Seen(sess.ProcessedEventIDs, eid) {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}
		if sess.Status != game.PhasePending {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "session is %s", sess.Status)
		}
		if actorID != sess.CreatorID {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotCreator, "only the creator starts the session")
		}
		if len(sess.Players) < 2 {
			return fault.Reject(fault.KindConflict, fault.ReasonNotEnoughPlayers, "need at least 2 players")
		}

		sess.Status = game.PhaseActive
		sess.CurrentTurnIndex = 0
		sess.SetterID = sess.Players[0].PlayerID
		sess.CurrentAction = game.ActionSetTrick
		sess.CurrentTrick = ""
		d := s.now().Add(s.cfg.TurnDeadline)
		sess.TurnDeadlineAt = &d
		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.Session = sess
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.Metrics.LiveSessionPhase("started")
	s.broadcast(ctx, sessionID, "game:started", res.Session)
	s.broadcastTurn(ctx, res.Session)
	s.scheduleExpiry(ctx, res.Session)
	return res, nil
}

// Get reads a session without locking.
func (s *Service) Get(ctx context.Context, sessionID string) (*store.LiveSession, error) {
	sess, err := s.db.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Reject(fault.KindNotFound, fault.ReasonSessionNotFound, "session %s not found", sessionID)
	}
	return sess, err
}

func (s *Service) validTrick(trick string) (string, error) {
	trick = strings.TrimSpace(trick)
	if trick == "" || len(trick) > s.cfg.MaxTrickDescription {
		return "", fault.Reject(fault.KindValidation, fault.ReasonValidation,
			"trick must be 1..%d characters", s.cfg.MaxTrickDescription)
	}
	return trick, nil
}
