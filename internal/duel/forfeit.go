package duel

import (
	"context"
	"time"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// terminate moves an active game to forfeited with winnerID as the winner.
func terminate(g *store.Game, winnerID string, now time.Time) {
	g.Status = game.PhaseForfeited
	g.WinnerID = winnerID
	g.CompletedAt = &now
	g.CurrentTurn = ""
	g.TurnPhase = game.SubNone
	g.DeadlineAt = nil
}

// Forfeit is a voluntary concession by an active participant. The opponent
// wins immediately.
func (s *Service) Forfeit(ctx context.Context, gameID, actorID, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("forfeit", g.ID, actorID, eventKey)
		if eventid.Seen(g.ProcessedEventIDs, eid) {
			res.Game, res.AlreadyProcessed = g, true
			return nil
		}
		if !g.IsPlayer(actorID) {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotAPlayer, "not a participant")
		}
		if g.Status != game.PhaseActive {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "game is %s", g.Status)
		}

		terminate(g, g.Opponent(actorID), s.now())
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)
		res.Game, res.GameOver, res.WinnerID = g, true, g.WinnerID
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.Metrics.GameFinished("forfeit")
	s.notify(ctx, res.WinnerID, NotifyOpponentForfeited, map[string]any{"game_id": gameID})
	s.broadcast(ctx, gameID, "game:ended", res.Game)
	s.emit(ctx, "game_forfeited", map[string]any{"game_id": gameID, "voluntary": true})
	return res, nil
}

// ExpireDeadline forfeits an active game whose turn deadline has passed. The
// player who failed to act loses. The event ID is derived from the deadline
// itself, so two reconciler ticks racing over the same expiry collapse onto
// one transition. A game that no longer qualifies (acted in the meantime,
// already terminal) is reported as AlreadyProcessed with nothing written.
func (s *Service) ExpireDeadline(ctx context.Context, gameID string) (*Result, error) {
	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		res.Game = g
		if g.Status != game.PhaseActive || g.DeadlineAt == nil || !s.now().After(*g.DeadlineAt) {
			res.AlreadyProcessed = true
			return nil
		}
		eid := eventid.ForDeadline("turn_timeout", g.ID, *g.DeadlineAt)
		if eventid.Seen(g.ProcessedEventIDs, eid) {
			res.AlreadyProcessed = true
			return nil
		}

		loser := g.CurrentTurn
		terminate(g, g.Opponent(loser), s.now())
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)
		res.GameOver, res.WinnerID = true, g.WinnerID
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.Metrics.GameFinished("timeout")
	data := map[string]any{"game_id": gameID, "winner_id": res.WinnerID}
	s.notify(ctx, res.Game.Player1ID, NotifyTimeoutForfeit, data)
	s.notify(ctx, res.Game.Player2ID, NotifyTimeoutForfeit, data)
	s.broadcast(ctx, gameID, "game:ended", res.Game)
	s.penalize(ctx, res.Game.Opponent(res.WinnerID), gameID, 5, "turn_timeout")
	s.emit(ctx, "game_forfeited", map[string]any{"game_id": gameID, "voluntary": false})
	s.log.Info("deadline forfeit", "game", gameID, "winner", res.WinnerID)
	return res, nil
}

// ExpireStalled forfeits an active game older than the hard cap. The player
// closest to losing (most letters, ties to whoever is on turn) takes the
// loss.
func (s *Service) ExpireStalled(ctx context.Context, gameID string) (*Result, error) {
	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		res.Game = g
		if g.Status != game.PhaseActive || s.now().Sub(g.CreatedAt) < s.cfg.GameHardCap {
			res.AlreadyProcessed = true
			return nil
		}
		eid := eventid.ForDeadline("hard_cap", g.ID, g.CreatedAt)
		if eventid.Seen(g.ProcessedEventIDs, eid) {
			res.AlreadyProcessed = true
			return nil
		}

		loser := game.ClosestToLosing(g.DuelState(), g.CurrentTurn)
		terminate(g, g.Opponent(loser), s.now())
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)
		res.GameOver, res.WinnerID = true, g.WinnerID
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.Metrics.GameFinished("hard_cap")
	data := map[string]any{"game_id": gameID, "winner_id": res.WinnerID}
	s.notify(ctx, res.Game.Player1ID, NotifyTimeoutForfeit, data)
	s.notify(ctx, res.Game.Player2ID, NotifyTimeoutForfeit, data)
	s.broadcast(ctx, gameID, "game:ended", res.Game)
	s.penalize(ctx, res.Game.Opponent(res.WinnerID), gameID, 5, "stalled_game")
	s.emit(ctx, "game_forfeited", map[string]any{"game_id": gameID, "hard_cap": true})
	s.log.Info("hard cap forfeit", "game", gameID, "winner", res.WinnerID)
	return res, nil
}

// WarnDeadline nudges the player on turn that their deadline is close. The
// warning timestamp on the row is the authoritative cooldown; the reconciler
// keeps a cheaper shared-cache filter in front of this.
func (s *Service) WarnDeadline(ctx context.Context, gameID string) (*Result, error) {
	res := &Result{}
	var remaining time.Duration
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		res.Game = g
		now := s.now()
		if g.Status != game.PhaseActive || g.DeadlineAt == nil || now.After(*g.DeadlineAt) {
			res.AlreadyProcessed = true
			return nil
		}
		if g.WarningSentAt != nil && now.Sub(*g.WarningSentAt) < s.cfg.WarningCooldown {
			res.AlreadyProcessed = true
			return nil
		}
		remaining = g.DeadlineAt.Sub(now)
		g.WarningSentAt = &now
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.notify(ctx, res.Game.CurrentTurn, NotifyDeadlineWarning, map[string]any{
		"game_id":           gameID,
		"minutes_remaining": int(remaining.Minutes()),
	})
	return res, nil
}
