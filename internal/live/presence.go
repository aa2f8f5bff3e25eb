package live

import (
	"context"
	"time"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// Disconnect records a dropped socket. An active session pauses so the
// player gets the reconnect window before the sweep forfeits them.
func (s *Service) Disconnect(ctx context.Context, sessionID, playerID string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		idx := sess.SlotIndex(playerID)
		if idx < 0 || !sess.Players[idx].Connected {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}

		now := s.now()
		sess.Players[idx].Connected = false
		sess.Players[idx].DisconnectedAt = &now

		if sess.Status == game.PhaseActive && !sess.Players[idx].Forfeited &&
			!game.Eliminated(sess.Players[idx].Letters) {
			sess.Status = game.PhasePaused
			sess.PausedAt = &now
			res.Paused = true
		}
		res.Session = sess
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.broadcast(ctx, sessionID, "player:disconnected", map[string]any{"player_id": playerID})
	if res.Paused {
		s.broadcast(ctx, sessionID, "game:paused", map[string]any{
			"game_id":             sessionID,
			"disconnected_player": playerID,
			"reconnect_timeout":   int(s.cfg.ReconnectWindow.Seconds()),
		})
	}
	return res, nil
}

// Reconnect marks the player back online. When every player still in the
// game is connected again the session resumes with a fresh turn timer.
func (s *Service) Reconnect(ctx context.Context, sessionID, playerID string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		idx := sess.SlotIndex(playerID)
		if idx < 0 {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}

		sess.Players[idx].Connected = true
		sess.Players[idx].DisconnectedAt = nil

		if sess.Status == game.PhasePaused && allInConnected(sess) {
			sess.Status = game.PhaseActive
			sess.PausedAt = nil
			d := s.now().Add(s.cfg.TurnDeadline)
			sess.TurnDeadlineAt = &d
			res.Resumed = true
		}
		res.Session = sess
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.broadcast(ctx, sessionID, "player:reconnected", map[string]any{"player_id": playerID})
	if res.Resumed {
		s.broadcast(ctx, sessionID, "game:resumed", res.Session)
		s.broadcastTurn(ctx, res.Session)
		s.scheduleExpiry(ctx, res.Session)
	}
	return res, nil
}

// allInConnected reports whether every player still taking turns has a live
// socket.
func allInConnected(sess *store.LiveSession) bool {
	for _, p := range sess.Players {
		if p.Forfeited || game.Eliminated(p.Letters) {
			continue
		}
		if !p.Connected {
			return false
		}
	}
	return true
}

// ExpireTurn applies a system pass when the on-turn player let the timer run
// out. The event ID derives from the expired deadline so racing sweeps
// collapse.
func (s *Service) ExpireTurn(ctx context.Context, sessionID string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		res.Session = sess
		if sess.Status != game.PhaseActive || sess.TurnDeadlineAt == nil ||
			!s.now().After(*sess.TurnDeadlineAt) {
			res.AlreadyProcessed = true
			return nil
		}
		eid := eventid.ForDeadline("live_turn_timeout", sess.ID, *sess.TurnDeadlineAt)
		if eventid.Seen(sess.ProcessedEventIDs, eid) {
			res.AlreadyProcessed = true
			return nil
		}

		idx := sess.CurrentTurnIndex
		res.LetterTo = sess.Players[idx].PlayerID
		if err := s.applyPass(sess, idx, s.now()); err != nil {
			return err
		}

		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.GameOver = sess.Status == game.PhaseCompleted
		res.WinnerID = sess.WinnerID
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.broadcast(ctx, sessionID, "game:letter", map[string]any{
		"game_id": sessionID, "player_id": res.LetterTo, "timeout": true,
	})
	if res.GameOver {
		s.broadcastEnded(ctx, res.Session)
	} else {
		s.broadcastTurn(ctx, res.Session)
		s.scheduleExpiry(ctx, res.Session)
	}
	return res, nil
}

// SweepPaused forfeits players whose disconnect outlived the reconnect
// window, then resumes or completes the session. Each forfeit's event ID
// derives from the disconnect timestamp.
func (s *Service) SweepPaused(ctx context.Context, sessionID string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		res.Session = sess
		if sess.Status != game.PhasePaused {
			res.AlreadyProcessed = true
			return nil
		}

		now := s.now()
		changed := false
		for i := range sess.Players {
			p := &sess.Players[i]
			if p.Connected || p.Forfeited || game.Eliminated(p.Letters) {
				continue
			}
			if p.DisconnectedAt == nil || now.Sub(*p.DisconnectedAt) < s.cfg.ReconnectWindow {
				continue
			}
			eid := eventid.New("disconnect_forfeit", sess.ID, p.PlayerID,
				p.DisconnectedAt.UTC().Format(time.RFC3339Nano))
			if eventid.Seen(sess.ProcessedEventIDs, eid) {
				continue
			}
			if err := s.forfeitSlot(sess, i, now); err != nil {
				return err
			}
			sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
			changed = true
			if sess.Status == game.PhaseCompleted {
				break
			}
		}
		if !changed {
			res.AlreadyProcessed = true
			return nil
		}

		if sess.Status == game.PhasePaused && allInConnected(sess) {
			sess.Status = game.PhaseActive
			sess.PausedAt = nil
			d := now.Add(s.cfg.TurnDeadline)
			sess.TurnDeadlineAt = &d
			res.Resumed = true
		}
		res.GameOver = sess.Status == game.PhaseCompleted
		res.WinnerID = sess.WinnerID
		return tx.SaveSession(sess)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	if res.GameOver {
		s.broadcastEnded(ctx, res.Session)
	} else if res.Resumed {
		s.broadcast(ctx, sessionID, "game:resumed", res.Session)
		s.broadcastTurn(ctx, res.Session)
		s.scheduleExpiry(ctx, res.Session)
	}
	return res, nil
}
