package live

import (
	"context"
	"time"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// complete ends the session with winnerID as the winner.
func complete(sess *store.LiveSession, winnerID string) {
	sess.Status = game.PhaseCompleted
	sess.WinnerID = winnerID
	sess.CurrentAction = ""
	sess.CurrentTrick = ""
	sess.TurnDeadlineAt = nil
	sess.PausedAt = nil
}

// startRound hands the set to the next active player after afterIdx.
func (s *Service) startRound(sess *store.LiveSession, afterIdx int, now time.Time) error {
	next, err := game.NextActive(sess.LivePlayers(), afterIdx)
	if err != nil {
		return err
	}
	sess.CurrentTurnIndex = next
	sess.SetterID = sess.Players[next].PlayerID
	sess.CurrentAction = game.ActionSetTrick
	sess.CurrentTrick = ""
	d := now.Add(s.cfg.TurnDeadline)
	sess.TurnDeadlineAt = &d
	return nil
}

// nextAttempt moves the attempt cursor forward from fromIdx, closing the
// round or ending the game as the rules dictate.
func (s *Service) nextAttempt(sess *store.LiveSession, fromIdx int, now time.Time) error {
	players := sess.LivePlayers()
	setterIdx := sess.SlotIndex(sess.SetterID)
	if setterIdx < 0 || players[setterIdx].Out() {
		// The setter dropped mid-round; abandon the round.
		if w, over := game.LiveWinner(players); over {
			complete(sess, w)
			return nil
		}
		return s.startRound(sess, fromIdx, now)
	}

	adv, err := game.AdvanceLive(players, setterIdx, fromIdx)
	if err != nil {
		return err
	}
	if adv.GameOver {
		complete(sess, adv.WinnerID)
		return nil
	}
	sess.CurrentTurnIndex = adv.TurnIndex
	sess.SetterID = sess.Players[adv.SetterIndex].PlayerID
	sess.CurrentAction = adv.Action
	if adv.RoundClosed {
		sess.CurrentTrick = ""
	}
	d := now.Add(s.cfg.TurnDeadline)
	sess.TurnDeadlineAt = &d
	return nil
}

// requireOnTurn validates the shared preconditions of a play action.
func requireOnTurn(sess *store.LiveSession, actorID string) (int, error) {
	if sess.Status == game.PhasePaused {
		return 0, fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "session is paused")
	}
	if sess.Status != game.PhaseActive {
		return 0, fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "session is %s", sess.Status)
	}
	idx := sess.SlotIndex(actorID)
	if idx < 0 {
		return 0, fault.Reject(fault.KindForbidden, fault.ReasonNotAPlayer, "not in this session")
	}
	if idx != sess.CurrentTurnIndex {
		return 0, fault.Reject(fault.KindForbidden, fault.ReasonNotYourTurn, "not your turn")
	}
	return idx, nil
}

// SubmitTrick is the on-turn action: in set_trick it declares the trick for
// the round, in attempt it records a landed attempt. Either way the cursor
// advances.
func (s *Service) SubmitTrick(ctx context.Context, sessionID, actorID, trick, eventKey string) (*Result, error) {
	res := &Result{}
	took := time.Duration(-1)
	played := ""
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		eid := eventid.New("trick", sess.ID, actorID, eventKey)
		if eventid.Seen(sess.ProcessedEventIDs, eid) {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}
		idx, err := requireOnTurn(sess, actorID)
		if err != nil {
			return err
		}
		now := s.now()
		if sess.TurnDeadlineAt != nil {
			if now.After(*sess.TurnDeadlineAt) {
				return fault.Reject(fault.KindConflict, fault.ReasonDeadlinePassed, "turn timer expired")
			}
			took = s.cfg.TurnDeadline - sess.TurnDeadlineAt.Sub(now)
		}

		if sess.CurrentAction == game.ActionSetTrick {
			t, err := s.validTrick(trick)
			if err != nil {
				return err
			}
			sess.CurrentTrick = t
		}
		played = sess.CurrentTrick
		if err := s.nextAttempt(sess, idx, now); err != nil {
			return err
		}

		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.Session = sess
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

	if took >= 0 {
		s.Metrics.LiveTurnObserved(took)
	}
	s.broadcast(ctx, sessionID, "game:trick", map[string]any{
		"game_id": sessionID, "player_id": actorID, "trick": played,
	})
	if res.GameOver {
		s.broadcastEnded(ctx, res.Session)
	} else {
		s.broadcastTurn(ctx, res.Session)
		s.scheduleExpiry(ctx, res.Session)
	}
	return res, nil
}

// applyPass gives the on-turn player a letter and advances. Shared by the
// explicit pass action and the turn-timer sweep.
func (s *Service) applyPass(sess *store.LiveSession, idx int, now time.Time) error {
	sess.Players[idx].Letters = game.NextLetters(sess.Players[idx].Letters)

	if w, over := game.LiveWinner(sess.LivePlayers()); over {
		complete(sess, w)
		return nil
	}
	if sess.CurrentAction == game.ActionSetTrick {
		// The setter gave up the set; the next active player opens a fresh
		// round.
		return s.startRound(sess, idx, now)
	}
	return s.nextAttempt(sess, idx, now)
}

// Pass concedes the current turn: the player takes a letter and the cursor
// moves on. Five letters eliminates; the last player standing wins.
func (s *Service) Pass(ctx context.Context, sessionID, actorID, eventKey string) (*Result, error) {
	res := &Result{}
	took := time.Duration(-1)
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		eid := eventid.New("pass", sess.ID, actorID, eventKey)
		if eventid.Seen(sess.ProcessedEventIDs, eid) {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}
		idx, err := requireOnTurn(sess, actorID)
		if err != nil {
			return err
		}
		now := s.now()
		if sess.TurnDeadlineAt != nil {
			if now.After(*sess.TurnDeadlineAt) {
				return fault.Reject(fault.KindConflict, fault.ReasonDeadlinePassed, "turn timer expired")
			}
			took = s.cfg.TurnDeadline - sess.TurnDeadlineAt.Sub(now)
		}

		if err := s.applyPass(sess, idx, now); err != nil {
			return err
		}

		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.Session = sess
		res.LetterTo = actorID
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

	if took >= 0 {
		s.Metrics.LiveTurnObserved(took)
	}
	s.broadcast(ctx, sessionID, "game:letter", map[string]any{
		"game_id":   sessionID,
		"player_id": actorID,
		"letters":   res.Session.Players[res.Session.SlotIndex(actorID)].Letters,
	})
	if res.GameOver {
		s.broadcastEnded(ctx, res.Session)
	} else {
		s.broadcastTurn(ctx, res.Session)
		s.scheduleExpiry(ctx, res.Session)
	}
	return res, nil
}

// ForfeitPlayer drops a player out of a started session. If only one active
// player remains afterwards they win immediately.
func (s *Service) ForfeitPlayer(ctx context.Context, sessionID, actorID, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withSession(ctx, sessionID, func(tx store.LiveTx) error {
		sess := tx.Session()
		eid := eventid.New("forfeit", sess.ID, actorID, eventKey)
		if eventid.Seen(sess.ProcessedEventIDs, eid) {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}
		if sess.Status != game.PhaseActive && sess.Status != game.PhasePaused {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "session is %s", sess.Status)
		}
		idx := sess.SlotIndex(actorID)
		if idx < 0 {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotAPlayer, "not in this session")
		}
		if sess.Players[idx].Forfeited {
			res.Session, res.AlreadyProcessed = sess, true
			return nil
		}

		now := s.now()
		if err := s.forfeitSlot(sess, idx, now); err != nil {
			return err
		}

		sess.ProcessedEventIDs = eventid.Append(sess.ProcessedEventIDs, eid)
		res.Session = sess
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

	s.broadcast(ctx, sessionID, "player:forfeited", map[string]any{"player_id": actorID})
	if res.GameOver {
		s.broadcastEnded(ctx, res.Session)
	} else {
		s.broadcastTurn(ctx, res.Session)
		s.scheduleExpiry(ctx, res.Session)
	}
	return res, nil
}

// forfeitSlot marks the slot out and repairs the cursor.
func (s *Service) forfeitSlot(sess *store.LiveSession, idx int, now time.Time) error {
	sess.Players[idx].Forfeited = true

	if w, over := game.LiveWinner(sess.LivePlayers()); over {
		complete(sess, w)
		return nil
	}

	wasSetter := sess.Players[idx].PlayerID == sess.SetterID
	onTurn := idx == sess.CurrentTurnIndex
	switch {
	case wasSetter:
		// The setter is gone: the round is void, a fresh setter opens.
		return s.startRound(sess, idx, now)
	case onTurn:
		return s.nextAttempt(sess, idx, now)
	default:
		return nil
	}
}
