package duel

import (
	"context"
	"errors"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// FileDispute opens the setter's single-use appeal of a BAIL call. Only the
// turn's own player may dispute, only once per game, and only while the game
// is still active.
func (s *Service) FileDispute(ctx context.Context, gameID, actorID string, turnID int64, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("file_dispute", g.ID, actorID, eventKey)
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
		if g.DisputeUsed(actorID) {
			return fault.Reject(fault.KindConflict, fault.ReasonDisputeQuota, "dispute already used this game")
		}

		turn, err := tx.TurnByID(turnID)
		if errors.Is(err, store.ErrNotFound) {
			return fault.Reject(fault.KindNotFound, fault.ReasonTurnNotFound, "turn %d not in this game", turnID)
		}
		if err != nil {
			return err
		}
		if turn.Result != game.JudgmentMissed {
			return fault.Reject(fault.KindValidation, fault.ReasonWrongJudgment, "only BAIL judgments can be disputed")
		}
		if turn.PlayerID != actorID {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotSetter, "only the judged setter can dispute")
		}

		d := &store.Dispute{
			GameID:          g.ID,
			TurnID:          turnID,
			DisputedBy:      actorID,
			AgainstPlayerID: turn.JudgedBy,
			OriginalResult:  turn.Result,
		}
		if err := tx.InsertDispute(d); err != nil {
			return err
		}

		g.MarkDisputeUsed(actorID)
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)
		res.Game, res.Dispute = g, d
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.Metrics.DisputeEvent("filed")
	s.notify(ctx, res.Dispute.AgainstPlayerID, NotifyDisputeFiled, map[string]any{
		"game_id":    gameID,
		"dispute_id": res.Dispute.ID,
	})
	s.broadcast(ctx, gameID, "dispute:filed", res.Dispute)
	s.emit(ctx, "dispute_filed", map[string]any{"game_id": gameID})
	return res, nil
}

// ResolveDispute records the respondent's final call. Upholding the dispute
// (finalResult landed) strips the letter the overturned BAIL accreted onto
// the round's defender, swaps roles the way a LAND would, and penalizes the
// respondent; denying it penalizes the disputer and leaves the game state
// untouched. The penalty counter commits in the same transaction.
func (s *Service) ResolveDispute(ctx context.Context, disputeID int64, actorID string, finalResult game.Judgment, eventKey string) (*Result, error) {
	if finalResult != game.JudgmentLanded && finalResult != game.JudgmentMissed {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation, "final result must be landed or missed")
	}
	gameID, err := s.db.GameIDForDispute(ctx, disputeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Reject(fault.KindNotFound, fault.ReasonDisputeNotFound, "dispute %d not found", disputeID)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{}
	err = s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("resolve_dispute", g.ID, actorID, eventKey)
		if eventid.Seen(g.ProcessedEventIDs, eid) {
			res.Game, res.AlreadyProcessed = g, true
			return nil
		}

		d, err := tx.DisputeByID(disputeID)
		if errors.Is(err, store.ErrNotFound) {
			return fault.Reject(fault.KindNotFound, fault.ReasonDisputeNotFound, "dispute %d not in this game", disputeID)
		}
		if err != nil {
			return err
		}
		if d.Resolved() {
			return fault.Reject(fault.KindConflict, fault.ReasonAlreadyResolved, "dispute already resolved %s", d.FinalResult)
		}
		if actorID != d.AgainstPlayerID {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotRespondent, "only the judging player resolves")
		}
		if g.Status != game.PhaseActive {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "game is %s", g.Status)
		}

		now := s.now()
		if finalResult == game.JudgmentLanded {
			// Overturned. Undo the bad BAIL: the round's defender (the
			// respondent, who judged) loses the accreted letter, roles swap
			// as a LAND would, and the respondent sets next.
			g.SetLetters(d.AgainstPlayerID, game.StripLetter(g.Letters(d.AgainstPlayerID)))
			g.OffensivePlayerID = d.AgainstPlayerID
			g.DefensivePlayerID = d.DisputedBy
			g.TurnPhase = game.SubSetTrick
			g.CurrentTurn = d.AgainstPlayerID
			dl := now.Add(s.cfg.TurnDeadline)
			g.DeadlineAt = &dl
			g.WarningSentAt = nil

			if err := tx.SetTurnJudgment(d.TurnID, string(game.JudgmentLanded), actorID, now); err != nil {
				return err
			}
			if err := tx.AddDisputePenalty(d.AgainstPlayerID); err != nil {
				return err
			}
			d.PenaltyAppliedTo = d.AgainstPlayerID
		} else {
			if err := tx.AddDisputePenalty(d.DisputedBy); err != nil {
				return err
			}
			d.PenaltyAppliedTo = d.DisputedBy
		}

		d.FinalResult = finalResult
		d.ResolvedBy = actorID
		d.ResolvedAt = &now
		if err := tx.ResolveDispute(d); err != nil {
			return err
		}

		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)
		res.Game, res.Dispute = g, d
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	if finalResult == game.JudgmentLanded {
		s.Metrics.DisputeEvent("upheld")
	} else {
		s.Metrics.DisputeEvent("denied")
	}
	s.notify(ctx, res.Dispute.DisputedBy, NotifyDisputeResolved, map[string]any{
		"game_id":      gameID,
		"dispute_id":   disputeID,
		"final_result": string(finalResult),
	})
	s.broadcast(ctx, gameID, "dispute:resolved", res.Dispute)
	s.penalize(ctx, res.Dispute.PenaltyAppliedTo, gameID, 10, "dispute_penalty")
	s.scheduleExpiry(ctx, res.Game)
	s.emit(ctx, "dispute_resolved", map[string]any{
		"game_id": gameID, "upheld": finalResult == game.JudgmentLanded,
	})
	return res, nil
}
