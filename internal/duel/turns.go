package duel

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/skateduel/backend/internal/eventid"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// TurnInput is a submitted clip. The same shape serves set tricks and
// response attempts; the round sub-phase decides which one it becomes.
type TurnInput struct {
	TrickDescription string
	VideoURL         string
	VideoDurationMs  int
	ThumbnailURL     string
}

func (s *Service) validateClip(in TurnInput) error {
	desc := strings.TrimSpace(in.TrickDescription)
	if desc == "" || len(desc) > s.cfg.MaxTrickDescription {
		return fault.Reject(fault.KindValidation, fault.ReasonValidation,
			"trick description must be 1..%d characters", s.cfg.MaxTrickDescription)
	}
	if in.VideoDurationMs <= 0 {
		return fault.Reject(fault.KindValidation, fault.ReasonValidation, "video duration is required")
	}
	if in.VideoDurationMs > s.cfg.MaxVideoDurationMs {
		return fault.Reject(fault.KindValidation, fault.ReasonVideoTooLong,
			"video exceeds %dms", s.cfg.MaxVideoDurationMs)
	}
	if err := s.checkVideoHost(in.VideoURL); err != nil {
		return err
	}
	if in.ThumbnailURL != "" {
		if err := s.checkVideoHost(in.ThumbnailURL); err != nil {
			return err
		}
	}
	return nil
}

// checkVideoHost accepts only https URLs on the configured storage domains.
// An empty allowlist disables the host check (dev mode).
func (s *Service) checkVideoHost(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fault.Reject(fault.KindValidation, fault.ReasonValidation, "video URL must be https")
	}
	if len(s.cfg.TrustedVideoHosts) == 0 {
		return nil
	}
	for _, h := range s.cfg.TrustedVideoHosts {
		if u.Host == h || strings.HasSuffix(u.Host, "."+h) {
			return nil
		}
	}
	return fault.Reject(fault.KindValidation, fault.ReasonValidation, "video host %s is not allowed", u.Host)
}

// SubmitTurn records a clip for the current round. In set_trick only the
// offensive player may submit (a set turn); in respond_trick only the
// defensive player may (a response turn). Each submission resets the turn
// deadline.
func (s *Service) SubmitTurn(ctx context.Context, gameID, actorID string, in TurnInput, eventKey string) (*Result, error) {
	if err := s.validateClip(in); err != nil {
		return nil, err
	}

	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("submit_turn", g.ID, actorID, eventKey)
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
		now := s.now()
		if g.DeadlineAt != nil && now.After(*g.DeadlineAt) {
			return fault.Reject(fault.KindConflict, fault.ReasonDeadlinePassed, "turn deadline has passed")
		}

		var turnType game.TurnType
		switch g.TurnPhase {
		case game.SubSetTrick:
			if actorID != g.OffensivePlayerID {
				return fault.Reject(fault.KindForbidden, fault.ReasonNotYourTurn, "waiting for the setter")
			}
			turnType = game.TurnSet
		case game.SubRespondTrick:
			if actorID != g.DefensivePlayerID {
				return fault.Reject(fault.KindForbidden, fault.ReasonNotYourTurn, "waiting for the defender")
			}
			turnType = game.TurnResponse
		default:
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "a judgment is pending")
		}

		turn := &store.Turn{
			GameID:           g.ID,
			PlayerID:         actorID,
			PlayerName:       g.Name(actorID),
			TurnType:         turnType,
			TrickDescription: strings.TrimSpace(in.TrickDescription),
			VideoURL:         in.VideoURL,
			VideoDurationMs:  in.VideoDurationMs,
			ThumbnailURL:     in.ThumbnailURL,
			Result:           game.JudgmentPending,
		}
		if err := tx.InsertTurn(turn); err != nil {
			return err
		}

		if turnType == game.TurnSet {
			g.LastTrickDescription = turn.TrickDescription
			g.LastTrickBy = actorID
			g.TurnPhase = game.SubRespondTrick
			g.CurrentTurn = g.DefensivePlayerID
		} else {
			// The defender attempted; the same player now judges the set.
			g.TurnPhase = game.SubJudge
			g.CurrentTurn = g.DefensivePlayerID
		}
		d := now.Add(s.cfg.TurnDeadline)
		g.DeadlineAt = &d
		g.WarningSentAt = nil
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)

		res.Game, res.Turn = g, turn
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	if res.Turn.TurnType == game.TurnSet {
		s.notify(ctx, res.Game.DefensivePlayerID, NotifyYourTurn, map[string]any{
			"game_id": gameID,
			"trick":   res.Turn.TrickDescription,
		})
	}
	s.Metrics.TurnSubmitted(string(res.Turn.TurnType))
	s.broadcast(ctx, gameID, "turn:submitted", res.Turn)
	s.scheduleExpiry(ctx, res.Game)
	s.emit(ctx, "turn_submitted", map[string]any{
		"game_id": gameID, "turn_type": string(res.Turn.TurnType),
	})
	return res, nil
}

// JudgeTurn records the defender's LAND/BAIL call on a set trick and applies
// the letter rules. A set turn can only be judged once, and only after the
// defender has submitted a response attempt.
func (s *Service) JudgeTurn(ctx context.Context, turnID int64, actorID string, result game.Judgment, eventKey string) (*Result, error) {
	if result != game.JudgmentLanded && result != game.JudgmentMissed {
		return nil, fault.Reject(fault.KindValidation, fault.ReasonValidation, "judgment must be landed or missed")
	}
	gameID, err := s.db.GameIDForTurn(ctx, turnID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Reject(fault.KindNotFound, fault.ReasonTurnNotFound, "turn %d not found", turnID)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{}
	err = s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("judge_turn", g.ID, actorID, eventKey)
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
		if g.TurnPhase != game.SubJudge {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "nothing awaiting judgment")
		}
		if actorID != g.DefensivePlayerID {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotYourTurn, "only the defender judges")
		}
		now := s.now()
		if g.DeadlineAt != nil && now.After(*g.DeadlineAt) {
			return fault.Reject(fault.KindConflict, fault.ReasonDeadlinePassed, "turn deadline has passed")
		}

		turn, err := tx.TurnByID(turnID)
		if errors.Is(err, store.ErrNotFound) {
			return fault.Reject(fault.KindNotFound, fault.ReasonTurnNotFound, "turn %d not in this game", turnID)
		}
		if err != nil {
			return err
		}
		if turn.TurnType != game.TurnSet {
			return fault.Reject(fault.KindValidation, fault.ReasonValidation, "only set tricks are judged")
		}
		if turn.Result != game.JudgmentPending {
			return fault.Reject(fault.KindConflict, fault.ReasonAlreadyJudged, "turn already judged %s", turn.Result)
		}
		responded, err := tx.HasResponseAfter(turn.TurnNumber)
		if err != nil {
			return err
		}
		if !responded {
			return fault.Reject(fault.KindConflict, fault.ReasonResponseRequired, "submit a response before judging")
		}

		outcome, err := game.ApplyJudgment(g.DuelState(), result)
		if err != nil {
			return fault.Reject(fault.KindValidation, fault.ReasonValidation, "%s", err)
		}
		if err := tx.SetTurnJudgment(turnID, string(result), actorID, now); err != nil {
			return err
		}

		g.ApplyDuelState(outcome.State)
		s.advance(g, outcome, now)
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)

		res.Game = g
		res.GameOver = outcome.GameOver
		res.WinnerID = outcome.WinnerID
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.Metrics.JudgmentRecorded(string(result))
	s.finishOrContinue(ctx, gameID, res)
	s.emit(ctx, "turn_judged", map[string]any{
		"game_id": gameID, "result": string(result), "game_over": res.GameOver,
	})
	return res, nil
}

// SetterBail lets the setter concede the current set attempt. The setter
// takes the letter and, unlike a judged BAIL, roles swap so the opponent
// sets next.
func (s *Service) SetterBail(ctx context.Context, gameID, actorID, eventKey string) (*Result, error) {
	res := &Result{}
	err := s.withGame(ctx, gameID, func(tx store.Tx) error {
		g := tx.Game()
		eid := eventid.New("setter_bail", g.ID, actorID, eventKey)
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
		if g.TurnPhase != game.SubSetTrick {
			return fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "no set attempt to bail")
		}
		if actorID != g.OffensivePlayerID {
			return fault.Reject(fault.KindForbidden, fault.ReasonNotYourTurn, "only the setter can bail a set")
		}
		now := s.now()
		if g.DeadlineAt != nil && now.After(*g.DeadlineAt) {
			return fault.Reject(fault.KindConflict, fault.ReasonDeadlinePassed, "turn deadline has passed")
		}

		outcome := game.ApplySetterBail(g.DuelState())
		g.ApplyDuelState(outcome.State)
		s.advance(g, outcome, now)
		g.ProcessedEventIDs = eventid.Append(g.ProcessedEventIDs, eid)

		res.Game = g
		res.GameOver = outcome.GameOver
		res.WinnerID = outcome.WinnerID
		return tx.SaveGame(g)
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyProcessed {
		return res, nil
	}

	s.finishOrContinue(ctx, gameID, res)
	s.emit(ctx, "setter_bail", map[string]any{"game_id": gameID, "game_over": res.GameOver})
	return res, nil
}

// advance writes a rule outcome's phase transition back onto the row.
func (s *Service) advance(g *store.Game, outcome game.Outcome, now time.Time) {
	if outcome.GameOver {
		g.Status = game.PhaseCompleted
		g.WinnerID = outcome.WinnerID
		g.CompletedAt = &now
		g.CurrentTurn = ""
		g.TurnPhase = game.SubNone
		g.DeadlineAt = nil
		return
	}
	g.TurnPhase = outcome.NextSub
	g.CurrentTurn = outcome.NextTurnID
	d := now.Add(s.cfg.TurnDeadline)
	g.DeadlineAt = &d
	g.WarningSentAt = nil
}

// finishOrContinue fires the post-commit fan-out shared by every operation
// that can end the game.
func (s *Service) finishOrContinue(ctx context.Context, gameID string, res *Result) {
	if res.GameOver {
		s.Metrics.GameFinished("elimination")
		data := map[string]any{"game_id": gameID, "winner_id": res.WinnerID}
		s.notify(ctx, res.Game.Player1ID, NotifyGameOver, data)
		s.notify(ctx, res.Game.Player2ID, NotifyGameOver, data)
		s.broadcast(ctx, gameID, "game:ended", res.Game)
		s.reward(ctx, res.WinnerID, 2)
		return
	}
	s.notify(ctx, res.Game.CurrentTurn, NotifyYourTurn, map[string]any{"game_id": gameID})
	s.broadcast(ctx, gameID, "game:updated", res.Game)
	s.scheduleExpiry(ctx, res.Game)
}
