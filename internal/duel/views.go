package duel

import (
	"context"
	"errors"

	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// Inbox groups a player's games for the home screen.
type Inbox struct {
	PendingChallenges []store.Game `json:"pending_challenges"`
	SentChallenges    []store.Game `json:"sent_challenges"`
	ActiveGames       []store.Game `json:"active_games"`
	CompletedGames    []store.Game `json:"completed_games"`
}

// MyGames classifies every game the player participates in.
func (s *Service) MyGames(ctx context.Context, playerID string) (*Inbox, error) {
	games, err := s.db.GamesForPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}

	inbox := &Inbox{
		PendingChallenges: []store.Game{},
		SentChallenges:    []store.Game{},
		ActiveGames:       []store.Game{},
		CompletedGames:    []store.Game{},
	}
	for _, g := range games {
		switch {
		case g.Status == game.PhasePending && g.Player2ID == playerID:
			inbox.PendingChallenges = append(inbox.PendingChallenges, g)
		case g.Status == game.PhasePending:
			inbox.SentChallenges = append(inbox.SentChallenges, g)
		case g.Status == game.PhaseActive:
			inbox.ActiveGames = append(inbox.ActiveGames, g)
		default:
			inbox.CompletedGames = append(inbox.CompletedGames, g)
		}
	}
	return inbox, nil
}

// Detail is the full game view for one participant, with the viewer's
// actionable flags precomputed.
type Detail struct {
	Game           *store.Game     `json:"game"`
	Turns          []store.Turn    `json:"turns"`
	Disputes       []store.Dispute `json:"disputes"`
	IsMyTurn       bool            `json:"is_my_turn"`
	NeedsToRespond bool            `json:"needs_to_respond"`
	NeedsToJudge   bool            `json:"needs_to_judge"`
	PendingTurnID  int64           `json:"pending_turn_id,omitempty"`
	CanDispute     bool            `json:"can_dispute"`
}

// GameDetail loads a game with its turns and disputes. Only participants may
// view.
func (s *Service) GameDetail(ctx context.Context, gameID, viewerID string) (*Detail, error) {
	g, err := s.db.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Reject(fault.KindNotFound, fault.ReasonGameNotFound, "game %s not found", gameID)
	}
	if err != nil {
		return nil, err
	}
	if !g.IsPlayer(viewerID) {
		return nil, fault.Reject(fault.KindForbidden, fault.ReasonNotAPlayer, "not a participant")
	}

	turns, err := s.db.ListTurns(ctx, gameID)
	if err != nil {
		return nil, err
	}
	disputes, err := s.db.ListDisputes(ctx, gameID)
	if err != nil {
		return nil, err
	}

	d := &Detail{Game: g, Turns: turns, Disputes: disputes}
	d.IsMyTurn = g.Status == game.PhaseActive && g.CurrentTurn == viewerID
	d.NeedsToRespond = d.IsMyTurn && g.TurnPhase == game.SubRespondTrick
	d.NeedsToJudge = d.IsMyTurn && g.TurnPhase == game.SubJudge

	for _, t := range turns {
		if t.TurnType == game.TurnSet && t.Result == game.JudgmentPending {
			d.PendingTurnID = t.ID
		}
		// A BAIL call on the viewer's own set trick is disputable while the
		// quota is unspent.
		if g.Status == game.PhaseActive && !g.DisputeUsed(viewerID) &&
			t.TurnType == game.TurnSet && t.Result == game.JudgmentMissed &&
			t.PlayerID == viewerID {
			d.CanDispute = true
		}
	}
	return d, nil
}
