package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/skateduel/backend/internal/duel"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// DuelAPI is the slice of the duel service the handlers drive.
// *duel.Service satisfies it.
type DuelAPI interface {
	Create(ctx context.Context, challengerID, opponentID string) (*store.Game, error)
	QuickMatch(ctx context.Context, playerID string) (*store.Game, error)
	Respond(ctx context.Context, gameID, actorID string, accept bool, eventKey string) (*duel.Result, error)
	SubmitTurn(ctx context.Context, gameID, actorID string, in duel.TurnInput, eventKey string) (*duel.Result, error)
	JudgeTurn(ctx context.Context, turnID int64, actorID string, result game.Judgment, eventKey string) (*duel.Result, error)
	SetterBail(ctx context.Context, gameID, actorID, eventKey string) (*duel.Result, error)
	FileDispute(ctx context.Context, gameID, actorID string, turnID int64, eventKey string) (*duel.Result, error)
	ResolveDispute(ctx context.Context, disputeID int64, actorID string, finalResult game.Judgment, eventKey string) (*duel.Result, error)
	Forfeit(ctx context.Context, gameID, actorID, eventKey string) (*duel.Result, error)
	MyGames(ctx context.Context, playerID string) (*duel.Inbox, error)
	GameDetail(ctx context.Context, gameID, viewerID string) (*duel.Detail, error)
}

// eventKey returns the client's idempotency key, minting one when the client
// does not care about retries.
func eventKey(r *http.Request) string {
	if k := r.Header.Get("X-Event-Key"); k != "" {
		return k
	}
	return uuid.NewString()
}

// CreateGame handles POST /games/create.
func CreateGame(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OpponentID string `json:"opponentId"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		g, err := api.Create(r.Context(), UserID(r.Context()), body.OpponentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"game":    g,
			"message": "Challenge sent",
		})
	}
}

// QuickMatch handles POST /games/quick-match.
func QuickMatch(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := api.QuickMatch(r.Context(), UserID(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"game":    g,
			"message": "Matched",
		})
	}
}

// RespondChallenge handles POST /games/{id}/respond.
func RespondChallenge(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Accept bool `json:"accept"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		res, err := api.Respond(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), body.Accept, eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		msg := "Challenge declined"
		if body.Accept {
			msg = "Game on"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"game":    res.Game,
			"message": msg,
		})
	}
}

// SubmitTurn handles POST /games/{id}/turns.
func SubmitTurn(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TrickDescription string `json:"trickDescription"`
			VideoURL         string `json:"videoUrl"`
			VideoDurationMs  int    `json:"videoDurationMs"`
			ThumbnailURL     string `json:"thumbnailUrl"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		res, err := api.SubmitTurn(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), duel.TurnInput{
			TrickDescription: body.TrickDescription,
			VideoURL:         body.VideoURL,
			VideoDurationMs:  body.VideoDurationMs,
			ThumbnailURL:     body.ThumbnailURL,
		}, eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"turn":    res.Turn,
			"game":    res.Game,
			"message": "Clip submitted",
		})
	}
}

// JudgeTurn handles POST /games/turns/{turnId}/judge.
func JudgeTurn(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		turnID, err := strconv.ParseInt(mux.Vars(r)["turnId"], 10, 64)
		if err != nil {
			writeError(w, fault.Reject(fault.KindValidation, fault.ReasonValidation, "invalid turn id"))
			return
		}
		var body struct {
			Result string `json:"result"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		res, err := api.JudgeTurn(r.Context(), turnID, UserID(r.Context()), game.Judgment(body.Result), eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		out := map[string]any{
			"game":     res.Game,
			"turn":     res.Turn,
			"gameOver": res.GameOver,
			"message":  "Judgment recorded",
		}
		if res.GameOver {
			out["winnerId"] = res.WinnerID
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// SetterBail handles POST /games/{id}/setter-bail.
func SetterBail(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := api.SetterBail(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		out := map[string]any{
			"game":     res.Game,
			"gameOver": res.GameOver,
			"message":  "Bail recorded",
		}
		if res.GameOver {
			out["winnerId"] = res.WinnerID
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// FileDispute handles POST /games/{id}/dispute.
func FileDispute(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TurnID int64 `json:"turnId"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		res, err := api.FileDispute(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), body.TurnID, eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"dispute": res.Dispute,
			"message": "Dispute filed",
		})
	}
}

// ResolveDispute handles POST /games/disputes/{id}/resolve.
func ResolveDispute(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		disputeID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			writeError(w, fault.Reject(fault.KindValidation, fault.ReasonValidation, "invalid dispute id"))
			return
		}
		var body struct {
			FinalResult string `json:"finalResult"`
		}
		if !decodeBody(w, r, &body) {
			return
		}

		res, err := api.ResolveDispute(r.Context(), disputeID, UserID(r.Context()), game.Judgment(body.FinalResult), eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dispute": res.Dispute,
			"game":    res.Game,
			"message": "Dispute resolved",
		})
	}
}

// ForfeitGame handles POST /games/{id}/forfeit.
func ForfeitGame(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := api.Forfeit(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), eventKey(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"game":    res.Game,
			"message": "Game forfeited",
		})
	}
}

// MyGames handles GET /games/my-games.
func MyGames(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inbox, err := api.MyGames(r.Context(), UserID(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		total := len(inbox.PendingChallenges) + len(inbox.SentChallenges) +
			len(inbox.ActiveGames) + len(inbox.CompletedGames)
		writeJSON(w, http.StatusOK, map[string]any{
			"pendingChallenges": inbox.PendingChallenges,
			"sentChallenges":    inbox.SentChallenges,
			"activeGames":       inbox.ActiveGames,
			"completedGames":    inbox.CompletedGames,
			"total":             total,
		})
	}
}

// GetGame handles GET /games/{id}.
func GetGame(api DuelAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := api.GameDetail(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}
