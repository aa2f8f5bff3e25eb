package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/skateduel/backend/internal/duel"
	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/live"
	"github.com/skateduel/backend/internal/reconcile"
	"github.com/skateduel/backend/internal/store"
)

// stubDuel records the last call and returns canned values.
type stubDuel struct {
	lastActor string
	lastGame  string
	lastKey   string
	lastTurn  int64

	game   *store.Game
	result *duel.Result
	inbox  *duel.Inbox
	detail *duel.Detail
	err    error
}

func (s *stubDuel) Create(_ context.Context, challengerID, opponentID string) (*store.Game, error) {
	s.lastActor, s.lastGame = challengerID, opponentID
	return s.game, s.err
}

func (s *stubDuel) QuickMatch(_ context.Context, playerID string) (*store.Game, error) {
	s.lastActor = playerID
	return s.game, s.err
}

func (s *stubDuel) Respond(_ context.Context, gameID, actorID string, _ bool, key string) (*duel.Result, error) {
	s.lastGame, s.lastActor, s.lastKey = gameID, actorID, key
	return s.result, s.err
}

func (s *stubDuel) SubmitTurn(_ context.Context, gameID, actorID string, _ duel.TurnInput, key string) (*duel.Result, error) {
	s.lastGame, s.lastActor, s.lastKey = gameID, actorID, key
	return s.result, s.err
}

func (s *stubDuel) JudgeTurn(_ context.Context, turnID int64, actorID string, _ game.Judgment, key string) (*duel.Result, error) {
	s.lastTurn, s.lastActor, s.lastKey = turnID, actorID, key
	return s.result, s.err
}

func (s *stubDuel) SetterBail(_ context.Context, gameID, actorID, key string) (*duel.Result, error) {
	s.lastGame, s.lastActor, s.lastKey = gameID, actorID, key
	return s.result, s.err
}

func (s *stubDuel) FileDispute(_ context.Context, gameID, actorID string, turnID int64, key string) (*duel.Result, error) {
	s.lastGame, s.lastActor, s.lastTurn, s.lastKey = gameID, actorID, turnID, key
	return s.result, s.err
}

func (s *stubDuel) ResolveDispute(_ context.Context, disputeID int64, actorID string, _ game.Judgment, key string) (*duel.Result, error) {
	s.lastTurn, s.lastActor, s.lastKey = disputeID, actorID, key
	return s.result, s.err
}

func (s *stubDuel) Forfeit(_ context.Context, gameID, actorID, key string) (*duel.Result, error) {
	s.lastGame, s.lastActor, s.lastKey = gameID, actorID, key
	return s.result, s.err
}

func (s *stubDuel) MyGames(_ context.Context, playerID string) (*duel.Inbox, error) {
	s.lastActor = playerID
	return s.inbox, s.err
}

func (s *stubDuel) GameDetail(_ context.Context, gameID, viewerID string) (*duel.Detail, error) {
	s.lastGame, s.lastActor = gameID, viewerID
	return s.detail, s.err
}

func newStub() *stubDuel {
	g := &store.Game{ID: "g1"}
	return &stubDuel{
		game:   g,
		result: &duel.Result{Game: g},
		inbox:  &duel.Inbox{},
		detail: &duel.Detail{Game: g},
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateGame(t *testing.T) {
	api := newStub()
	r := NewRouter(RouterDeps{Duel: api})

	w := doJSON(t, r, http.MethodPost, "/games/create", "alice", map[string]string{"opponentId": "bob"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", api.lastActor)
	assert.Equal(t, "bob", api.lastGame)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp["game"])
	assert.Equal(t, "Challenge sent", resp["message"])
}

func TestRequiresUser(t *testing.T) {
	r := NewRouter(RouterDeps{Duel: newStub()})
	w := doJSON(t, r, http.MethodPost, "/games/create", "", map[string]string{"opponentId": "bob"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitTurnPassesInputAndEventKey(t *testing.T) {
	api := newStub()
	r := NewRouter(RouterDeps{Duel: api})

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{
		"trickDescription": "kickflip",
		"videoUrl":         "https://cdn.example.com/v.mp4",
		"videoDurationMs":  9000,
	}))
	req := httptest.NewRequest(http.MethodPost, "/games/g1/turns", &buf)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-Event-Key", "retry-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "g1", api.lastGame)
	assert.Equal(t, "retry-123", api.lastKey)
}

func TestEventKeyMintedWhenMissing(t *testing.T) {
	api := newStub()
	r := NewRouter(RouterDeps{Duel: api})

	w := doJSON(t, r, http.MethodPost, "/games/g1/forfeit", "alice", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, api.lastKey)
}

func TestJudgeTurnParsesID(t *testing.T) {
	api := newStub()
	api.result.GameOver = true
	api.result.WinnerID = "alice"
	r := NewRouter(RouterDeps{Duel: api})

	w := doJSON(t, r, http.MethodPost, "/games/turns/42/judge", "bob", map[string]string{"result": "landed"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(42), api.lastTurn)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["gameOver"])
	assert.Equal(t, "alice", resp["winnerId"])
}

func TestJudgeTurnRejectsBadID(t *testing.T) {
	r := NewRouter(RouterDeps{Duel: newStub()})
	w := doJSON(t, r, http.MethodPost, "/games/turns/abc/judge", "bob", map[string]string{"result": "landed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"wrong phase", fault.Reject(fault.KindConflict, fault.ReasonWrongPhase, "not judging"), http.StatusBadRequest, "WRONG_PHASE"},
		{"not a player", fault.Reject(fault.KindForbidden, fault.ReasonNotAPlayer, "spectator"), http.StatusForbidden, "NOT_A_PLAYER"},
		{"missing game", fault.Reject(fault.KindNotFound, fault.ReasonGameNotFound, "gone"), http.StatusNotFound, "GAME_NOT_FOUND"},
		{"plain error", context.DeadlineExceeded, http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newStub()
			api.err = tc.err
			r := NewRouter(RouterDeps{Duel: api})

			w := doJSON(t, r, http.MethodPost, "/games/g1/forfeit", "alice", nil)

			assert.Equal(t, tc.status, w.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if tc.code != "" {
				assert.Equal(t, tc.code, resp["code"])
			}
		})
	}
}

func TestMyGamesCountsTotal(t *testing.T) {
	api := newStub()
	api.inbox = &duel.Inbox{
		ActiveGames:       []store.Game{{ID: "g1"}, {ID: "g2"}},
		PendingChallenges: []store.Game{{ID: "g3"}},
	}
	r := NewRouter(RouterDeps{Duel: api})

	w := doJSON(t, r, http.MethodGet, "/games/my-games", "alice", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["total"])
}

func TestInvalidJSONBody(t *testing.T) {
	r := NewRouter(RouterDeps{Duel: newStub()})
	req := httptest.NewRequest(http.MethodPost, "/games/create", bytes.NewBufferString("{nope"))
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownFieldRejected(t *testing.T) {
	api := newStub()
	r := NewRouter(RouterDeps{Duel: api})

	w := doJSON(t, r, http.MethodPost, "/games/create", "alice", map[string]string{
		"opponentId": "bob",
		"opponent":   "bob",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, api.lastActor)
}

// cron fakes

type cronCandidates struct {
	expired []string
	warn    []string
	stalled []string
	paused  []string
	purged  int64
}

func (c *cronCandidates) ExpiredGameIDs(context.Context, time.Time, int) ([]string, error) {
	return c.expired, nil
}

func (c *cronCandidates) ExpiringGameIDs(context.Context, time.Time, time.Duration, int) ([]string, error) {
	return c.warn, nil
}

func (c *cronCandidates) StalledGameIDs(context.Context, time.Time, int) ([]string, error) {
	return c.stalled, nil
}

func (c *cronCandidates) ExpiredSessionIDs(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

func (c *cronCandidates) PausedSessionIDs(context.Context, int) ([]string, error) {
	return c.paused, nil
}

func (c *cronCandidates) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return c.purged, nil
}

type cronDuels struct {
	skip map[string]bool // IDs that report AlreadyProcessed
}

func (d *cronDuels) res(id string) (*duel.Result, error) {
	return &duel.Result{AlreadyProcessed: d.skip[id]}, nil
}

func (d *cronDuels) ExpireDeadline(_ context.Context, id string) (*duel.Result, error) {
	return d.res(id)
}

func (d *cronDuels) ExpireStalled(_ context.Context, id string) (*duel.Result, error) {
	return d.res(id)
}

func (d *cronDuels) WarnDeadline(_ context.Context, id string) (*duel.Result, error) {
	return d.res(id)
}

type cronLives struct {
	expired []string
}

func (l *cronLives) ExpireTurn(_ context.Context, id string) (*live.Result, error) {
	l.expired = append(l.expired, id)
	return &live.Result{}, nil
}

func (l *cronLives) SweepPaused(_ context.Context, _ string) (*live.Result, error) {
	return &live.Result{}, nil
}

func cronRouter(t *testing.T, db *cronCandidates, duels *cronDuels, lives *cronLives) (*mux.Router, string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	c := NewCron(db, duels, lives, reconcile.Config{})
	r := NewRouter(RouterDeps{
		Duel:           newStub(),
		Cron:           c,
		CronSecretHash: string(hash),
	})
	return r, "hunter2"
}

func TestCronRequiresSecret(t *testing.T) {
	r, _ := cronRouter(t, &cronCandidates{}, &cronDuels{}, &cronLives{})

	req := httptest.NewRequest(http.MethodPost, "/cron/forfeit-expired-games", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/cron/forfeit-expired-games", nil)
	req.Header.Set("X-Cron-Secret", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCronForfeitCountsOnlyNewEffects(t *testing.T) {
	db := &cronCandidates{expired: []string{"g1", "g2"}, stalled: []string{"g3"}}
	duels := &cronDuels{skip: map[string]bool{"g2": true}}
	r, secret := cronRouter(t, db, duels, &cronLives{})

	req := httptest.NewRequest(http.MethodPost, "/cron/forfeit-expired-games", nil)
	req.Header.Set("X-Cron-Secret", secret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["forfeited"])
}

func TestCronCleanupCountsPausedAndPurged(t *testing.T) {
	db := &cronCandidates{paused: []string{"s1", "s2"}, purged: 5}
	r, secret := cronRouter(t, db, &cronDuels{}, &cronLives{})

	req := httptest.NewRequest(http.MethodPost, "/cron/cleanup-sessions", nil)
	req.Header.Set("X-Cron-Secret", secret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(7), resp["deleted"])
}

func TestCronExpireGameCallback(t *testing.T) {
	lives := &cronLives{}
	r, secret := cronRouter(t, &cronCandidates{}, &cronDuels{}, lives)

	req := httptest.NewRequest(http.MethodPost, "/cron/expire-session?id=s9", nil)
	req.Header.Set("X-Cron-Secret", secret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s9"}, lives.expired)

	// Missing id is a validation failure, not a crash.
	req = httptest.NewRequest(http.MethodPost, "/cron/expire-game", nil)
	req.Header.Set("X-Cron-Secret", secret)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	r := NewRouter(RouterDeps{Duel: newStub()})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
