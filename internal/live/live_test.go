package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/store"
)

// sessDB is an in-memory session store with the gateway's commit semantics.
type sessDB struct {
	mu       sync.Mutex
	sessions map[string]*store.LiveSession
}

func newSessDB() *sessDB {
	return &sessDB{sessions: map[string]*store.LiveSession{}}
}

func cloneSession(s *store.LiveSession) *store.LiveSession {
	c := *s
	c.Players = make([]store.LiveSlot, len(s.Players))
	copy(c.Players, s.Players)
	c.ProcessedEventIDs = append([]string(nil), s.ProcessedEventIDs...)
	return &c
}

func (m *sessDB) CreateSession(_ context.Context, s *store.LiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *sessDB) GetSession(_ context.Context, id string) (*store.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(s), nil
}

type sessTx struct {
	session *store.LiveSession
	saved   *store.LiveSession
}

func (t *sessTx) Session() *store.LiveSession { return t.session }
func (t *sessTx) SaveSession(s *store.LiveSession) error {
	t.saved = cloneSession(s)
	return nil
}

func (m *sessDB) WithSession(_ context.Context, id string, fn func(tx store.LiveTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	tx := &sessTx{session: cloneSession(s)}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.saved != nil {
		m.sessions[id] = tx.saved
	}
	return nil
}

type nameDir map[string]string

func (d nameDir) DisplayName(_ context.Context, id string) (string, error) {
	name, ok := d[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func (l *eventLog) BroadcastSession(_ context.Context, _, event string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if l.last == nil {
		l.last = map[string]any{}
	}
	l.last[event] = payload
}

// payload returns the most recent payload broadcast under event.
func (l *eventLog) payload(event string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[event]
}

func (l *eventLog) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

type liveFixture struct {
	db     *sessDB
	svc    *Service
	events *eventLog
	clock  time.Time
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	f := &liveFixture{
		db:     newSessDB(),
		events: &eventLog{},
		clock:  time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.db, nameDir{
		"ana": "Ana", "ben": "Ben", "cal": "Cal", "dee": "Dee",
	}, Config{})
	f.svc.now = func() time.Time { return f.clock }
	f.svc.Rooms = f.events
	return f
}

func (f *liveFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

// startedSession builds an active session with the given players, slot zero
// setting first.
func (f *liveFixture) startedSession(t *testing.T, players ...string) *store.LiveSession {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, players[0], "spot-1", 0)
	require.NoError(t, err)
	for i, p := range players[1:] {
		_, err := f.svc.Join(ctx, sess.ID, p, keyN("join", i))
		require.NoError(t, err)
	}
	res, err := f.svc.Start(ctx, sess.ID, players[0], "start-1")
	require.NoError(t, err)
	return res.Session
}

func keyN(prefix string, n int) string {
	return prefix + "-" + string(rune('a'+n))
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newLiveFixture(t)
	sess, err := f.svc.Create(context.Background(), "ana", "spot-1", 0)
	require.NoError(t, err)

	assert.Equal(t, game.PhasePending, sess.Status)
	assert.Equal(t, 8, sess.MaxPlayers)
	require.Len(t, sess.Players, 1)
	assert.Equal(t, "ana", sess.Players[0].PlayerID)
	assert.Equal(t, "Ana", sess.Players[0].PlayerName)
	assert.True(t, sess.Players[0].Connected)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "ana", "spot-1", 1)
	assert.Equal(t, fault.ReasonValidation, fault.ReasonOf(err))
	_, err = f.svc.Create(ctx, "ana", "spot-1", 9)
	assert.Equal(t, fault.ReasonValidation, fault.ReasonOf(err))
	_, err = f.svc.Create(ctx, "", "spot-1", 0)
	assert.Equal(t, fault.ReasonValidation, fault.ReasonOf(err))
}

func TestJoinCapacity(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "ana", "spot-1", 2)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, sess.ID, "ben", "j1")
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, sess.ID, "cal", "j2")
	assert.Equal(t, fault.ReasonRoomFull, fault.ReasonOf(err))
}

func TestJoinTwiceIsNoop(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "ana", "spot-1", 0)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, sess.ID, "ben", "j1")
	require.NoError(t, err)
	res, err := f.svc.Join(ctx, sess.ID, "ben", "j2")
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Len(t, res.Session.Players, 2)
}

func TestJoinAfterStart(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")

	_, err := f.svc.Join(context.Background(), sess.ID, "cal", "j9")
	assert.Equal(t, fault.ReasonWrongPhase, fault.ReasonOf(err))
}

func TestLeavePending(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "ana", "spot-1", 0)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, sess.ID, "ben", "j1")
	require.NoError(t, err)

	res, err := f.svc.Leave(ctx, sess.ID, "ben", "l1")
	require.NoError(t, err)
	assert.Len(t, res.Session.Players, 1)

	// Creator leaving cancels the session.
	res, err = f.svc.Leave(ctx, sess.ID, "ana", "l2")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseDeclined, res.Session.Status)
	assert.True(t, f.events.has("game:cancelled"))
}

func TestStartPreconditions(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Create(ctx, "ana", "spot-1", 0)
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, sess.ID, "ana", "s1")
	assert.Equal(t, fault.ReasonNotEnoughPlayers, fault.ReasonOf(err))

	_, err = f.svc.Join(ctx, sess.ID, "ben", "j1")
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, sess.ID, "ben", "s2")
	assert.Equal(t, fault.ReasonNotCreator, fault.ReasonOf(err))
}

func TestStartInitialState(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")

	assert.Equal(t, game.PhaseActive, sess.Status)
	assert.Equal(t, 0, sess.CurrentTurnIndex)
	assert.Equal(t, "ana", sess.SetterID)
	assert.Equal(t, game.ActionSetTrick, sess.CurrentAction)
	require.NotNil(t, sess.TurnDeadlineAt)
	assert.Equal(t, f.clock.Add(time.Minute), *sess.TurnDeadlineAt)

	turn, ok := f.events.payload("game:turn").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ana", turn["current_player"])
	assert.Equal(t, 60, turn["time_limit"])
}

func TestRoundRotation(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	// Ana sets; the cursor moves to Ben for an attempt.
	res, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "t1")
	require.NoError(t, err)
	assert.Equal(t, "kickflip", res.Session.CurrentTrick)
	assert.Equal(t, 1, res.Session.CurrentTurnIndex)
	assert.Equal(t, game.ActionAttempt, res.Session.CurrentAction)
	assert.Equal(t, "ana", res.Session.SetterID)

	// Ben and Cal attempt; the wrap closes the round and Ben sets next.
	_, err = f.svc.SubmitTrick(ctx, sess.ID, "ben", "", "t2")
	require.NoError(t, err)
	res, err = f.svc.SubmitTrick(ctx, sess.ID, "cal", "", "t3")
	require.NoError(t, err)

	assert.Equal(t, "ben", res.Session.SetterID)
	assert.Equal(t, 1, res.Session.CurrentTurnIndex)
	assert.Equal(t, game.ActionSetTrick, res.Session.CurrentAction)
	assert.Empty(t, res.Session.CurrentTrick)
}

func TestSetRequiresTrickText(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")

	_, err := f.svc.SubmitTrick(context.Background(), sess.ID, "ana", "  ", "t1")
	assert.Equal(t, fault.ReasonValidation, fault.ReasonOf(err))
}

func TestSubmitTrickTurnOrder(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")
	ctx := context.Background()

	_, err := f.svc.SubmitTrick(ctx, sess.ID, "ben", "x", "t1")
	assert.Equal(t, fault.ReasonNotYourTurn, fault.ReasonOf(err))

	_, err = f.svc.SubmitTrick(ctx, sess.ID, "dee", "x", "t2")
	assert.Equal(t, fault.ReasonNotAPlayer, fault.ReasonOf(err))
}

func TestSubmitTrickIdempotent(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")
	ctx := context.Background()

	_, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "same")
	require.NoError(t, err)
	res, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "same")
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, 1, res.Session.CurrentTurnIndex, "replay must not advance twice")
}

func TestPassAccretesLetter(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	_, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "t1")
	require.NoError(t, err)

	res, err := f.svc.Pass(ctx, sess.ID, "ben", "p1")
	require.NoError(t, err)

	assert.Equal(t, "S", res.Session.Players[1].Letters)
	assert.Equal(t, "ben", res.LetterTo)
	assert.Equal(t, 2, res.Session.CurrentTurnIndex)
	assert.Equal(t, game.ActionAttempt, res.Session.CurrentAction)
	assert.True(t, f.events.has("game:letter"))
	assert.True(t, f.events.has("game:turn"))
}

func TestSetterPassOpensNewRound(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")

	res, err := f.svc.Pass(context.Background(), sess.ID, "ana", "p1")
	require.NoError(t, err)

	assert.Equal(t, "S", res.Session.Players[0].Letters)
	assert.Equal(t, "ben", res.Session.SetterID)
	assert.Equal(t, 1, res.Session.CurrentTurnIndex)
	assert.Equal(t, game.ActionSetTrick, res.Session.CurrentAction)
	assert.Empty(t, res.Session.CurrentTrick)
}

func TestEliminationEndsTwoPlayerSession(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")
	ctx := context.Background()

	_, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "t1")
	require.NoError(t, err)

	f.db.sessions[sess.ID].Players[1].Letters = "SKAT"

	res, err := f.svc.Pass(ctx, sess.ID, "ben", "p1")
	require.NoError(t, err)

	assert.True(t, res.GameOver)
	assert.Equal(t, "ana", res.WinnerID)
	assert.Equal(t, game.PhaseCompleted, res.Session.Status)
	assert.Equal(t, "SKATE", res.Session.Players[1].Letters)
	assert.Nil(t, res.Session.TurnDeadlineAt)
	ended, ok := f.events.payload("game:ended").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ana", ended["winner_id"])
	assert.Len(t, ended["final_standings"], 2)
}

func TestEliminatedPlayerSkipped(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	f.db.sessions[sess.ID].Players[1].Letters = "SKATE"

	res, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "t1")
	require.NoError(t, err)
	// Ben is out; the attempt cursor skips straight to Cal.
	assert.Equal(t, 2, res.Session.CurrentTurnIndex)
}

func TestForfeitLastTwoEndsSession(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	_, err := f.svc.ForfeitPlayer(ctx, sess.ID, "ben", "f1")
	require.NoError(t, err)

	res, err := f.svc.ForfeitPlayer(ctx, sess.ID, "cal", "f2")
	require.NoError(t, err)
	assert.True(t, res.GameOver)
	assert.Equal(t, "ana", res.WinnerID)
	assert.Equal(t, game.PhaseCompleted, res.Session.Status)
}

func TestForfeitSetterVoidsRound(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	_, err := f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "t1")
	require.NoError(t, err)

	res, err := f.svc.ForfeitPlayer(ctx, sess.ID, "ana", "f1")
	require.NoError(t, err)

	assert.Equal(t, "ben", res.Session.SetterID)
	assert.Equal(t, game.ActionSetTrick, res.Session.CurrentAction)
	assert.Empty(t, res.Session.CurrentTrick)
}

func TestForfeitTwiceIsNoop(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	_, err := f.svc.ForfeitPlayer(ctx, sess.ID, "ben", "f1")
	require.NoError(t, err)
	res, err := f.svc.ForfeitPlayer(ctx, sess.ID, "ben", "f2")
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
}

func TestDisconnectPausesActiveSession(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")
	ctx := context.Background()

	res, err := f.svc.Disconnect(ctx, sess.ID, "ben")
	require.NoError(t, err)

	assert.True(t, res.Paused)
	assert.Equal(t, game.PhasePaused, res.Session.Status)
	require.NotNil(t, res.Session.PausedAt)
	assert.False(t, res.Session.Players[1].Connected)
	paused, ok := f.events.payload("game:paused").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ben", paused["disconnected_player"])
	assert.Equal(t, 120, paused["reconnect_timeout"])

	// Actions are rejected while paused.
	_, err = f.svc.SubmitTrick(ctx, sess.ID, "ana", "kickflip", "t1")
	assert.Equal(t, fault.ReasonWrongPhase, fault.ReasonOf(err))
}

func TestReconnectResumes(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")
	ctx := context.Background()

	_, err := f.svc.Disconnect(ctx, sess.ID, "ben")
	require.NoError(t, err)
	f.advance(30 * time.Second)

	res, err := f.svc.Reconnect(ctx, sess.ID, "ben")
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, game.PhaseActive, res.Session.Status)
	assert.Nil(t, res.Session.PausedAt)
	require.NotNil(t, res.Session.TurnDeadlineAt)
	assert.Equal(t, f.clock.Add(time.Minute), *res.Session.TurnDeadlineAt)
	assert.True(t, f.events.has("game:resumed"))
}

func TestExpireTurnAppliesSystemPass(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	f.advance(3 * time.Minute)

	res, err := f.svc.ExpireTurn(ctx, sess.ID)
	require.NoError(t, err)

	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, "ana", res.LetterTo)
	assert.Equal(t, "S", res.Session.Players[0].Letters)
	// Ana was setting: her timeout opens a fresh round under Ben.
	assert.Equal(t, "ben", res.Session.SetterID)

	second, err := f.svc.ExpireTurn(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
}

func TestExpireTurnBeforeDeadline(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")

	res, err := f.svc.ExpireTurn(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
}

func TestSweepPausedForfeitsAfterWindow(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben", "cal")
	ctx := context.Background()

	_, err := f.svc.Disconnect(ctx, sess.ID, "ben")
	require.NoError(t, err)

	// Inside the window nothing happens.
	f.advance(time.Minute)
	res, err := f.svc.SweepPaused(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	// Past the window the disconnected player forfeits and play resumes.
	f.advance(2 * time.Minute)
	res, err = f.svc.SweepPaused(ctx, sess.ID)
	require.NoError(t, err)

	assert.False(t, res.AlreadyProcessed)
	assert.True(t, res.Session.Players[1].Forfeited)
	assert.True(t, res.Resumed)
	assert.Equal(t, game.PhaseActive, res.Session.Status)
}

func TestSweepPausedCompletesTwoPlayerSession(t *testing.T) {
	f := newLiveFixture(t)
	sess := f.startedSession(t, "ana", "ben")
	ctx := context.Background()

	_, err := f.svc.Disconnect(ctx, sess.ID, "ben")
	require.NoError(t, err)
	f.advance(3 * time.Minute)

	res, err := f.svc.SweepPaused(ctx, sess.ID)
	require.NoError(t, err)

	assert.True(t, res.GameOver)
	assert.Equal(t, "ana", res.WinnerID)
	assert.Equal(t, game.PhaseCompleted, res.Session.Status)
}

func TestSessionNotFound(t *testing.T) {
	f := newLiveFixture(t)
	_, err := f.svc.SubmitTrick(context.Background(), "missing", "ana", "x", "t1")
	assert.Equal(t, fault.ReasonSessionNotFound, fault.ReasonOf(err))
}
