package duel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/game"
	"github.com/skateduel/backend/internal/metrics"
	"github.com/skateduel/backend/internal/store"
)

// memDB is an in-memory DB with the same commit/rollback discipline as the
// Postgres gateway: writes buffer on the tx and apply only when fn succeeds.
type memDB struct {
	mu        sync.Mutex
	games     map[string]*store.Game
	turns     []store.Turn
	disputes  []store.Dispute
	penalties map[string]int

	nextTurnID    int64
	nextDisputeID int64
	now           func() time.Time
}

func newMemDB() *memDB {
	return &memDB{
		games:     map[string]*store.Game{},
		penalties: map[string]int{},
		now:       time.Now,
	}
}

func cloneGame(g *store.Game) *store.Game {
	c := *g
	c.ProcessedEventIDs = append([]string(nil), g.ProcessedEventIDs...)
	return &c
}

func (m *memDB) CreateGame(_ context.Context, g *store.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.CreatedAt = m.now()
	m.games[g.ID] = cloneGame(g)
	return nil
}

func (m *memDB) GetGame(_ context.Context, gameID string) (*store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneGame(g), nil
}

func (m *memDB) WithGame(_ context.Context, gameID string, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	tx := &memTx{db: m, game: cloneGame(g)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *memDB) ListTurns(_ context.Context, gameID string) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Turn
	for _, t := range m.turns {
		if t.GameID == gameID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memDB) ListDisputes(_ context.Context, gameID string) ([]store.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Dispute
	for _, d := range m.disputes {
		if d.GameID == gameID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDB) GameIDForTurn(_ context.Context, turnID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.turns {
		if t.ID == turnID {
			return t.GameID, nil
		}
	}
	return "", store.ErrNotFound
}

func (m *memDB) GameIDForDispute(_ context.Context, disputeID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.ID == disputeID {
			return d.GameID, nil
		}
	}
	return "", store.ErrNotFound
}

func (m *memDB) GamesForPlayer(_ context.Context, playerID string) ([]store.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Game
	for _, g := range m.games {
		if g.IsPlayer(playerID) {
			out = append(out, *cloneGame(g))
		}
	}
	return out, nil
}

type judgmentWrite struct {
	turnID   int64
	result   string
	judgedBy string
	at       time.Time
}

// memTx buffers writes until commit.
type memTx struct {
	db   *memDB
	game *store.Game

	saved       *store.Game
	newTurns    []store.Turn
	judgments   []judgmentWrite
	newDisputes []store.Dispute
	resolutions []store.Dispute
	penalties   []string
}

func (t *memTx) Game() *store.Game { return t.game }

func (t *memTx) SaveGame(g *store.Game) error {
	t.saved = cloneGame(g)
	return nil
}

func (t *memTx) allTurns() []store.Turn {
	var out []store.Turn
	for _, turn := range t.db.turns {
		if turn.GameID == t.game.ID {
			out = append(out, turn)
		}
	}
	return append(out, t.newTurns...)
}

func (t *memTx) InsertTurn(turn *store.Turn) error {
	max := 0
	for _, existing := range t.allTurns() {
		if existing.TurnNumber > max {
			max = existing.TurnNumber
		}
	}
	t.db.nextTurnID++
	turn.ID = t.db.nextTurnID
	turn.TurnNumber = max + 1
	t.newTurns = append(t.newTurns, *turn)
	return nil
}

func (t *memTx) TurnByID(id int64) (*store.Turn, error) {
	for _, turn := range t.allTurns() {
		if turn.ID == id {
			turn := turn
			return &turn, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) SetTurnJudgment(turnID int64, result, judgedBy string, at time.Time) error {
	if _, err := t.TurnByID(turnID); err != nil {
		return err
	}
	t.judgments = append(t.judgments, judgmentWrite{turnID, result, judgedBy, at})
	return nil
}

func (t *memTx) HasResponseAfter(n int) (bool, error) {
	for _, turn := range t.allTurns() {
		if turn.TurnType == game.TurnResponse && turn.TurnNumber > n {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertDispute(d *store.Dispute) error {
	t.db.nextDisputeID++
	d.ID = t.db.nextDisputeID
	d.CreatedAt = t.db.now()
	t.newDisputes = append(t.newDisputes, *d)
	return nil
}

func (t *memTx) DisputeByID(id int64) (*store.Dispute, error) {
	for _, d := range append(append([]store.Dispute(nil), t.db.disputes...), t.newDisputes...) {
		if d.ID == id && d.GameID == t.game.ID {
			d := d
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) ResolveDispute(d *store.Dispute) error {
	t.resolutions = append(t.resolutions, *d)
	return nil
}

func (t *memTx) AddDisputePenalty(playerID string) error {
	t.penalties = append(t.penalties, playerID)
	return nil
}

func (t *memTx) commit() {
	t.db.turns = append(t.db.turns, t.newTurns...)
	for _, j := range t.judgments {
		for i := range t.db.turns {
			if t.db.turns[i].ID == j.turnID {
				at := j.at
				t.db.turns[i].Result = game.Judgment(j.result)
				t.db.turns[i].JudgedBy = j.judgedBy
				t.db.turns[i].JudgedAt = &at
			}
		}
	}
	t.db.disputes = append(t.db.disputes, t.newDisputes...)
	for _, r := range t.resolutions {
		for i := range t.db.disputes {
			if t.db.disputes[i].ID == r.ID {
				t.db.disputes[i] = r
			}
		}
	}
	for _, p := range t.penalties {
		t.db.penalties[p]++
	}
	if t.saved != nil {
		t.db.games[t.saved.ID] = t.saved
	}
}

// memDirectory is a fixed user directory.
type memDirectory struct {
	names map[string]string
	next  string
}

func (d *memDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	name, ok := d.names[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

func (d *memDirectory) RandomOpponent(_ context.Context, exclude string) (string, error) {
	if d.next != "" && d.next != exclude {
		return d.next, nil
	}
	return "", store.ErrNotFound
}

type sentNote struct {
	UserID string
	Kind   string
	Data   map[string]any
}

// noteSink records post-commit fan-out for assertions.
type noteSink struct {
	mu         sync.Mutex
	notes      []sentNote
	broadcasts []string
}

func (n *noteSink) Notify(_ context.Context, userID, kind string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, sentNote{userID, kind, data})
}

func (n *noteSink) BroadcastGame(_ context.Context, _, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, event)
}

func (n *noteSink) kinds(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, note := range n.notes {
		if note.UserID == userID {
			out = append(out, note.Kind)
		}
	}
	return out
}

func (n *noteSink) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes, n.broadcasts = nil, nil
}

type fixture struct {
	db    *memDB
	dir   *memDirectory
	svc   *Service
	notes *noteSink
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db: newMemDB(),
		dir: &memDirectory{names: map[string]string{
			"alice": "Alice", "bob": "Bob", "carol": "Carol",
		}},
		notes: &noteSink{},
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.db.now = func() time.Time { return f.clock }
	f.svc = NewService(f.db, f.dir, Config{
		TrustedVideoHosts: []string{"storage.example.com"},
	})
	f.svc.now = func() time.Time { return f.clock }
	f.svc.Notifier = f.notes
	f.svc.Rooms = f.notes
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) createActive(t *testing.T) *store.Game {
	t.Helper()
	ctx := context.Background()
	g, err := f.svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)
	res, err := f.svc.Respond(ctx, g.ID, "bob", true, "accept-1")
	require.NoError(t, err)
	f.notes.reset()
	return res.Game
}

func clip(desc string) TurnInput {
	return TurnInput{
		TrickDescription: desc,
		VideoURL:         "https://storage.example.com/clips/a.mp4",
		VideoDurationMs:  9000,
		ThumbnailURL:     "https://storage.example.com/thumbs/a.jpg",
	}
}

// playRound walks set -> response -> ready to judge, returning the set turn.
func (f *fixture) playRound(t *testing.T, gameID, setter, defender string, n int) *store.Turn {
	t.Helper()
	ctx := context.Background()
	set, err := f.svc.SubmitTurn(ctx, gameID, setter, clip("kickflip"), keyN("set", n))
	require.NoError(t, err)
	_, err = f.svc.SubmitTurn(ctx, gameID, defender, clip("kickflip attempt"), keyN("resp", n))
	require.NoError(t, err)
	return set.Turn
}

func keyN(prefix string, n int) string {
	return prefix + "-" + string(rune('a'+n))
}

func TestCreateRejectsSelfChallenge(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "alice", "alice")
	require.Error(t, err)
	assert.Equal(t, fault.ReasonSelfChallenge, fault.ReasonOf(err))
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestCreateRejectsUnknownOpponent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "alice", "nobody")
	require.Error(t, err)
	assert.Equal(t, fault.ReasonOpponentNotFound, fault.ReasonOf(err))
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestCreateSeedsPendingGame(t *testing.T) {
	f := newFixture(t)
	g, err := f.svc.Create(context.Background(), "alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, game.PhasePending, g.Status)
	assert.Equal(t, "alice", g.OffensivePlayerID)
	assert.Equal(t, "bob", g.DefensivePlayerID)
	assert.Equal(t, "bob", g.CurrentTurn)
	assert.Equal(t, "Alice", g.Player1Name)
	assert.Equal(t, "Bob", g.Player2Name)
	assert.Nil(t, g.DeadlineAt)
	assert.Contains(t, f.notes.kinds("bob"), NotifyChallengeReceived)
}

func TestRespondAcceptActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)

	res, err := f.svc.Respond(ctx, g.ID, "bob", true, "k1")
	require.NoError(t, err)

	assert.Equal(t, game.PhaseActive, res.Game.Status)
	assert.Equal(t, "alice", res.Game.CurrentTurn)
	assert.Equal(t, game.SubSetTrick, res.Game.TurnPhase)
	require.NotNil(t, res.Game.DeadlineAt)
	assert.Equal(t, f.clock.Add(24*time.Hour), *res.Game.DeadlineAt)
	assert.Contains(t, f.notes.kinds("alice"), NotifyYourTurn)
}

func TestRespondDeclineTerminates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)

	res, err := f.svc.Respond(ctx, g.ID, "bob", false, "k1")
	require.NoError(t, err)

	assert.Equal(t, game.PhaseDeclined, res.Game.Status)
	assert.Empty(t, res.Game.CurrentTurn)
	assert.Empty(t, res.Game.WinnerID)
	assert.Nil(t, res.Game.DeadlineAt)
	require.NotNil(t, res.Game.CompletedAt)
}

func TestRespondOnlyChallengedPlayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, g.ID, "alice", true, "k1")
	assert.Equal(t, fault.ReasonNotYourTurn, fault.ReasonOf(err))

	_, err = f.svc.Respond(ctx, g.ID, "carol", true, "k1")
	assert.Equal(t, fault.ReasonNotAPlayer, fault.ReasonOf(err))
}

func TestRespondIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.Create(ctx, "alice", "bob")
	require.NoError(t, err)

	first, err := f.svc.Respond(ctx, g.ID, "bob", true, "same-key")
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)

	f.notes.reset()
	second, err := f.svc.Respond(ctx, g.ID, "bob", true, "same-key")
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, game.PhaseActive, second.Game.Status)
	assert.Empty(t, f.notes.kinds("alice"), "replay must not re-notify")
}

func TestRespondMissingGame(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Respond(context.Background(), "nope", "bob", true, "k1")
	assert.Equal(t, fault.ReasonGameNotFound, fault.ReasonOf(err))
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestQuickMatch(t *testing.T) {
	f := newFixture(t)
	f.dir.next = "carol"

	g, err := f.svc.QuickMatch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "carol", g.Player2ID)
	assert.Equal(t, game.PhasePending, g.Status)
}

func TestQuickMatchNoOpponent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.QuickMatch(context.Background(), "alice")
	assert.Equal(t, fault.ReasonOpponentNotFound, fault.ReasonOf(err))
}

func TestMetricsRecordDuelFlow(t *testing.T) {
	f := newFixture(t)
	f.svc.Metrics = metrics.NewWith(prometheus.NewRegistry())
	ctx := context.Background()
	g := f.createActive(t)

	set := f.playRound(t, g.ID, "alice", "bob", 0)
	_, err := f.svc.JudgeTurn(ctx, set.ID, "bob", game.JudgmentLanded, "j1")
	require.NoError(t, err)
	_, err = f.svc.Forfeit(ctx, g.ID, "bob", "f1")
	require.NoError(t, err)

	m := f.svc.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GamesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsSubmitted.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsSubmitted.WithLabelValues("response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Judgments.WithLabelValues("landed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GamesFinished.WithLabelValues("forfeit")))
}
