package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	mu      sync.Mutex
	prefs   map[string]*Preferences
	tokens  map[string][]string
	prefErr error
}

func (f *fakeStore) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prefErr != nil {
		return nil, f.prefErr
	}
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return permissiveDefaults(userID), nil
}

func (f *fakeStore) PushTokens(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[userID], nil
}

type savedInApp struct{ userID, kind string }

type fakeInApp struct {
	mu    sync.Mutex
	saved []savedInApp
	err   error
}

func (f *fakeInApp) SaveInApp(ctx context.Context, userID, kind string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, savedInApp{userID, kind})
	return nil
}

func (f *fakeInApp) all() []savedInApp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedInApp(nil), f.saved...)
}

type sentPush struct{ token, kind string }

type fakePush struct {
	mu   sync.Mutex
	sent []sentPush
}

func (f *fakePush) SendPush(ctx context.Context, token, kind string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPush{token, kind})
	return nil
}

func (f *fakePush) all() []sentPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPush(nil), f.sent...)
}

type sentEmail struct{ to, kind string }

type fakeEmail struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (f *fakeEmail) SendEmail(ctx context.Context, to, kind string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEmail{to, kind})
	return nil
}

func (f *fakeEmail) all() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

// newDispatcher builds a dispatcher whose deliveries run synchronously so
// tests need no sleeps.
func newDispatcher(store *fakeStore, push *fakePush, email *fakeEmail) *Dispatcher {
	return NewDispatcher(store, &fakeInApp{}, push, email, 1)
}

func dispatch(d *Dispatcher, userID, kind string) {
	d.Notify(context.Background(), userID, kind, map[string]any{"game_id": "g1"})
	d.Close()
}

func TestPushFansOutToEveryToken(t *testing.T) {
	store := &fakeStore{tokens: map[string][]string{"ana": {"tok1", "tok2"}}}
	push := &fakePush{}
	d := newDispatcher(store, push, &fakeEmail{})

	dispatch(d, "ana", "your_turn")

	assert.ElementsMatch(t, []sentPush{{"tok1", "your_turn"}, {"tok2", "your_turn"}}, push.all())
}

func TestHighValueKindAlsoEmails(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true, EmailEnabled: true, Email: "ana@example.com",
		}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	email := &fakeEmail{}
	d := newDispatcher(store, &fakePush{}, email)

	dispatch(d, "ana", "game_over")

	assert.Equal(t, []sentEmail{{"ana@example.com", "game_over"}}, email.all())
}

func TestLowValueKindNeverEmails(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true, EmailEnabled: true, Email: "ana@example.com",
		}},
	}
	email := &fakeEmail{}
	d := newDispatcher(store, &fakePush{}, email)

	dispatch(d, "ana", "deadline_warning")

	assert.Empty(t, email.all())
}

func TestPushDisabled(t *testing.T) {
	store := &fakeStore{
		prefs:  map[string]*Preferences{"ana": {UserID: "ana", PushEnabled: false}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	push := &fakePush{}
	d := newDispatcher(store, push, &fakeEmail{})

	dispatch(d, "ana", "your_turn")

	assert.Empty(t, push.all())
}

func TestQuietHoursSuppressPush(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true,
			QuietStart: "22:00", QuietEnd: "07:00", Timezone: "UTC",
		}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	push := &fakePush{}
	d := newDispatcher(store, push, &fakeEmail{})
	d.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	}

	dispatch(d, "ana", "your_turn")

	assert.Empty(t, push.all())
}

func TestOutsideQuietHoursDelivers(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true,
			QuietStart: "22:00", QuietEnd: "07:00", Timezone: "UTC",
		}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	push := &fakePush{}
	d := newDispatcher(store, push, &fakeEmail{})
	d.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	dispatch(d, "ana", "your_turn")

	assert.Len(t, push.all(), 1)
}

func TestPrefsFailureFallsBackToPushDefaults(t *testing.T) {
	store := &fakeStore{
		prefErr: errors.New("supabase down"),
		tokens:  map[string][]string{"ana": {"tok1"}},
	}
	push := &fakePush{}
	d := newDispatcher(store, push, &fakeEmail{})

	dispatch(d, "ana", "your_turn")

	// Best effort: push still goes out on defaults.
	assert.Len(t, push.all(), 1)
}

func TestQuietHoursSuppressEmail(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", EmailEnabled: true, Email: "ana@example.com",
			QuietStart: "00:00", QuietEnd: "23:59", Timezone: "UTC",
		}},
	}
	email := &fakeEmail{}
	d := newDispatcher(store, &fakePush{}, email)
	d.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	dispatch(d, "ana", "game_over")

	assert.Empty(t, email.all(), "quiet hours silence email, not only push")
}

func TestInAppPersistsDuringQuietHours(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true, InAppEnabled: true,
			QuietStart: "00:00", QuietEnd: "23:59", Timezone: "UTC",
		}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	inapp := &fakeInApp{}
	push := &fakePush{}
	d := NewDispatcher(store, inapp, push, &fakeEmail{}, 1)
	d.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	dispatch(d, "ana", "your_turn")

	assert.Equal(t, []savedInApp{{"ana", "your_turn"}}, inapp.all())
	assert.Empty(t, push.all())
}

func TestInAppDisabledSkipsFeed(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {UserID: "ana", PushEnabled: true}},
	}
	inapp := &fakeInApp{}
	d := NewDispatcher(store, inapp, &fakePush{}, &fakeEmail{}, 1)

	dispatch(d, "ana", "your_turn")

	assert.Empty(t, inapp.all())
}

func TestMutedCategorySkipsEveryChannel(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true, InAppEnabled: true,
			EmailEnabled: true, Email: "ana@example.com",
			Categories: map[string]bool{"deadline_warning": false},
		}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	inapp := &fakeInApp{}
	push := &fakePush{}
	email := &fakeEmail{}
	d := NewDispatcher(store, inapp, push, email, 1)

	dispatch(d, "ana", "deadline_warning")

	assert.Empty(t, inapp.all())
	assert.Empty(t, push.all())
	assert.Empty(t, email.all())
}

func TestUnlistedCategoryStaysEnabled(t *testing.T) {
	store := &fakeStore{
		prefs: map[string]*Preferences{"ana": {
			UserID: "ana", PushEnabled: true,
			Categories: map[string]bool{"deadline_warning": false},
		}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	push := &fakePush{}
	d := newDispatcher(store, push, &fakeEmail{})

	dispatch(d, "ana", "your_turn")

	assert.Len(t, push.all(), 1)
}

func TestInAppFailureDoesNotBlockPush(t *testing.T) {
	store := &fakeStore{
		prefs:  map[string]*Preferences{"ana": {UserID: "ana", PushEnabled: true, InAppEnabled: true}},
		tokens: map[string][]string{"ana": {"tok1"}},
	}
	inapp := &fakeInApp{err: errors.New("feed down")}
	push := &fakePush{}
	d := NewDispatcher(store, inapp, push, &fakeEmail{}, 1)

	dispatch(d, "ana", "your_turn")

	assert.Len(t, push.all(), 1)
}

func TestParseClock(t *testing.T) {
	m, ok := parseClock("07:30")
	assert.True(t, ok)
	assert.Equal(t, 450, m)

	_, ok = parseClock("")
	assert.False(t, ok)
	_, ok = parseClock("25:00")
	assert.False(t, ok)
	_, ok = parseClock("7")
	assert.False(t, ok)
}
