// Package notify delivers game notifications out of band: an in-app feed row,
// push to the player's devices, email for the handful of kinds worth
// interrupting for. Delivery is best effort and asynchronous; a worker pool
// drains a bounded queue so a slow provider never blocks a game commit.
package notify

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skateduel/backend/internal/breaker"
)

// highValueKinds also go to email when the player has email enabled.
var highValueKinds = map[string]bool{
	"challenge_received": true,
	"your_turn":          true,
	"game_over":          true,
}

// Preferences is a player's notification settings.
type Preferences struct {
	UserID       string `json:"user_id"`
	PushEnabled  bool   `json:"push_enabled"`
	EmailEnabled bool   `json:"email_enabled"`
	InAppEnabled bool   `json:"inapp_enabled"`
	Email        string `json:"email,omitempty"`
	// Per-kind toggles. A kind absent from the map is enabled; an explicit
	// false mutes every channel for that kind.
	Categories map[string]bool `json:"categories,omitempty"`
	// Quiet hours in the player's local time, "HH:MM". Empty disables.
	QuietStart string `json:"quiet_hours_start,omitempty"`
	QuietEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// CategoryEnabled reports whether the player receives this kind at all.
func (p *Preferences) CategoryEnabled(kind string) bool {
	if p.Categories == nil {
		return true
	}
	enabled, ok := p.Categories[kind]
	return !ok || enabled
}

// permissiveDefaults stands in when the preference store is unreachable or
// the player has no row.
func permissiveDefaults(userID string) *Preferences {
	return &Preferences{UserID: userID, PushEnabled: true, InAppEnabled: true}
}

// PrefStore reads player notification settings and device tokens.
type PrefStore interface {
	Preferences(ctx context.Context, userID string) (*Preferences, error)
	PushTokens(ctx context.Context, userID string) ([]string, error)
}

// InAppStore persists a notification row for the in-app feed.
type InAppStore interface {
	SaveInApp(ctx context.Context, userID, kind string, data map[string]any) error
}

// PushSender delivers one push message to one device token.
type PushSender interface {
	SendPush(ctx context.Context, token, kind string, data map[string]any) error
}

// EmailSender delivers one email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, kind string, data map[string]any) error
}

type job struct {
	userID string
	kind   string
	data   map[string]any
}

// Dispatcher fans notifications out through a background worker pool. It
// satisfies the duel service's Notifier interface.
type Dispatcher struct {
	prefs  PrefStore
	inapp  InAppStore
	push   PushSender
	email  EmailSender
	brk    *breaker.Breaker
	queue  chan *job
	wg     sync.WaitGroup
	logger *log.Logger
	now    func() time.Time
}

// NewDispatcher starts the worker pool. inapp, push, or email may be nil to
// disable that channel.
func NewDispatcher(prefs PrefStore, inapp InAppStore, push PushSender, email EmailSender, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		prefs:  prefs,
		inapp:  inapp,
		push:   push,
		email:  email,
		brk:    breaker.New(breaker.DefaultConfig("notify-prefs")),
		queue:  make(chan *job, 1000),
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		now:    time.Now,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues a notification. Never blocks; a full queue drops.
func (d *Dispatcher) Notify(ctx context.Context, userID, kind string, data map[string]any) {
	select {
	case d.queue <- &job{userID: userID, kind: kind, data: data}:
	default:
		d.logger.Printf("queue full, dropping %s for %s", kind, userID)
	}
}

// Close drains the queue and stops the workers.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

// deliver fans one notification out. The channels fail independently: a
// failed in-app write never blocks push, a failed push never blocks email.
func (d *Dispatcher) deliver(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefs := d.loadPrefs(ctx, j.userID)
	if !prefs.CategoryEnabled(j.kind) {
		d.logger.Printf("category %s muted by %s, skipping", j.kind, j.userID)
		return
	}

	// The in-app feed is the durable record; quiet hours never suppress it.
	if prefs.InAppEnabled && d.inapp != nil {
		if err := d.inapp.SaveInApp(ctx, j.userID, j.kind, j.data); err != nil {
			d.logger.Printf("in-app %s for %s failed: %v", j.kind, j.userID, err)
		}
	}

	// Quiet hours silence the interrupting channels, push and email both.
	if d.inQuietHours(prefs) {
		return
	}

	if prefs.PushEnabled && d.push != nil {
		tokens, err := d.prefs.PushTokens(ctx, j.userID)
		if err != nil {
			d.logger.Printf("token lookup failed for %s: %v", j.userID, err)
		}
		for _, tok := range tokens {
			if err := d.push.SendPush(ctx, tok, j.kind, j.data); err != nil {
				d.logger.Printf("push %s to %s failed: %v", j.kind, j.userID, err)
			}
		}
	}

	if prefs.EmailEnabled && prefs.Email != "" && d.email != nil && highValueKinds[j.kind] {
		if err := d.email.SendEmail(ctx, prefs.Email, j.kind, j.data); err != nil {
			d.logger.Printf("email %s to %s failed: %v", j.kind, j.userID, err)
		}
	}
}

// loadPrefs fetches settings through the breaker. When the store is down or
// the breaker is open, delivery proceeds with permissive defaults rather than
// going silent.
func (d *Dispatcher) loadPrefs(ctx context.Context, userID string) *Preferences {
	var prefs *Preferences
	err := d.brk.Execute(ctx, func(ctx context.Context) error {
		p, err := d.prefs.Preferences(ctx, userID)
		if err != nil {
			return err
		}
		prefs = p
		return nil
	})
	if err != nil || prefs == nil {
		if err != nil {
			d.logger.Printf("prefs lookup failed for %s, using defaults: %v", userID, err)
		}
		return permissiveDefaults(userID)
	}
	return prefs
}

// inQuietHours reports whether the player's local clock is inside their
// quiet window. The window may wrap midnight (22:00 to 07:00).
func (d *Dispatcher) inQuietHours(p *Preferences) bool {
	start, okS := parseClock(p.QuietStart)
	end, okE := parseClock(p.QuietEnd)
	if !okS || !okE || start == end {
		return false
	}

	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	now := d.now().In(loc)
	cur := now.Hour()*60 + now.Minute()

	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
