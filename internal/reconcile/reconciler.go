// Package reconcile runs the background sweeps that keep games honest when
// players go quiet: deadline forfeits, stall forfeits, deadline warnings,
// live turn timeouts, paused-session cleanup, and terminal-row retention.
//
// Sweeps are deliberately dumb: the store lists candidate IDs, the duel and
// live services re-check everything under the row lock. A sweep firing twice,
// or on two pods at once, collapses to one effect through the services'
// idempotency log.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/skateduel/backend/internal/duel"
	"github.com/skateduel/backend/internal/live"
	"github.com/skateduel/backend/internal/metrics"
)

// Candidates lists rows that may need attention. *store.Postgres satisfies it.
type Candidates interface {
	ExpiredGameIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpiringGameIDs(ctx context.Context, now time.Time, window time.Duration, limit int) ([]string, error)
	StalledGameIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	PausedSessionIDs(ctx context.Context, limit int) ([]string, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DuelSweeps is the slice of the duel service the reconciler drives.
type DuelSweeps interface {
	ExpireDeadline(ctx context.Context, gameID string) (*duel.Result, error)
	ExpireStalled(ctx context.Context, gameID string) (*duel.Result, error)
	WarnDeadline(ctx context.Context, gameID string) (*duel.Result, error)
}

// LiveSweeps is the slice of the live service the reconciler drives.
type LiveSweeps interface {
	ExpireTurn(ctx context.Context, sessionID string) (*live.Result, error)
	SweepPaused(ctx context.Context, sessionID string) (*live.Result, error)
}

// Dedup is an optional TTL-mark store (Redis) that pre-filters warning
// candidates so repeated sweeps skip games already warned this cooldown.
// The warning_sent_at column stays authoritative; this only saves row locks.
type Dedup interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Config holds the sweep cadence knobs.
type Config struct {
	Interval      time.Duration // sweep tick, default 30s
	BatchSize     int           // max rows per concern per tick
	WarnWindow    time.Duration // how far ahead of the deadline warnings fire
	GameHardCap   time.Duration // stalled-game cutoff, must match the duel config
	WarnCooldown  time.Duration // TTL on the Redis warn mark
	RetentionAge  time.Duration // terminal rows older than this get purged
	PurgeInterval time.Duration // how often the purge runs, default 24h
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.WarnWindow <= 0 {
		c.WarnWindow = time.Hour
	}
	if c.GameHardCap <= 0 {
		c.GameHardCap = 7 * 24 * time.Hour
	}
	if c.WarnCooldown <= 0 {
		c.WarnCooldown = 30 * time.Minute
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 90 * 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	return c
}

// Reconciler owns the sweep loop.
type Reconciler struct {
	db     Candidates
	duels  DuelSweeps
	lives  LiveSweeps
	dedup  Dedup // nil skips the pre-filter
	cfg    Config
	stopCh chan struct{}
	logger *log.Logger
	now    func() time.Time

	// Metrics is an optional sink; nil disables it.
	Metrics *metrics.Metrics
}

// New creates a reconciler. Call Start to begin sweeping.
func New(db Candidates, duels DuelSweeps, lives LiveSweeps, dedup Dedup, cfg Config) *Reconciler {
	return &Reconciler{
		db:     db,
		duels:  duels,
		lives:  lives,
		dedup:  dedup,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Start launches the sweep loop in a goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop. Safe to call once.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer ticker.Stop()
	defer purge.Stop()

	r.logger.Printf("Started (interval=%s, batch=%d, warn_window=%s)",
		r.cfg.Interval, r.cfg.BatchSize, r.cfg.WarnWindow)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
			r.Sweep(ctx)
			cancel()
		case <-purge.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			r.Purge(ctx)
			cancel()
		case <-r.stopCh:
			r.logger.Println("Stopped")
			return
		}
	}
}

// Sweep runs every concern once. Exposed for the cron HTTP endpoints, which
// trigger the same work on schedulers that prefer external ticks.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.sweepExpiredGames(ctx)
	r.sweepWarnings(ctx)
	r.sweepStalledGames(ctx)
	r.sweepLiveTurns(ctx)
	r.sweepPausedSessions(ctx)
}

func (r *Reconciler) sweepExpiredGames(ctx context.Context) {
	ids, err := r.db.ExpiredGameIDs(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		r.logger.Printf("expired-game scan failed: %v", err)
		return
	}
	for _, id := range ids {
		res, err := r.duels.ExpireDeadline(ctx, id)
		if err != nil {
			r.logger.Printf("expire game %s: %v", id, err)
			continue
		}
		if !res.AlreadyProcessed {
			r.Metrics.SweepAction("expire")
			r.logger.Printf("game %s forfeited on deadline, winner=%s", id, res.WinnerID)
		}
	}
}

func (r *Reconciler) sweepWarnings(ctx context.Context) {
	ids, err := r.db.ExpiringGameIDs(ctx, r.now(), r.cfg.WarnWindow, r.cfg.BatchSize)
	if err != nil {
		r.logger.Printf("warning scan failed: %v", err)
		return
	}
	for _, id := range ids {
		if r.dedup != nil {
			ok, err := r.dedup.SetNX(ctx, "skate:warned:"+id, []byte("1"), r.cfg.WarnCooldown)
			if err == nil && !ok {
				continue // warned recently, skip the row lock
			}
		}
		res, err := r.duels.WarnDeadline(ctx, id)
		if err != nil {
			r.logger.Printf("warn game %s: %v", id, err)
			continue
		}
		if !res.AlreadyProcessed {
			r.Metrics.SweepAction("warn")
		}
	}
}

func (r *Reconciler) sweepStalledGames(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.GameHardCap)
	ids, err := r.db.StalledGameIDs(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.logger.Printf("stalled scan failed: %v", err)
		return
	}
	for _, id := range ids {
		res, err := r.duels.ExpireStalled(ctx, id)
		if err != nil {
			r.logger.Printf("expire stalled game %s: %v", id, err)
			continue
		}
		if !res.AlreadyProcessed {
			r.Metrics.SweepAction("stall")
			r.logger.Printf("game %s closed at hard cap, winner=%s", id, res.WinnerID)
		}
	}
}

func (r *Reconciler) sweepLiveTurns(ctx context.Context) {
	ids, err := r.db.ExpiredSessionIDs(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		r.logger.Printf("live-turn scan failed: %v", err)
		return
	}
	for _, id := range ids {
		res, err := r.lives.ExpireTurn(ctx, id)
		if err != nil {
			r.logger.Printf("expire live turn %s: %v", id, err)
			continue
		}
		if !res.AlreadyProcessed {
			r.Metrics.SweepAction("live_expire")
		}
	}
}

func (r *Reconciler) sweepPausedSessions(ctx context.Context) {
	ids, err := r.db.PausedSessionIDs(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Printf("paused scan failed: %v", err)
		return
	}
	for _, id := range ids {
		res, err := r.lives.SweepPaused(ctx, id)
		if err != nil {
			r.logger.Printf("sweep paused session %s: %v", id, err)
			continue
		}
		if !res.AlreadyProcessed {
			r.Metrics.SweepAction("paused")
		}
	}
}

// Purge deletes terminal rows past the retention age.
func (r *Reconciler) Purge(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.RetentionAge)
	n, err := r.db.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		r.logger.Printf("purge failed: %v", err)
		return
	}
	if n > 0 {
		r.logger.Printf("purged %d terminal games older than %s", n, cutoff.Format(time.RFC3339))
	}
}
