package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/skateduel/backend/internal/fault"
	"github.com/skateduel/backend/internal/reconcile"
)

// Cron serves the scheduler callbacks. The batch endpoints mirror the
// reconciler's sweeps for deployments that tick from Cloud Scheduler instead
// of the in-process loop; the single-row endpoints are Cloud Tasks targets
// enqueued at exact deadlines. All of them funnel into the same service
// methods, so a sweep and a task racing on one game collapse to one effect.
type Cron struct {
	db    reconcile.Candidates
	duels reconcile.DuelSweeps
	lives reconcile.LiveSweeps

	batchSize    int
	warnWindow   time.Duration
	gameHardCap  time.Duration
	retentionAge time.Duration
	now          func() time.Time
}

func NewCron(db reconcile.Candidates, duels reconcile.DuelSweeps, lives reconcile.LiveSweeps, cfg reconcile.Config) *Cron {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = time.Hour
	}
	if cfg.GameHardCap <= 0 {
		cfg.GameHardCap = 7 * 24 * time.Hour
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = 90 * 24 * time.Hour
	}
	return &Cron{
		db:    db,
		duels: duels,
		lives: lives,

		batchSize:    cfg.BatchSize,
		warnWindow:   cfg.WarnWindow,
		gameHardCap:  cfg.GameHardCap,
		retentionAge: cfg.RetentionAge,
		now:          time.Now,
	}
}

// ForfeitExpired handles POST /cron/forfeit-expired-games. Covers both
// deadline expiry and the hard cap on total game age.
func (c *Cron) ForfeitExpired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	forfeited := 0

	ids, err := c.db.ExpiredGameIDs(ctx, c.now(), c.batchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, id := range ids {
		res, err := c.duels.ExpireDeadline(ctx, id)
		if err != nil {
			slog.Warn("cron expire game failed", "game_id", id, "error", err)
			continue
		}
		if !res.AlreadyProcessed {
			forfeited++
		}
	}

	stalled, err := c.db.StalledGameIDs(ctx, c.now().Add(-c.gameHardCap), c.batchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, id := range stalled {
		res, err := c.duels.ExpireStalled(ctx, id)
		if err != nil {
			slog.Warn("cron expire stalled game failed", "game_id", id, "error", err)
			continue
		}
		if !res.AlreadyProcessed {
			forfeited++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"forfeited": forfeited})
}

// DeadlineWarnings handles POST /cron/deadline-warnings.
func (c *Cron) DeadlineWarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := c.db.ExpiringGameIDs(ctx, c.now(), c.warnWindow, c.batchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	notified := 0
	for _, id := range ids {
		res, err := c.duels.WarnDeadline(ctx, id)
		if err != nil {
			slog.Warn("cron deadline warning failed", "game_id", id, "error", err)
			continue
		}
		if !res.AlreadyProcessed {
			notified++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notified": notified})
}

// CleanupSessions handles POST /cron/cleanup-sessions. Closes out paused live
// sessions whose reconnect windows lapsed, then purges terminal rows past the
// retention age.
func (c *Cron) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deleted := 0

	ids, err := c.db.PausedSessionIDs(ctx, c.batchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, id := range ids {
		res, err := c.lives.SweepPaused(ctx, id)
		if err != nil {
			slog.Warn("cron sweep paused session failed", "session_id", id, "error", err)
			continue
		}
		if !res.AlreadyProcessed {
			deleted++
		}
	}

	purged, err := c.db.DeleteTerminalBefore(ctx, c.now().Add(-c.retentionAge))
	if err != nil {
		writeError(w, err)
		return
	}
	deleted += int(purged)

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// ExpireGame handles POST /cron/expire-game?id=. Cloud Tasks enqueues one of
// these per turn deadline; the service re-checks the deadline under the row
// lock, so an early or duplicate task is a no-op.
func (c *Cron) ExpireGame(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, fault.Reject(fault.KindValidation, fault.ReasonValidation, "missing game id"))
		return
	}
	res, err := c.duels.ExpireDeadline(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forfeited": !res.AlreadyProcessed})
}

// ExpireSession handles POST /cron/expire-session?id=, the live-turn analogue.
func (c *Cron) ExpireSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, fault.Reject(fault.KindValidation, fault.ReasonValidation, "missing session id"))
		return
	}
	res, err := c.lives.ExpireTurn(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": !res.AlreadyProcessed})
}
