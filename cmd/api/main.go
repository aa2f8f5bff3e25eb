// The api binary serves the whole backend: the REST surface for async duels,
// the websocket gateway for live sessions, the cron callbacks, and the
// in-process reconciler. Horizontal scaling works because room membership and
// broadcast fan-out go through Redis; a single pod with no Redis configured
// falls back to in-memory equivalents for local development.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skateduel/backend/internal/analytics"
	"github.com/skateduel/backend/internal/config"
	"github.com/skateduel/backend/internal/directory"
	"github.com/skateduel/backend/internal/duel"
	"github.com/skateduel/backend/internal/gateway"
	"github.com/skateduel/backend/internal/httpapi"
	"github.com/skateduel/backend/internal/infra"
	"github.com/skateduel/backend/internal/live"
	"github.com/skateduel/backend/internal/metrics"
	"github.com/skateduel/backend/internal/notify"
	"github.com/skateduel/backend/internal/presence"
	"github.com/skateduel/backend/internal/reconcile"
	"github.com/skateduel/backend/internal/reputation"
	"github.com/skateduel/backend/internal/rooms"
	"github.com/skateduel/backend/internal/store"
	"github.com/skateduel/backend/internal/tasks"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if cfg.Server.Env == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	m := metrics.New()

	pg, err := store.Open(cfg.Database.URL)
	if err != nil {
		slog.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()
	if err := pg.EnsureSchema(ctx); err != nil {
		slog.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	// User directory. Supabase owns accounts; local dev runs without one.
	var dir interface {
		DisplayName(ctx context.Context, userID string) (string, error)
		RandomOpponent(ctx context.Context, exclude string) (string, error)
	}
	if os.Getenv("SUPABASE_URL") != "" {
		sb, err := directory.NewSupabase()
		if err != nil {
			slog.Error("supabase directory failed", "error", err)
			os.Exit(1)
		}
		dir = sb
	} else {
		slog.Warn("SUPABASE_URL not set, using static directory")
		dir = directory.NewStatic(nil)
	}

	// Redis backs room membership, cross-pod broadcast, and sweep dedup.
	// Without it, everything degrades to single-pod in-memory.
	var (
		roomStore rooms.Store
		bus       gateway.Bus
		dedup     reconcile.Dedup
		who       presence.Store
	)
	if cfg.Redis.Addr != "" {
		rc, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("redis connect failed", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		roomStore = rooms.NewRedisStore(rc, "skate:room:", 0)
		bus = gateway.NewRedisBus(rc, "skate:rooms")
		dedup = rc
		who = presence.NewRedisStore(rc, "skate:presence:", 0)
	} else {
		slog.Warn("REDIS_ADDR not set, rooms and broadcast are single-pod")
		roomStore = rooms.NewMemoryStore()
		bus = gateway.NewLocalBus()
		who = presence.NewMemoryStore(0)
	}

	hub, err := gateway.NewHub(roomStore, bus)
	if err != nil {
		slog.Error("gateway hub failed", "error", err)
		os.Exit(1)
	}
	hub.Presence = who
	hub.Metrics = m
	defer bus.Close()

	// Notifications. The dispatcher needs the Supabase preference store; the
	// push and email providers arrive via their own wiring and may be absent.
	var dispatcher *notify.Dispatcher
	if os.Getenv("SUPABASE_URL") != "" {
		prefs, err := notify.NewSupabaseStore()
		if err != nil {
			slog.Error("notify store failed", "error", err)
			os.Exit(1)
		}
		dispatcher = notify.NewDispatcher(prefs, prefs, nil, nil, 4)
		defer dispatcher.Close()
	}

	// Analytics: Pub/Sub in deployment, debug logs locally.
	var emitter duel.Analytics = analytics.LogEmitter{}
	if cfg.Analytics.PubSubProject != "" {
		ps, err := analytics.NewPubSubEmitter(cfg.Analytics.PubSubProject, cfg.Analytics.PubSubTopic)
		if err != nil {
			slog.Error("pubsub emitter failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		emitter = ps
	}

	// Exact-time deadline callbacks. Nil scheduler leaves the reconciler as
	// the only expiry path.
	var scheduler *tasks.Scheduler
	if cfg.Tasks.Project != "" {
		scheduler, err = tasks.NewScheduler(cfg.Tasks.Project, cfg.Tasks.Location,
			cfg.Tasks.Queue, cfg.Tasks.TargetBase, os.Getenv("CRON_SECRET"))
		if err != nil {
			slog.Error("cloud tasks failed", "error", err)
			os.Exit(1)
		}
		defer scheduler.Close()
	}

	repStore, err := reputation.NewStoreFromEnv(pg.DB())
	if err != nil {
		slog.Error("reputation store failed", "error", err)
		os.Exit(1)
	}
	defer repStore.Close()

	duelSvc := duel.NewService(pg, dir, duel.Config{
		TurnDeadline:        cfg.Duel.TurnDeadline,
		MaxVideoDurationMs:  cfg.Duel.MaxVideoDurationMs,
		MaxTrickDescription: cfg.Duel.MaxTrickDescription,
		GameHardCap:         cfg.Duel.GameHardCap,
		WarningCooldown:     cfg.Duel.WarningCooldown,
		TrustedVideoHosts:   cfg.Duel.TrustedVideoHosts,
	})
	duelSvc.Rooms = hub
	duelSvc.Analytics = emitter
	duelSvc.Deadlines = scheduler
	duelSvc.Reputation = repStore
	duelSvc.Metrics = m
	if dispatcher != nil {
		duelSvc.Notifier = dispatcher
	}

	liveSvc := live.NewService(pg, dir, live.Config{
		MaxPlayers:          cfg.Live.MaxPlayers,
		TurnDeadline:        cfg.Live.TurnDeadline,
		ReconnectWindow:     cfg.Live.ReconnectWindow,
		MaxTrickDescription: cfg.Live.MaxTrickDescription,
	})
	liveSvc.Rooms = hub
	liveSvc.Deadlines = scheduler
	liveSvc.Metrics = m

	reconciler := reconcile.New(pg, duelSvc, liveSvc, dedup, reconcile.Config{
		Interval:     cfg.Sweep.Interval,
		BatchSize:    cfg.Sweep.BatchSize,
		WarnWindow:   cfg.Sweep.WarnWindow,
		GameHardCap:  cfg.Duel.GameHardCap,
		WarnCooldown: cfg.Duel.WarningCooldown,
		RetentionAge: cfg.Sweep.RetentionAge,
	})
	reconciler.Metrics = m
	reconciler.Start()
	defer reconciler.Stop()

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Duel: duelSvc,
		Cron: httpapi.NewCron(pg, duelSvc, liveSvc, reconcile.Config{
			BatchSize:    cfg.Sweep.BatchSize,
			WarnWindow:   cfg.Sweep.WarnWindow,
			GameHardCap:  cfg.Duel.GameHardCap,
			RetentionAge: cfg.Sweep.RetentionAge,
		}),
		WS:             gateway.Handler(hub, liveSvc),
		Metrics:        m,
		CronSecretHash: cfg.Server.CronSecret,
		AllowedOrigin:  os.Getenv("CORS_ORIGIN"),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		slog.Info("shutdown signal received")

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("skate backend listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
