// Package metrics registers the Prometheus instruments the service exports
// on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument. One instance per process.
type Metrics struct {
	// Duel flow
	GamesCreated   prometheus.Counter
	TurnsSubmitted *prometheus.CounterVec // type: set, response
	Judgments      *prometheus.CounterVec // result: landed, missed
	Disputes       *prometheus.CounterVec // outcome: filed, upheld, denied
	GamesFinished  *prometheus.CounterVec // reason: elimination, forfeit, timeout, hard_cap

	// Live flow
	LiveSessions  *prometheus.CounterVec // phase: created, started, completed
	LiveTurnTime  prometheus.Histogram
	SocketsActive prometheus.Gauge

	// Sweeps
	SweepActions *prometheus.CounterVec // kind: expire, warn, stall, live_expire, paused

	// HTTP surface
	HTTPDuration *prometheus.HistogramVec // route, method, status
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all instruments on the given registry. Tests pass a
// fresh prometheus.NewRegistry so instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	promauto := promauto.With(reg)
	return &Metrics{
		GamesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "skate_games_created_total",
			Help: "Games created, either by direct challenge or quick match",
		}),
		TurnsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skate_turns_submitted_total",
			Help: "Turn clips submitted",
		}, []string{"type"}),
		Judgments: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skate_judgments_total",
			Help: "Set-turn judgments recorded",
		}, []string{"result"}),
		Disputes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skate_disputes_total",
			Help: "Dispute lifecycle events",
		}, []string{"outcome"}),
		GamesFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skate_games_finished_total",
			Help: "Games reaching a terminal state",
		}, []string{"reason"}),

		LiveSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skate_live_sessions_total",
			Help: "Live session lifecycle events",
		}, []string{"phase"}),
		LiveTurnTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "skate_live_turn_seconds",
			Help:    "Time a live player took to act",
			Buckets: []float64{5, 10, 20, 30, 60, 90, 120},
		}),
		SocketsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "skate_websocket_connections",
			Help: "Currently connected websockets on this pod",
		}),

		SweepActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "skate_sweep_actions_total",
			Help: "State changes applied by the reconciler",
		}, []string{"kind"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skate_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

// The recording helpers below are nil-safe so services can treat the metrics
// sink as optional, the same way they treat the broadcaster and notifier.

func (m *Metrics) GameCreated() {
	if m == nil {
		return
	}
	m.GamesCreated.Inc()
}

func (m *Metrics) TurnSubmitted(turnType string) {
	if m == nil {
		return
	}
	m.TurnsSubmitted.WithLabelValues(turnType).Inc()
}

func (m *Metrics) JudgmentRecorded(result string) {
	if m == nil {
		return
	}
	m.Judgments.WithLabelValues(result).Inc()
}

func (m *Metrics) DisputeEvent(outcome string) {
	if m == nil {
		return
	}
	m.Disputes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GameFinished(reason string) {
	if m == nil {
		return
	}
	m.GamesFinished.WithLabelValues(reason).Inc()
}

func (m *Metrics) LiveSessionPhase(phase string) {
	if m == nil {
		return
	}
	m.LiveSessions.WithLabelValues(phase).Inc()
}

func (m *Metrics) LiveTurnObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.LiveTurnTime.Observe(d.Seconds())
}

func (m *Metrics) SocketOpened() {
	if m == nil {
		return
	}
	m.SocketsActive.Inc()
}

func (m *Metrics) SocketClosed() {
	if m == nil {
		return
	}
	m.SocketsActive.Dec()
}

func (m *Metrics) SweepAction(kind string) {
	if m == nil {
		return
	}
	m.SweepActions.WithLabelValues(kind).Inc()
}

// statusRecorder captures the response code for the latency labels.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments an HTTP handler. route should be the pattern, not
// the raw path, to keep cardinality bounded.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
