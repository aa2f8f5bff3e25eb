package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skateduel/backend/internal/metrics"
)

// RouterDeps bundles everything the router wires up.
type RouterDeps struct {
	Duel           DuelAPI
	Cron           *Cron
	WS             http.HandlerFunc // nil skips the socket endpoint
	Metrics        *metrics.Metrics
	CronSecretHash string
	AllowedOrigin  string
}

// NewRouter assembles the full HTTP surface.
func NewRouter(d RouterDeps) *mux.Router {
	r := mux.NewRouter()

	if d.Metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				route := "unmatched"
				if cur := mux.CurrentRoute(req); cur != nil {
					if tpl, err := cur.GetPathTemplate(); err == nil {
						route = tpl
					}
				}
				d.Metrics.Middleware(route, next).ServeHTTP(w, req)
			})
		})
	}
	r.Use(CORS(d.AllowedOrigin))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if d.WS != nil {
		r.HandleFunc("/ws", d.WS)
	}

	games := r.PathPrefix("/games").Subrouter()
	games.Use(Auth)
	games.HandleFunc("/create", CreateGame(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/quick-match", QuickMatch(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/my-games", MyGames(d.Duel)).Methods(http.MethodGet)
	games.HandleFunc("/turns/{turnId}/judge", JudgeTurn(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/disputes/{id}/resolve", ResolveDispute(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/{id}/respond", RespondChallenge(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/{id}/turns", SubmitTurn(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/{id}/setter-bail", SetterBail(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/{id}/dispute", FileDispute(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/{id}/forfeit", ForfeitGame(d.Duel)).Methods(http.MethodPost)
	games.HandleFunc("/{id}", GetGame(d.Duel)).Methods(http.MethodGet)

	if d.Cron != nil {
		cron := r.PathPrefix("/cron").Subrouter()
		cron.Use(CronAuth(d.CronSecretHash))
		cron.HandleFunc("/forfeit-expired-games", d.Cron.ForfeitExpired).Methods(http.MethodPost)
		cron.HandleFunc("/deadline-warnings", d.Cron.DeadlineWarnings).Methods(http.MethodPost)
		cron.HandleFunc("/cleanup-sessions", d.Cron.CleanupSessions).Methods(http.MethodPost)
		cron.HandleFunc("/expire-game", d.Cron.ExpireGame).Methods(http.MethodPost)
		cron.HandleFunc("/expire-session", d.Cron.ExpireSession).Methods(http.MethodPost)
	}

	return r
}
