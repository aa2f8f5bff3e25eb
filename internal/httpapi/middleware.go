// Package httpapi is the REST surface for the async duel variant plus the
// cron endpoints the scheduler and Cloud Tasks call back into.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

type ctxKey int

const userKey ctxKey = iota

// Auth requires a user identity on the request. The edge proxy verifies the
// session token and forwards the subject in X-User-ID; this service trusts
// that header only from the proxy network.
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

// UserID returns the authenticated user from the request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// CronAuth guards the cron endpoints with a shared secret. The config holds
// a bcrypt hash, never the secret itself; callers send the plaintext in
// X-Cron-Secret.
func CronAuth(secretHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secretHash == "" {
				slog.Warn("cron secret not configured, rejecting cron call")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			secret := r.Header.Get("X-Cron-Secret")
			if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS handles browser preflight for the app origins.
func CORS(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Event-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
