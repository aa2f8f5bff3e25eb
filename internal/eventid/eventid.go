// Package eventid derives deterministic event IDs for state-mutating
// operations and maintains the bounded per-session idempotency log.
//
// The ID is a function of (operation, session, actor, sequence key). The
// sequence key is whatever makes a retried client intent collapse onto the
// same ID: the current deadline timestamp for timeouts, the disconnect
// timestamp for disconnect forfeits, a client-supplied key otherwise. A
// transaction that sees its own ID in the log returns the current state with
// an already-processed flag instead of writing twice.
package eventid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MaxProcessedEvents bounds the per-session idempotency log. Oldest entries
// are evicted first.
const MaxProcessedEvents = 100

// New derives a deterministic event ID. Retries with the same inputs yield
// the same ID.
func New(op, sessionID, actorID, seqKey string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{op, sessionID, actorID, seqKey}, ":")))
	return hex.EncodeToString(sum[:16])
}

// ForDeadline builds the sequence key used by timeout-driven operations, so
// two reconciler ticks racing over the same expired deadline produce the
// same event ID.
func ForDeadline(op, sessionID string, deadline time.Time) string {
	return New(op, sessionID, "system", deadline.UTC().Format(time.RFC3339Nano))
}

// Seen reports whether id was already processed.
func Seen(log []string, id string) bool {
	for _, v := range log {
		if v == id {
			return true
		}
	}
	return false
}

// Append adds id to the log, preserving insertion order and uniqueness, and
// truncates to the newest MaxProcessedEvents entries.
func Append(log []string, id string) []string {
	if Seen(log, id) {
		return log
	}
	log = append(log, id)
	if len(log) > MaxProcessedEvents {
		log = log[len(log)-MaxProcessedEvents:]
	}
	return log
}
