package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/skateduel/backend/internal/fault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError maps a fault onto the HTTP status the surface documents.
// Conflicts (wrong phase, already judged, deadline passed) surface as 400
// because the client state is stale, not the request malformed in transit.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindConflict:
		status = http.StatusBadRequest
	case fault.KindUnauthorized:
		status = http.StatusUnauthorized
	case fault.KindForbidden:
		status = http.StatusForbidden
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindRateLimited:
		status = http.StatusTooManyRequests
	case fault.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	body := map[string]any{
		"error":   err.Error(),
		"message": err.Error(),
	}
	if reason := fault.ReasonOf(err); reason != "" {
		body["code"] = string(reason)
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fault.Reject(fault.KindValidation, fault.ReasonValidation, "invalid JSON body"))
		return false
	}
	return true
}
