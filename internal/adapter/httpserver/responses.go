// Package httpserver is the admission gateway's HTTP surface: job
// submission and reads, the cleanup endpoint, health/readiness, and the
// per-job SSE progress stream.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ok writes a success envelope. extra fields merge into the body next to
// success and timestamp.
func ok(w http.ResponseWriter, status int, extra map[string]any) {
	body := map[string]any{
		"success":   true,
		"timestamp": domain.NowMS(),
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		msg = err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		msg = "not found"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		msg = "conflict"
	}
	writeJSON(w, status, map[string]any{
		"success":   false,
		"error":     msg,
		"timestamp": domain.NowMS(),
	})
}
