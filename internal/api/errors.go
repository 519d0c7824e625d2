package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/lakesync/internal/errs"
)

// ErrorBody is the wire form of every non-2xx response.
type ErrorBody struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
}

// statusForKind maps a classified error to its HTTP status.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindAuth:
		return http.StatusUnauthorized
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case errs.KindClockDrift:
		return http.StatusConflict
	case errs.KindSchemaMismatch:
		return http.StatusUnprocessableEntity
	case errs.KindBackpressure:
		return http.StatusServiceUnavailable
	default:
		// KindConflict lands here; a row-mismatch resolve is a server bug.
		return http.StatusInternalServerError
	}
}

// WriteError writes the classified error as JSON. Server-side kinds
// are logged and surface a generic message; client-caused kinds keep
// their message so the caller can act on it.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusForKind(kind)
	msg := err.Error()
	if status >= 500 && kind != errs.KindBackpressure {
		slog.Error("request failed",
			"error", err,
			"kind", kind,
			"path", r.URL.Path,
			"method", r.Method,
		)
		msg = "Internal Server Error"
	}
	if kind == errs.KindBackpressure {
		w.Header().Set("Retry-After", "1")
	}
	writeErrorBody(w, status, ErrorBody{Error: msg, Kind: kind})
}

// WriteErrorKind writes a one-off error without constructing one.
func WriteErrorKind(w http.ResponseWriter, kind errs.Kind, msg string) {
	writeErrorBody(w, statusForKind(kind), ErrorBody{Error: msg, Kind: kind})
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
