package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/octolab-io/octolab/internal/orcherr"
)

// writeJSON writes v as an indent-free JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err against the orcherr sentinels and writes the
// matching status code and body. Anything unclassified is a 500 — the
// handler layer never invents its own error taxonomy on top of orcherr's.
func writeError(w http.ResponseWriter, err error) {
	var oe *orcherr.Error
	if !errors.As(err, &oe) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	switch {
	case errors.Is(oe, orcherr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(oe, orcherr.ErrInvalidName), errors.Is(oe, orcherr.ErrQuotaExceeded):
		writeJSON(w, http.StatusBadRequest, errBody(oe))
	case errors.Is(oe, orcherr.ErrTerminal):
		body := errBody(oe)
		body["error"] = "lab_terminal"
		writeJSON(w, http.StatusConflict, body)
	case errors.Is(oe, orcherr.ErrNotSealed):
		writeJSON(w, http.StatusConflict, errBody(oe))
	case errors.Is(oe, orcherr.ErrVerificationFailed):
		writeJSON(w, http.StatusUnprocessableEntity, errBody(oe))
	case errors.Is(oe, orcherr.ErrGatewayUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errBody(oe))
	case errors.Is(oe, orcherr.ErrPoolExhausted), errors.Is(oe, orcherr.ErrCleanupBlocked),
		errors.Is(oe, orcherr.ErrStaleImage), errors.Is(oe, orcherr.ErrTimeout),
		errors.Is(oe, orcherr.ErrRuntimeError):
		writeJSON(w, http.StatusInternalServerError, errBody(oe))
	default:
		writeJSON(w, http.StatusInternalServerError, errBody(oe))
	}
}

func errBody(oe *orcherr.Error) map[string]any {
	body := map[string]any{"error": oe.Message}
	if body["error"] == "" {
		body["error"] = oe.Kind.Error()
	}
	for k, v := range oe.Details {
		if k == "status" {
			body["status"] = v
		}
	}
	return body
}
