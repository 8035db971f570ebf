package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"veil/internal/store"
	"veil/internal/validate"
)

// payload is the loose response body shape; success is always present.
type payload map[string]any

func writeJSON(w http.ResponseWriter, status int, body payload) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeSuccess renders {"success": true, ...fields}.
func writeSuccess(w http.ResponseWriter, status int, fields payload) {
	body := payload{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writeError renders {"success": false, "error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, payload{"success": false, "error": msg})
}

// writeOpError maps repository and validation failures onto the response
// contract. Backend details are logged, never echoed.
func writeOpError(log *slog.Logger, w http.ResponseWriter, err error) {
	switch {
	case validate.IsFieldError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case store.IsInvariant(err):
		writeError(w, http.StatusBadRequest, opMessage(err))
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, opMessage(err))
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, opMessage(err))
	default:
		log.Error("http.op.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// opMessage extracts the client-facing message of a repository failure.
func opMessage(err error) string {
	var oe store.OpError
	if errors.As(err, &oe) {
		return oe.Message()
	}
	return err.Error()
}
