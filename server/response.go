package server

import (
	"encoding/json"
	"net/http"

	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeText writes a plain text response
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// writeWrappedError logs err with context and writes its message.
// The status is derived from the error's sentinel when one is recognised.
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string, fallback int) {
	status := statusFor(err, fallback)
	wrapped := errors.Wrap(err, context)
	if status >= http.StatusInternalServerError {
		log.Errorw(context, "error", err, "status", status)
	} else {
		log.Debugw(context, "error", err, "status", status)
	}
	writeError(w, status, wrapped.Error())
}

// statusFor maps sentinel errors to HTTP status codes
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, errors.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errors.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrExtraction):
		return http.StatusInternalServerError
	default:
		return fallback
	}
}
