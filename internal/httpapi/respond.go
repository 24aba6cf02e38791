package httpapi

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("httpapi: write response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps classified errors to HTTP status codes. A conflicting
// transition is reported as a bad request.
func statusFor(err error) int {
	switch {
	case apperr.IsValidation(err), apperr.IsConflict(err):
		return http.StatusBadRequest
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logError(r, err)
	}
	writeJSONError(w, status, apperr.Message(err))
}

func logError(r *http.Request, err error) {
	log.WithError(err).WithFields(log.Fields{
		"method":     r.Method,
		"url":        r.URL.String(),
		"request_id": RequestIDFrom(r.Context()),
	}).Error("request failed")
}
