package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/repository"
	"github.com/jbweber/homelab/remu/internal/scheduler"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps store and scheduler errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, scheduler.ErrSessionNotFound),
		errors.Is(err, scheduler.ErrWorkshopNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, scheduler.ErrWorkshopDisabled):
		return http.StatusConflict
	case errors.Is(err, repository.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrUnitOperationFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error())
}
