package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"garage/backend/internal/domain"
	"garage/backend/internal/service/appointments"
	"garage/backend/internal/store"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, kind, msg string) {
	respondJSON(w, code, errorBody{Error: kind, Message: msg})
}

// respondServiceError maps a service error to a status code and logs it at
// the level its cause deserves.
func respondServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error, attrs ...any) {
	args := append([]any{slog.Any("err", err)}, attrs...)

	var vErr *appointments.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", args...)
		respondError(w, http.StatusBadRequest, "invalid_argument", vErr.Error())
	case errors.Is(err, store.ErrNotFound):
		log.Info(op+" not found", args...)
		respondError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, store.ErrConflict):
		log.Info(op+" conflict", args...)
		respondError(w, http.StatusConflict, "scheduling_conflict", err.Error())
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info(op+" idempotency conflict", args...)
		respondError(w, http.StatusConflict, "idempotency_conflict", "This request key was already used for a different appointment. Try again.")
	case errors.Is(err, store.ErrCapacityExceeded):
		log.Info(op+" over capacity", args...)
		respondError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info(op+" rejected", args...)
		respondError(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(op+" timed out", args...)
		respondError(w, http.StatusServiceUnavailable, "timeout", "request timed out")
	default:
		log.Error(op+" failed", args...)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
