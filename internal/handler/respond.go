package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/starstore/internal/workflow"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "invalid_input", msg)
}

// decodeJSON reads a JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func parseIDParam(r *http.Request) (int64, error) {
	idStr := r.PathValue("id")
	return strconv.ParseInt(idStr, 10, 64)
}

// statusFor maps workflow sentinel errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrRequestNotPending),
		errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrCouponNotIssued):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrNotActive),
		errors.Is(err, workflow.ErrSoldOut),
		errors.Is(err, workflow.ErrInsufficientBalance),
		errors.Is(err, workflow.ErrOutOfScope):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeServiceError reports a catalog error. Domain errors carry their
// message and code; anything else is logged and hidden behind "failed to
// <what>".
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, what string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "failed to "+what, "error", err)
		writeError(w, status, "internal", "failed to "+what)
		return
	}
	writeError(w, status, workflow.Code(err), err.Error())
}
