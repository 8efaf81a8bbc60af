package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/smartcoop/coop-simulator/internal/gateway"
	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/module/camera"
	"github.com/smartcoop/coop-simulator/internal/module/chickens"
	"github.com/smartcoop/coop-simulator/internal/module/feeder"
	"github.com/smartcoop/coop-simulator/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps a module or session error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chickens.ErrNotFound),
		errors.Is(err, chickens.ErrUnknownTag),
		errors.Is(err, camera.ErrSnapshotNotFound),
		errors.Is(err, gateway.ErrNoPendingRequest),
		errors.Is(err, gateway.ErrUnknownCamera),
		errors.Is(err, session.ErrUnknownModule):
		writeNotFound(w, err.Error())
	case errors.Is(err, chickens.ErrMissingFields),
		errors.Is(err, feeder.ErrInvalidAmount),
		errors.Is(err, camera.ErrNoImage):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, chickens.ErrDuplicateTag),
		errors.Is(err, chickens.ErrWrongSide),
		errors.Is(err, feeder.ErrAlreadyDispensing),
		errors.Is(err, camera.ErrNotPaired),
		errors.Is(err, camera.ErrSnapshotNotPending),
		errors.Is(err, module.ErrUnsupportedModule):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, module.ErrNotConnected),
		errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
