// Package httpapi is the dashboard-facing REST façade. It exposes the
// same domain operations as the radio dispatcher under /api/v1, using
// JSON bodies and HTTP auth (Basic against stored argon2id hashes, or a
// short-lived bearer token) instead of callsign admission.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/bbs"
)

// envelope is the standard JSON wrapper. Success responses carry the
// payload under "data"; errors carry a message and machine code under
// "error".
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes 200 with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes 201 with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

// ErrBadRequest writes a 400 error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrForbidden writes a 403 error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrInternal writes a 500 error response. The internal detail is not
// exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// domainError maps the service's sentinel errors onto HTTP responses.
// It mirrors the radio dispatcher's status table so both front ends
// behave identically.
func domainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var ve *bbs.ValidationError
	switch {
	case errors.As(err, &ve):
		ErrBadRequest(w, ve.Msg)
	case errors.Is(err, bbs.ErrUnauthorized):
		ErrUnauthorized(w)
	case errors.Is(err, bbs.ErrForbidden):
		ErrForbidden(w)
	case errors.Is(err, bbs.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, bbs.ErrJobsDisabled):
		ErrBadRequest(w, "jobs are disabled")
	default:
		logger.Error("handler failed", zap.Error(err))
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst, writing a 400 and
// returning false on failure so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
