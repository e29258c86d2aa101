package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// errorCode is the stable, client-facing failure taxonomy. Codes are
// deliberately coarse: INVALID_OTP covers every verification failure so a
// caller cannot distinguish wrong digits from an exhausted or absent code.
type errorCode string

const (
	codeValidationError errorCode = "VALIDATION_ERROR"
	codeRateLimited     errorCode = "RATE_LIMITED"
	codeInvalidOTP      errorCode = "INVALID_OTP"
	codeInvalidToken    errorCode = "INVALID_TOKEN"
	codeUserNotFound    errorCode = "USER_NOT_FOUND"
	codeUserInactive    errorCode = "USER_INACTIVE"
	codeUnauthorized    errorCode = "UNAUTHORIZED"
	codeInternalError   errorCode = "INTERNAL_ERROR"
)

type apiError struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func respondData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: true, Message: message})
}

func respondError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("encode response failed")
	}
}
