package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/charmbracelet/log"

	"github.com/duckbridge/duckbridge/pkg/challenge"
	"github.com/duckbridge/duckbridge/pkg/translate"
	"github.com/duckbridge/duckbridge/pkg/upstream"
)

// All failures leave the API as an OpenAI-shaped error envelope, never a
// bare message or stack trace.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "", message)
}

// writeBridgeError maps the bridge failure taxonomy onto HTTP. Nothing is
// retried here: whatever the bridge surfaced goes straight to the caller.
func writeBridgeError(w http.ResponseWriter, err error) {
	var rateLimited *upstream.RateLimitedError
	switch {
	case errors.Is(err, context.Canceled):
		// Client went away; there is nobody left to answer.
		return
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateLimited.RetryAfter.Seconds())))
		writeAPIError(w, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", rateLimited.Error())
	case errors.Is(err, translate.ErrBadRole):
		writeValidationError(w, err.Error())
	case errors.Is(err, challenge.ErrUnavailable),
		errors.Is(err, challenge.ErrFormatChanged):
		log.Error("challenge failure", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "", err.Error())
	default:
		log.Error("upstream failure", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
