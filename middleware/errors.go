package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MrEthical07/authcore"
)

type errorBody struct {
	Error    string   `json:"error"`
	Message  string   `json:"message,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{authcore.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{authcore.ErrMalformedToken, http.StatusUnauthorized, "malformed_token"},
	{authcore.ErrInvalidSignature, http.StatusUnauthorized, "invalid_token"},
	{authcore.ErrExpired, http.StatusUnauthorized, "token_expired"},
	{authcore.ErrNotYetValid, http.StatusUnauthorized, "token_not_yet_valid"},
	{authcore.ErrUnsupportedTokenType, http.StatusUnauthorized, "unsupported_token_type"},
	{authcore.ErrBlacklisted, http.StatusUnauthorized, "token_revoked"},
	{authcore.ErrSessionRevoked, http.StatusUnauthorized, "session_revoked"},
	{authcore.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{authcore.ErrRefreshReuseDetected, http.StatusUnauthorized, "refresh_reuse_detected"},
	{authcore.ErrAccountLocked, http.StatusLocked, "account_locked"},
	{authcore.ErrAccountDisabled, http.StatusForbidden, "account_disabled"},
	{authcore.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{authcore.ErrStoreUnavailable, http.StatusServiceUnavailable, "unavailable"},
	{authcore.ErrEngineNotReady, http.StatusServiceUnavailable, "unavailable"},
}

// StatusFor returns the HTTP status and stable error code for err.
// Unrecognised errors map to 500.
func StatusFor(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// WriteError writes err as a JSON error response. Locked accounts and
// store outages carry a Retry-After header. Internal errors are not echoed
// to the client.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)

	var locked *authcore.LockedError
	switch {
	case errors.As(err, &locked):
		secs := int(math.Ceil(locked.RetryAfter().Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case authcore.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusUnauthorized && code != "invalid_credentials" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}

	body := errorBody{Error: code}
	if status != http.StatusInternalServerError {
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

// WriteValidation writes a 400 response listing every failed field rule.
func WriteValidation(w http.ResponseWriter, messages []string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Messages: messages})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
