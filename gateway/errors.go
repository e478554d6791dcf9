package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Terminal request outcomes. The gateway never retries a failed check; each
// of these ends the current request.
var (
	ErrInvalidSession       = errors.New("invalid_session")
	ErrExpiredSession       = errors.New("expired_session")
	ErrStoreUnavailable     = errors.New("store_unavailable")
	ErrCSRFMismatch         = errors.New("csrf_mismatch")
	ErrCSRFMissing          = errors.New("csrf_missing")
	ErrRateLimited          = errors.New("rate_limited")
	ErrTwoFactorLocked      = errors.New("two_factor_locked")
	ErrTwoFactorInvalidCode = errors.New("two_factor_invalid_code")
)

// ErrorResponse is returned for all error cases. RetryAfter is populated only
// for rate-limit and lockout rejections so clients can self-correct.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates a gateway error into its HTTP response. Auth and CSRF
// failures share generic messages so a caller cannot distinguish which check
// failed.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidSession), errors.Is(err, ErrExpiredSession):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, ErrCSRFMismatch), errors.Is(err, ErrCSRFMissing):
		writeError(w, http.StatusForbidden, "request could not be validated")
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTwoFactorLocked):
		writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
	case errors.Is(err, ErrTwoFactorInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid code")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
