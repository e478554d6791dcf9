package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// maxAuthBodySize bounds auth request bodies. Credentials and codes are
// small; anything larger is garbage.
const maxAuthBodySize = 4 << 10

// decodeJSON decodes a bounded JSON body, writing the error response itself
// on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// Login handles POST /auth/login. Login attempts carry their own stricter
// per-IP budget on top of the pipeline limiter; a successful login cancels
// its hit so legitimate users are not penalized for traffic volume.
func (g *Gateway) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := g.clientIP(r)
	dec := g.loginLimiter.Check(clientIP)
	if !dec.Allowed {
		g.audit.log(AuditRateLimited, r, slog.String("client_ip", clientIP),
			slog.String("scope", "login"))
		w.Header().Set("Retry-After", retryAfterString(dec.ResetAt.Sub(g.clock.Now())))
		mapError(w, ErrRateLimited)
		return
	}

	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	userID, valid, err := g.credentials.Verify(r.Context(), req.Username, req.Password)
	if err != nil {
		g.audit.log(AuditStoreUnavailable, r, slog.String("error", err.Error()))
		mapError(w, ErrStoreUnavailable)
		return
	}
	if !valid {
		g.audit.log(AuditLoginFailure, r, slog.String("client_ip", clientIP))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	rec, err := g.issueSession(w, r, userID)
	if err != nil {
		mapError(w, err)
		return
	}

	csrfToken, err := g.csrf.Issue(rec.ID)
	if err != nil {
		g.logger.Error("csrf issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeCSRFCookie(w, r, csrfToken)

	// Authentication succeeded: this attempt should not count against the
	// login budget.
	dec.Hit.Cancel()

	g.audit.logSession(AuditLoginSuccess, r, rec.ID, slog.String("user_id", userID))
	writeJSON(w, http.StatusOK, LoginResponse{
		UserID:    userID,
		ExpiresAt: rec.ExpiresAt.UTC().Format(time.RFC3339),
		CSRFToken: csrfToken,
	})
}

// TwoFactorVerify handles POST /auth/2fa/verify. The attempt throttle is
// consulted first; while locked, the code is never evaluated and the
// response names the wait so the user understands it is time-based.
func (g *Gateway) TwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	req, ok := decodeJSON[TwoFactorVerifyRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	allowed, retryAfter := g.throttle.Allow(session.ID)
	if !allowed {
		g.audit.logSession(AuditTwoFactorLocked, r, session.ID)
		writeLocked(w, retryAfter)
		return
	}

	valid, err := g.secondFactor.Verify(r.Context(), session.UserID, req.Code)
	if err != nil {
		g.audit.log(AuditStoreUnavailable, r, slog.String("error", err.Error()))
		mapError(w, ErrStoreUnavailable)
		return
	}
	if !valid {
		locked, cooldown := g.throttle.Failure(session.ID)
		g.audit.logSession(AuditTwoFactorFailure, r, session.ID)
		if locked {
			g.audit.logSession(AuditTwoFactorLocked, r, session.ID)
			writeLocked(w, cooldown)
			return
		}
		mapError(w, ErrTwoFactorInvalidCode)
		return
	}

	g.throttle.Success(session.ID)

	// Privilege step-up: rotate the anti-forgery token.
	csrfToken, err := g.csrf.Rotate(session.ID)
	if err != nil {
		g.logger.Error("csrf rotate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeCSRFCookie(w, r, csrfToken)

	g.audit.logSession(AuditTwoFactorSuccess, r, session.ID)
	writeJSON(w, http.StatusOK, TwoFactorVerifyResponse{
		Verified:  true,
		CSRFToken: csrfToken,
	})
}

// writeLocked reports a lockout rejection. Distinct from "invalid code" so
// the caller knows the wait is time-based, not code-based.
func writeLocked(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "too many failed attempts; verification is locked",
		RetryAfter: secs,
	})
}

// Logout handles POST /auth/logout.
func (g *Gateway) Logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := SessionFromContext(r.Context()); ok {
		g.deleteSession(session.ID)
		g.csrf.Drop(session.ID)
		g.throttle.Success(session.ID)
		g.audit.logSession(AuditLogout, r, session.ID)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	writeJSON(w, http.StatusOK, struct{}{})
}

// SessionInfo handles GET /auth/session.
func (g *Gateway) SessionInfo(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, SessionInfoResponse{
		UserID:     session.UserID,
		CreatedAt:  session.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:  session.ExpiresAt.UTC().Format(time.RFC3339),
		LastSeenAt: session.LastSeenAt.UTC().Format(time.RFC3339),
	})
}

// CSRFToken handles GET /auth/csrf: re-delivers the current token for the
// session, minting the secret if the process restarted since login.
func (g *Gateway) CSRFToken(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	token, err := g.csrf.Issue(session.ID)
	if err != nil {
		g.logger.Error("csrf issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeCSRFCookie(w, r, token)
	writeJSON(w, http.StatusOK, CSRFTokenResponse{Token: token})
}
