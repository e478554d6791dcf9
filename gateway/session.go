package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tbaxter/gatehouse/storage"
)

type contextKey int

const sessionContextKey contextKey = iota

const sessionCookieName = "gatehouse_session"

// AuthStatus classifies the outcome of session authentication.
type AuthStatus int

const (
	// Anonymous means no session token was presented.
	Anonymous AuthStatus = iota
	// Authenticated means the token resolved to a live session.
	Authenticated
	// RejectedAuth means a token was presented but did not resolve; the
	// Err field of AuthResult carries the reason.
	RejectedAuth
)

// AuthResult is the outcome of resolving a request's session cookie.
type AuthResult struct {
	Status  AuthStatus
	Session storage.SessionRecord
	Err     error
}

// hashToken computes the one-way hash under which session tokens are stored.
// The raw token is never persisted.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves the request's session cookie to an identity.
//
// The store lookup runs under a bounded timeout and fails closed: an
// unavailable store is a rejection, never Anonymous. An IP or user-agent
// drift against the stored binding is logged but does not invalidate the
// session; only expiry does.
func (g *Gateway) Authenticate(r *http.Request) AuthResult {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return AuthResult{Status: Anonymous}
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.storeTimeout)
	defer cancel()

	rec, err := g.repo.FindByTokenHash(ctx, hashToken(cookie.Value))
	if errors.Is(err, storage.ErrNotFound) {
		g.audit.log(AuditSessionInvalid, r)
		return AuthResult{Status: RejectedAuth, Err: ErrInvalidSession}
	}
	if err != nil {
		g.audit.log(AuditStoreUnavailable, r, slog.String("error", err.Error()))
		return AuthResult{Status: RejectedAuth, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
	}

	now := g.clock.Now()
	if rec.Expired(now) {
		g.audit.logSession(AuditSessionExpired, r, rec.ID)
		// Opportunistic cleanup; the reaper will catch it otherwise.
		go g.deleteSession(rec.ID)
		return AuthResult{Status: RejectedAuth, Err: ErrExpiredSession}
	}

	// Soft binding: drift is an audit signal, not grounds for invalidation.
	if ip := g.clientIP(r); rec.ClientIP != "" && ip != rec.ClientIP {
		g.audit.logSession(AuditSessionBindingDrift, r, rec.ID,
			slog.String("bound_ip", rec.ClientIP), slog.String("seen_ip", ip))
	} else if ua := r.UserAgent(); rec.UserAgent != "" && ua != rec.UserAgent {
		g.audit.logSession(AuditSessionBindingDrift, r, rec.ID,
			slog.String("reason", "user_agent_changed"))
	}

	// Sliding activity, not sliding expiry: the touch failure must not fail
	// the request, so it runs detached from the request lifecycle.
	go g.touchSession(rec.ID, now)

	return AuthResult{Status: Authenticated, Session: rec}
}

func (g *Gateway) touchSession(id string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()
	if err := g.repo.Touch(ctx, id, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		g.logger.Warn("session touch failed", "session_id", id, "error", err)
	}
}

func (g *Gateway) deleteSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()
	if err := g.repo.Delete(ctx, id); err != nil {
		g.logger.Warn("session delete failed", "session_id", id, "error", err)
	}
}

// SessionAuthStage authenticates the request and threads the result through
// the request context. Anonymous requests continue; a presented-but-rejected
// token halts the pipeline.
func (g *Gateway) SessionAuthStage() Stage {
	return Stage{
		Name: "session_auth",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, StageResult) {
			res := g.Authenticate(r)
			if res.Status == RejectedAuth {
				clearSessionCookie(w, r)
				mapError(w, res.Err)
				return nil, Halt
			}
			ctx := context.WithValue(r.Context(), sessionContextKey, res)
			return r.WithContext(ctx), Continue
		},
	}
}

// RequireSession wraps a handler so that only authenticated requests reach
// it. It must run after SessionAuthStage.
func (g *Gateway) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionFromContext returns the authenticated session stored by
// SessionAuthStage, if any.
func SessionFromContext(ctx context.Context) (storage.SessionRecord, bool) {
	res, ok := ctx.Value(sessionContextKey).(AuthResult)
	if !ok || res.Status != Authenticated {
		return storage.SessionRecord{}, false
	}
	return res.Session, true
}

// issueSession creates a session record for the user, persists its token
// hash, and sets the session cookie. It returns the new record.
func (g *Gateway) issueSession(w http.ResponseWriter, r *http.Request, userID string) (storage.SessionRecord, error) {
	token := uuid.NewString()
	now := g.clock.Now()
	rec := storage.SessionRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		TokenHash:  hashToken(token),
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.sessionTTL),
		LastSeenAt: now,
		ClientIP:   g.clientIP(r),
		UserAgent:  r.UserAgent(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.storeTimeout)
	defer cancel()
	if err := g.repo.Create(ctx, rec); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	writeSessionCookie(w, r, token, rec.ExpiresAt)
	return rec, nil
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
