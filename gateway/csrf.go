package gateway

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tbaxter/gatehouse/internal/util"
)

const (
	csrfCookieName = "gatehouse_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfFormField  = "csrf_token"
)

// csrfState is the per-session anti-forgery context: a random secret plus
// the rotation epoch. Tokens are derived, never stored.
type csrfState struct {
	secret    []byte
	epoch     uint64
	rotatedAt time.Time
}

// CSRFGuard issues, rotates, and validates anti-forgery tokens bound to a
// session. A token is a keyed digest of (secret, epoch); after rotation the
// previous epoch stays valid for a bounded grace window to tolerate in-flight
// requests.
//
// State is ephemeral and intentionally lossy across restarts: a client whose
// secret is gone simply fetches a fresh token.
type CSRFGuard struct {
	mu    sync.Mutex
	state map[string]*csrfState
	clock Clock
	grace time.Duration
}

// NewCSRFGuard creates a guard whose rotated tokens overlap for grace.
func NewCSRFGuard(clock Clock, grace time.Duration) *CSRFGuard {
	return &CSRFGuard{
		state: make(map[string]*csrfState),
		clock: clock,
		grace: grace,
	}
}

func deriveToken(secret []byte, epoch uint64) (string, error) {
	k, err := util.HKDF(secret, nil, fmt.Appendf(nil, "csrf:epoch:%d", epoch))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(k), nil
}

func (c *CSRFGuard) stateFor(sessionID string) (*csrfState, error) {
	if st, ok := c.state[sessionID]; ok {
		return st, nil
	}
	secret, err := util.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("generating csrf secret: %w", err)
	}
	st := &csrfState{secret: secret}
	c.state[sessionID] = st
	return st, nil
}

// Issue returns the current token for the session, creating the secret on
// first use.
func (c *CSRFGuard) Issue(sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.stateFor(sessionID)
	if err != nil {
		return "", err
	}
	return deriveToken(st.secret, st.epoch)
}

// Rotate advances the session's epoch and returns the new token. The
// previous token remains valid until the grace window elapses.
func (c *CSRFGuard) Rotate(sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.stateFor(sessionID)
	if err != nil {
		return "", err
	}
	st.epoch++
	st.rotatedAt = c.clock.Now()
	return deriveToken(st.secret, st.epoch)
}

// Validate reports whether the supplied token is acceptable for the session
// and method. Safe methods always pass; they must not cause side effects.
func (c *CSRFGuard) Validate(sessionID, supplied, method string) bool {
	if isSafeMethod(method) {
		return true
	}
	if supplied == "" {
		return false
	}

	c.mu.Lock()
	st, ok := c.state[sessionID]
	var (
		secret    []byte
		epoch     uint64
		rotatedAt time.Time
	)
	if ok {
		secret = st.secret
		epoch = st.epoch
		rotatedAt = st.rotatedAt
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	current, err := deriveToken(secret, epoch)
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(supplied)) == 1 {
		return true
	}

	// Rotation grace: the immediately previous epoch is accepted while the
	// overlap window is open.
	if epoch > 0 && c.clock.Now().Sub(rotatedAt) < c.grace {
		previous, err := deriveToken(secret, epoch-1)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(previous), []byte(supplied)) == 1
	}
	return false
}

// Drop discards the session's anti-forgery state, e.g. on logout.
func (c *CSRFGuard) Drop(sessionID string) {
	c.mu.Lock()
	delete(c.state, sessionID)
	c.mu.Unlock()
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// suppliedCSRFToken extracts the client's token. The header wins over the
// form field: a cross-site simple form submission cannot set custom headers,
// which is why it is trusted preferentially.
func suppliedCSRFToken(r *http.Request) string {
	if v := r.Header.Get(csrfHeaderName); v != "" {
		return v
	}
	return r.PostFormValue(csrfFormField)
}

// CSRFStage validates anti-forgery tokens for mutating methods on
// cookie-authenticated requests. It must run after SessionAuthStage.
func (g *Gateway) CSRFStage() Stage {
	return Stage{
		Name: "csrf",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, StageResult) {
			if isSafeMethod(r.Method) {
				return nil, Continue
			}
			session, ok := SessionFromContext(r.Context())
			if !ok {
				// No cookie session: nothing for a cross-site form to ride on.
				return nil, Continue
			}

			supplied := suppliedCSRFToken(r)
			if supplied == "" {
				g.audit.logSession(AuditCSRFRejected, r, session.ID,
					slog.String("reason", "missing_token"))
				mapError(w, ErrCSRFMissing)
				return nil, Halt
			}
			if !g.csrf.Validate(session.ID, supplied, r.Method) {
				g.audit.logSession(AuditCSRFRejected, r, session.ID,
					slog.String("reason", "token_mismatch"))
				mapError(w, ErrCSRFMismatch)
				return nil, Halt
			}
			return nil, Continue
		},
	}
}

// writeCSRFCookie delivers the current token in a cookie the browser-side
// code can read and echo back as a header. Intentionally NOT HttpOnly.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
