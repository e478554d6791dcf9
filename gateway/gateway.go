// Package gateway implements the request security gateway that fronts the
// booking application: session authentication, CSRF defense, sliding-window
// rate limiting, two-factor attempt lockout, and security header
// composition, arranged as an explicit ordered pipeline.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tbaxter/gatehouse/storage"
)

// CredentialVerifier checks a username/password pair. The gateway treats it
// as a black box; hashing and comparison live behind this boundary.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (userID string, ok bool, err error)
}

// SecondFactorVerifier checks a second-factor code for a user. It is only
// invoked while the attempt throttle is in its Open state.
type SecondFactorVerifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

const (
	defaultSessionTTL    = 24 * time.Hour
	defaultStoreTimeout  = 3 * time.Second
	defaultCSRFGrace     = 2 * time.Minute
	defaultRateWindow    = time.Minute
	defaultRateMax       = 120
	defaultLoginRateMax  = 10
	defaultLockThreshold = 5
	defaultLockCooldown  = 5 * time.Minute
)

// Gateway owns the composed middleware stack and the auth endpoints. All
// shared state (limiter, throttle, CSRF secrets) is owned here and accessed
// only through the component APIs.
type Gateway struct {
	repo         storage.SessionRepository
	credentials  CredentialVerifier
	secondFactor SecondFactorVerifier

	clock  Clock
	logger *slog.Logger
	audit  *auditLogger

	csrf         *CSRFGuard
	limiter      *RateLimiter
	loginLimiter *RateLimiter
	throttle     *TwoFactorThrottle

	headers        HeaderConfig
	trustedProxies []netip.Prefix
	sessionTTL     time.Duration
	storeTimeout   time.Duration

	lockThreshold int
	lockCooldown  time.Duration
	csrfGrace     time.Duration
	rateWindow    time.Duration
	rateMax       int
	loginRateMax  int
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger used for audit and operational
// events. If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithClock substitutes the time source. Tests inject a controllable clock.
func WithClock(clock Clock) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithHeaderConfig sets the security header and CORS configuration.
func WithHeaderConfig(cfg HeaderConfig) Option {
	return func(g *Gateway) { g.headers = cfg }
}

// WithTrustedProxies sets the CIDR ranges whose proxy headers are honored
// for client IP extraction.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(g *Gateway) { g.trustedProxies = prefixes }
}

// WithSessionTTL sets the absolute session lifetime, fixed at creation.
func WithSessionTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.sessionTTL = ttl }
}

// WithStoreTimeout bounds every session-store call. A lookup that exceeds
// it fails closed.
func WithStoreTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.storeTimeout = d }
}

// WithRateLimit sets the per-IP request budget for the pipeline limiter.
func WithRateLimit(window time.Duration, max int) Option {
	return func(g *Gateway) {
		g.rateWindow = window
		g.rateMax = max
	}
}

// WithLoginRateLimit sets the per-IP budget for the login endpoint.
func WithLoginRateLimit(max int) Option {
	return func(g *Gateway) { g.loginRateMax = max }
}

// WithLockoutPolicy sets the two-factor attempt threshold and cooldown.
func WithLockoutPolicy(threshold int, cooldown time.Duration) Option {
	return func(g *Gateway) {
		g.lockThreshold = threshold
		g.lockCooldown = cooldown
	}
}

// WithCSRFGrace sets the rotation overlap window during which the previous
// CSRF token remains valid.
func WithCSRFGrace(d time.Duration) Option {
	return func(g *Gateway) { g.csrfGrace = d }
}

// New creates a Gateway in front of the given session repository and
// credential boundaries.
func New(repo storage.SessionRepository, credentials CredentialVerifier, secondFactor SecondFactorVerifier, opts ...Option) *Gateway {
	g := &Gateway{
		repo:          repo,
		credentials:   credentials,
		secondFactor:  secondFactor,
		clock:         SystemClock(),
		sessionTTL:    defaultSessionTTL,
		storeTimeout:  defaultStoreTimeout,
		csrfGrace:     defaultCSRFGrace,
		rateWindow:    defaultRateWindow,
		rateMax:       defaultRateMax,
		loginRateMax:  defaultLoginRateMax,
		lockThreshold: defaultLockThreshold,
		lockCooldown:  defaultLockCooldown,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.audit = newAuditLogger(g.logger, g.clock)
	g.csrf = NewCSRFGuard(g.clock, g.csrfGrace)
	g.limiter = NewRateLimiter(g.clock, g.rateWindow, g.rateMax)
	g.loginLimiter = NewRateLimiter(g.clock, g.rateWindow, g.loginRateMax)
	g.throttle = NewTwoFactorThrottle(g.clock, g.lockThreshold, g.lockCooldown)
	return g
}

// Start launches the background sweepers for the in-memory maps. They run
// until Stop is called and never outlive the gateway.
func (g *Gateway) Start() {
	g.limiter.StartSweep(g.rateWindow)
	g.loginLimiter.StartSweep(g.rateWindow)
	g.throttle.StartSweep(g.lockCooldown)
}

// Stop halts the background sweepers. Idempotent.
func (g *Gateway) Stop() {
	g.limiter.Stop()
	g.loginLimiter.Stop()
	g.throttle.Stop()
}

// Pipeline returns the ordered middleware pipeline: security headers and
// CORS first, then rate limiting, session authentication, and CSRF
// validation. A rejection at any stage short-circuits the rest.
func (g *Gateway) Pipeline() *Pipeline {
	return NewPipeline(
		g.SecurityHeadersStage(),
		g.RateLimitStage(g.limiter),
		g.SessionAuthStage(),
		g.CSRFStage(),
	)
}

// Handler wraps next with the full pipeline.
func (g *Gateway) Handler(next http.Handler) http.Handler {
	return g.Pipeline().Then(next)
}

// Router returns the gateway's own auth routes. Mount it under the pipeline
// (see Handler) so every route passes the full stack.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/auth/login", g.Login)
	r.Post("/auth/logout", g.Logout)
	r.With(g.RequireSession).Get("/auth/session", g.SessionInfo)
	r.With(g.RequireSession).Get("/auth/csrf", g.CSRFToken)
	r.With(g.RequireSession).Post("/auth/2fa/verify", g.TwoFactorVerify)
	return r
}
