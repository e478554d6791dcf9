package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a generic sliding-window-by-reset counter keyed by an
// arbitrary identifier (client IP, user id). Each key carries one counter
// and one reset timestamp; a hit past the boundary lazily starts a fresh
// window. Different keys never contend beyond the shared map lock.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	window  time.Duration
	max     int
	clock   Clock

	stopOnce sync.Once
	stopCh   chan struct{}
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Hit lets the caller retract this check's count once the request
	// outcome is known (e.g. a successful login should not burn budget).
	Hit *Hit
}

// Hit identifies one counted request. Cancel decrements the counter at most
// once, and only while the window that counted it is still active.
type Hit struct {
	rl      *RateLimiter
	key     string
	resetAt time.Time
	once    sync.Once
}

// Cancel retracts the hit. Safe to call multiple times; the counter never
// drops below zero.
func (h *Hit) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.rl.mu.Lock()
		defer h.rl.mu.Unlock()
		e, ok := h.rl.entries[h.key]
		if ok && e.resetAt.Equal(h.resetAt) && e.count > 0 {
			e.count--
		}
	})
}

// NewRateLimiter creates a limiter allowing max hits per window per key.
func NewRateLimiter(clock Clock, window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*windowEntry),
		window:  window,
		max:     max,
		clock:   clock,
		stopCh:  make(chan struct{}),
	}
}

// Check records a hit for key and reports whether it is allowed. The hit is
// counted before the comparison, so the request that pushes the count past
// the limit is itself denied.
func (rl *RateLimiter) Check(key string) Decision {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(rl.window)}
		rl.entries[key] = e
	}
	e.count++

	remaining := rl.max - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   e.count <= rl.max,
		Limit:     rl.max,
		Remaining: remaining,
		ResetAt:   e.resetAt,
		Hit:       &Hit{rl: rl, key: key, resetAt: e.resetAt},
	}
}

// sweep evicts keys with no hit inside their window. Eviction racing a
// concurrent hit is benign: Check always rewrites the entry for a fresh
// window.
func (rl *RateLimiter) sweep() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.entries {
		if !now.Before(e.resetAt) {
			delete(rl.entries, key)
		}
	}
}

// StartSweep runs periodic eviction in the background until Stop is called.
// The interval is floored at the window length to avoid useless churn.
func (rl *RateLimiter) StartSweep(interval time.Duration) {
	if interval < rl.window {
		interval = rl.window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stopCh:
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()
}

// Stop halts the background sweeper. Idempotent.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

const rateLimitContextKey contextKey = iota + 10

// RateHitFromContext returns the Hit recorded by RateLimitStage for this
// request, if any; handlers use it for outcome-aware cancellation.
func RateHitFromContext(ctx context.Context) *Hit {
	h, _ := ctx.Value(rateLimitContextKey).(*Hit)
	return h
}

// RateLimitStage throttles requests by client IP and exposes the standard
// rate-limit response headers. Denials are 429 with Retry-After.
func (g *Gateway) RateLimitStage(rl *RateLimiter) Stage {
	return Stage{
		Name: "rate_limit",
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, StageResult) {
			dec := rl.Check(g.clientIP(r))
			setRateLimitHeaders(w, g.clock.Now(), dec)
			if !dec.Allowed {
				g.audit.log(AuditRateLimited, r, slog.String("client_ip", g.clientIP(r)))
				w.Header().Set("Retry-After", retryAfterString(dec.ResetAt.Sub(g.clock.Now())))
				mapError(w, ErrRateLimited)
				return nil, Halt
			}
			ctx := context.WithValue(r.Context(), rateLimitContextKey, dec.Hit)
			return r.WithContext(ctx), Continue
		},
	}
}

func setRateLimitHeaders(w http.ResponseWriter, now time.Time, dec Decision) {
	limit := strconv.Itoa(dec.Limit)
	remaining := strconv.Itoa(dec.Remaining)
	reset := retryAfterString(dec.ResetAt.Sub(now))

	h := w.Header()
	h.Set("RateLimit-Limit", limit)
	h.Set("RateLimit-Remaining", remaining)
	h.Set("RateLimit-Reset", reset)
	// Legacy variants for clients that predate the standard fields.
	h.Set("X-RateLimit-Limit", limit)
	h.Set("X-RateLimit-Remaining", remaining)
	h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
