package gateway

import (
	"sync"
	"time"
)

// TwoFactorThrottle enforces a time-windowed attempt lockout for
// second-factor verification, keyed by session or user identifier. It is
// deliberately independent of the generic RateLimiter: the limiter guards
// request volume, this guards domain-specific attempt semantics, and both
// may apply to the same endpoint.
//
// State machine per key: Open while failureCount < threshold; Locked from
// the threshold-reaching failure until the cooldown elapses. Attempts while
// Locked are rejected without evaluating the code, so the lockout window
// cannot be used to keep probing. An attempt after the cooldown resets the
// counter and is evaluated as a fresh Open attempt.
type TwoFactorThrottle struct {
	mu        sync.Mutex
	state     map[string]*lockoutState
	clock     Clock
	threshold int
	cooldown  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

type lockoutState struct {
	failureCount int
	lockedUntil  time.Time // zero when not locked
	lastAttempt  time.Time
}

// NewTwoFactorThrottle creates a throttle that locks a key out for cooldown
// after threshold consecutive failures.
func NewTwoFactorThrottle(clock Clock, threshold int, cooldown time.Duration) *TwoFactorThrottle {
	return &TwoFactorThrottle{
		state:     make(map[string]*lockoutState),
		clock:     clock,
		threshold: threshold,
		cooldown:  cooldown,
		stopCh:    make(chan struct{}),
	}
}

// Allow reports whether a verification attempt for key may be evaluated.
// When the key is locked, retryAfter is how long the caller must wait. An
// expired lockout resets the counter before the attempt proceeds.
func (t *TwoFactorThrottle) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.state[key]
	if !exists {
		return true, 0
	}
	st.lastAttempt = now
	if !st.lockedUntil.IsZero() {
		if now.Before(st.lockedUntil) {
			return false, st.lockedUntil.Sub(now)
		}
		// Cooldown elapsed: fresh Open state.
		st.failureCount = 0
		st.lockedUntil = time.Time{}
	}
	return true, 0
}

// Failure records a failed verification. It reports whether this failure
// transitioned the key to Locked, and the wait if so. Callers must only
// invoke it after Allow returned true.
func (t *TwoFactorThrottle) Failure(key string) (locked bool, retryAfter time.Duration) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.state[key]
	if !exists {
		st = &lockoutState{}
		t.state[key] = st
	}
	st.failureCount++
	st.lastAttempt = now
	if st.failureCount >= t.threshold {
		st.lockedUntil = now.Add(t.cooldown)
		return true, t.cooldown
	}
	return false, 0
}

// Success resets the key's failure count after a correct code.
func (t *TwoFactorThrottle) Success(key string) {
	t.mu.Lock()
	delete(t.state, key)
	t.mu.Unlock()
}

// sweep evicts keys idle for longer than the cooldown plus one full
// attempt-counting cycle worth of slack.
func (t *TwoFactorThrottle) sweep() {
	now := t.clock.Now()
	expiry := 2 * t.cooldown
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.state {
		if now.Sub(st.lastAttempt) > expiry && !now.Before(st.lockedUntil) {
			delete(t.state, key)
		}
	}
}

// StartSweep runs periodic eviction in the background until Stop is called.
func (t *TwoFactorThrottle) StartSweep(interval time.Duration) {
	if interval < t.cooldown {
		interval = t.cooldown
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

// Stop halts the background sweeper. Idempotent.
func (t *TwoFactorThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
