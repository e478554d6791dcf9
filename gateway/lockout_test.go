package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottle() (*TwoFactorThrottle, *fakeClock) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	return NewTwoFactorThrottle(clock, 5, 5*time.Minute), clock
}

func TestThrottle_OpenBelowThreshold(t *testing.T) {
	th, _ := newTestThrottle()

	for i := 0; i < 4; i++ {
		ok, _ := th.Allow("sess-1")
		require.True(t, ok, "attempt %d should be evaluated", i+1)
		locked, _ := th.Failure("sess-1")
		assert.False(t, locked, "failure %d should not lock", i+1)
	}
}

func TestThrottle_FifthFailureLocks(t *testing.T) {
	th, _ := newTestThrottle()

	for i := 0; i < 4; i++ {
		th.Failure("sess-1")
	}
	locked, retryAfter := th.Failure("sess-1")
	require.True(t, locked, "the fifth failure transitions to Locked")
	assert.Equal(t, 5*time.Minute, retryAfter)

	ok, wait := th.Allow("sess-1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestThrottle_LockedRejectsWithoutEvaluation(t *testing.T) {
	th, clock := newTestThrottle()

	for i := 0; i < 5; i++ {
		th.Failure("sess-1")
	}

	// Repeated attempts inside the cooldown stay locked and do not extend it.
	clock.Advance(time.Minute)
	ok, wait := th.Allow("sess-1")
	require.False(t, ok)
	assert.Equal(t, 4*time.Minute, wait)

	clock.Advance(3 * time.Minute)
	ok, wait = th.Allow("sess-1")
	require.False(t, ok)
	assert.Equal(t, time.Minute, wait)
}

func TestThrottle_CooldownElapsedResetsToOpen(t *testing.T) {
	th, clock := newTestThrottle()

	for i := 0; i < 5; i++ {
		th.Failure("sess-1")
	}
	clock.Advance(5*time.Minute + time.Second)

	ok, _ := th.Allow("sess-1")
	require.True(t, ok, "an attempt after the cooldown is evaluated fresh")

	// The counter restarted: four more failures still do not lock.
	for i := 0; i < 4; i++ {
		locked, _ := th.Failure("sess-1")
		assert.False(t, locked)
	}
	locked, _ := th.Failure("sess-1")
	assert.True(t, locked)
}

func TestThrottle_SuccessResetsCounter(t *testing.T) {
	th, _ := newTestThrottle()

	for i := 0; i < 4; i++ {
		th.Failure("sess-1")
	}
	th.Success("sess-1")

	for i := 0; i < 4; i++ {
		locked, _ := th.Failure("sess-1")
		assert.False(t, locked, "counter should have restarted at zero")
	}
}

func TestThrottle_IsolatesKeys(t *testing.T) {
	th, _ := newTestThrottle()

	for i := 0; i < 5; i++ {
		th.Failure("sess-1")
	}
	ok, _ := th.Allow("sess-2")
	assert.True(t, ok, "lockout of one key must not affect another")
}

func TestThrottle_SweepEvictsIdleEntries(t *testing.T) {
	th, clock := newTestThrottle()

	th.Failure("idle")
	clock.Advance(11 * time.Minute)
	th.Failure("active")

	th.sweep()

	th.mu.Lock()
	_, idleExists := th.state["idle"]
	_, activeExists := th.state["active"]
	th.mu.Unlock()
	assert.False(t, idleExists)
	assert.True(t, activeExists)
}

func TestThrottle_SweepKeepsActiveLockouts(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	th := NewTwoFactorThrottle(clock, 2, time.Hour)

	th.Failure("locked")
	th.Failure("locked")
	clock.Advance(30 * time.Minute)

	th.sweep()

	ok, _ := th.Allow("locked")
	assert.False(t, ok, "a live lockout must survive sweeps")
}
