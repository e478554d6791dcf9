package gateway

import "time"

// Clock abstracts the wall clock so that every timed component (session
// expiry, CSRF rotation, rate-limit windows, lockout cooldowns) can be
// tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
