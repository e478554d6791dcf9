// Package storage defines the persistent session repository consumed by the
// request security gateway.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no session matches the given token hash or id.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted form of an issued session. The raw token is
// never stored; only its one-way hash. A record whose ExpiresAt is in the
// past is logically dead even while physically present.
type SessionRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TokenHash  string    `json:"token_hash"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// Expired reports whether the record is logically dead at the given instant.
func (r SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// SessionRepository is the narrow boundary through which the gateway reads
// and writes session records. Implementations must make each call atomic at
// the granularity of a single record.
type SessionRepository interface {
	// FindByTokenHash looks up a session by the hash of its bearer token.
	// Returns ErrNotFound when no record exists; any other error indicates
	// the store is unavailable.
	FindByTokenHash(ctx context.Context, tokenHash string) (SessionRecord, error)
	// Create persists a new session record.
	Create(ctx context.Context, rec SessionRecord) error
	// Touch updates LastSeenAt only. It never moves ExpiresAt.
	Touch(ctx context.Context, id string, now time.Time) error
	// Delete removes a session by id. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes all records with ExpiresAt at or before now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
