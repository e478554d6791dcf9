// Package postgres implements storage.SessionRepository backed by PostgreSQL.
//
// Session fields are stored as individual columns with a unique index on the
// token hash so that the hot lookup path (one SELECT per authenticated
// request) stays an index scan. All writes are single-row upserts, atomic at
// record granularity.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tbaxter/gatehouse/storage"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the required tables and indexes if they do not exist.
// It is safe to call on every startup (all statements use IF NOT EXISTS).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Store implements storage.SessionRepository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.SessionRepository = (*Store)(nil)

// NewRepository returns a repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) FindByTokenHash(ctx context.Context, tokenHash string) (storage.SessionRecord, error) {
	var rec storage.SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, created_at, expires_at, last_seen_at, client_ip, user_agent
		 FROM sessions WHERE token_hash = $1`,
		tokenHash).Scan(
		&rec.ID, &rec.UserID, &rec.TokenHash,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.LastSeenAt,
		&rec.ClientIP, &rec.UserAgent)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SessionRecord{}, err
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec storage.SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at, last_seen_at, client_ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id)
		 DO UPDATE SET user_id = $2, token_hash = $3, created_at = $4, expires_at = $5, last_seen_at = $6, client_ip = $7, user_agent = $8`,
		rec.ID, rec.UserID, rec.TokenHash,
		rec.CreatedAt, rec.ExpiresAt, rec.LastSeenAt,
		rec.ClientIP, rec.UserAgent)
	return err
}

func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
