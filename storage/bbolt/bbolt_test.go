package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbaxter/gatehouse/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, hash string, expiresAt time.Time) storage.SessionRecord {
	created := expiresAt.Add(-time.Hour)
	return storage.SessionRecord{
		ID:         id,
		UserID:     "user-1",
		TokenHash:  hash,
		CreatedAt:  created,
		ExpiresAt:  expiresAt,
		LastSeenAt: created,
		ClientIP:   "192.0.2.1",
		UserAgent:  "test-agent",
	}
}

func TestCreateAndFind(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC()

	require.NoError(t, s.Create(ctx, record("s1", "hash-1", exp)))

	got, err := s.FindByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.ExpiresAt.Equal(exp))
}

func TestFindUnknownHash(t *testing.T) {
	s := testStore(t)

	_, err := s.FindByTokenHash(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC()

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, record("s1", "hash-1", exp)))
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.FindByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestTouchUpdatesLastSeenOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.Create(ctx, record("s1", "hash-1", exp)))

	seen := time.Now().Add(30 * time.Minute).UTC()
	require.NoError(t, s.Touch(ctx, "s1", seen))

	got, err := s.FindByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(seen))
	assert.True(t, got.ExpiresAt.Equal(exp), "touch must not extend expiry")
}

func TestTouchUnknownID(t *testing.T) {
	s := testStore(t)
	assert.ErrorIs(t, s.Touch(context.Background(), "missing", time.Now()), storage.ErrNotFound)
}

func TestDeleteRemovesHashIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, record("s1", "hash-1", time.Now().Add(time.Hour))))

	require.NoError(t, s.Delete(ctx, "s1"))
	_, err := s.FindByTokenHash(ctx, "hash-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, s.Delete(ctx, "s1"))
}

func TestDeleteExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, record("old1", "hash-old1", now.Add(-time.Minute))))
	require.NoError(t, s.Create(ctx, record("old2", "hash-old2", now.Add(-time.Hour))))
	require.NoError(t, s.Create(ctx, record("live", "hash-live", now.Add(time.Hour))))

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.FindByTokenHash(ctx, "hash-old1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.FindByTokenHash(ctx, "hash-live")
	assert.NoError(t, err)
}
