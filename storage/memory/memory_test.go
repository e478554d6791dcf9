package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbaxter/gatehouse/storage"
)

func record(id, hash string, expiresAt time.Time) storage.SessionRecord {
	now := expiresAt.Add(-time.Hour)
	return storage.SessionRecord{
		ID:         id,
		UserID:     "user-1",
		TokenHash:  hash,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		LastSeenAt: now,
		ClientIP:   "192.0.2.1",
		UserAgent:  "test-agent",
	}
}

func TestCreateAndFind(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	require.NoError(t, repo.Create(ctx, record("s1", "hash-1", exp)))

	got, err := repo.FindByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "user-1", got.UserID)
}

func TestFindUnknownHash(t *testing.T) {
	repo := NewRepository()

	_, err := repo.FindByTokenHash(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTouchUpdatesLastSeenOnly(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, repo.Create(ctx, record("s1", "hash-1", exp)))

	seen := time.Now().Add(30 * time.Minute)
	require.NoError(t, repo.Touch(ctx, "s1", seen))

	got, err := repo.FindByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(seen))
	assert.True(t, got.ExpiresAt.Equal(exp), "touch must not extend expiry")
}

func TestTouchUnknownID(t *testing.T) {
	repo := NewRepository()
	assert.ErrorIs(t, repo.Touch(context.Background(), "missing", time.Now()), storage.ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, record("s1", "hash-1", time.Now().Add(time.Hour))))

	require.NoError(t, repo.Delete(ctx, "s1"))
	_, err := repo.FindByTokenHash(ctx, "hash-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, repo.Delete(ctx, "s1"))
}

func TestDeleteExpired(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, record("old1", "hash-old1", now.Add(-time.Minute))))
	require.NoError(t, repo.Create(ctx, record("old2", "hash-old2", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, record("live", "hash-live", now.Add(time.Hour))))

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, repo.Len())

	_, err = repo.FindByTokenHash(ctx, "hash-live")
	assert.NoError(t, err)
}

func TestCancelledContext(t *testing.T) {
	repo := NewRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, repo.Create(ctx, record("s1", "hash-1", time.Now().Add(time.Hour))))
	_, err := repo.FindByTokenHash(ctx, "hash-1")
	assert.Error(t, err)
}
