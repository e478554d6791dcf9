// Package memory provides a thread-safe in-memory implementation of
// storage.SessionRepository. Suitable for testing, demos, and single-process
// use cases.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tbaxter/gatehouse/storage"
)

// Repository is a thread-safe in-memory SessionRepository. Sessions are lost
// on restart.
type Repository struct {
	mu     sync.RWMutex
	byID   map[string]storage.SessionRecord
	byHash map[string]string // token hash -> session id
}

var _ storage.SessionRepository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		byID:   make(map[string]storage.SessionRecord),
		byHash: make(map[string]string),
	}
}

func (r *Repository) FindByTokenHash(ctx context.Context, tokenHash string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *Repository) Create(ctx context.Context, rec storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ID] = rec
	r.byHash[rec.TokenHash] = rec.ID
	return nil
}

func (r *Repository) Touch(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastSeenAt = now
	r.byID[id] = rec
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		delete(r.byHash, rec.TokenHash)
		delete(r.byID, id)
	}
	return nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.byID {
		if rec.Expired(now) {
			delete(r.byHash, rec.TokenHash)
			delete(r.byID, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored sessions. Test helper.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
