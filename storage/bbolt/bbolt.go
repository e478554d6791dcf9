// Package bbolt provides a BBolt-backed session repository. Sessions survive
// server restarts.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tbaxter/gatehouse/storage"
)

var (
	sessionsBucket  = []byte("sessions")
	hashIndexBucket = []byte("sessions_by_hash")
)

// Store implements storage.SessionRepository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.SessionRepository = (*Store)(nil)

// NewRepository returns a repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(hashIndexBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing session buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindByTokenHash(ctx context.Context, tokenHash string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	var rec storage.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(hashIndexBucket).Get([]byte(tokenHash))
		if id == nil {
			return storage.ErrNotFound
		}
		data := tx.Bucket(sessionsBucket).Get(id)
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return storage.SessionRecord{}, err
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(sessionsBucket).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(hashIndexBucket).Put([]byte(rec.TokenHash), []byte(rec.ID))
	})
}

func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
		}
		var rec storage.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.LastSeenAt = now
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec storage.SessionRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			if err := tx.Bucket(hashIndexBucket).Delete([]byte(rec.TokenHash)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		idx := tx.Bucket(hashIndexBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec storage.SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Corrupt entry, remove it.
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			if rec.Expired(now) {
				if err := idx.Delete([]byte(rec.TokenHash)); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
