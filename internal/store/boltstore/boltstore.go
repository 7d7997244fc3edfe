// Package boltstore is a bbolt-backed Pending-Message Store.
//
// Entries live in the "pending" bucket keyed by a monotonic ULID minted at
// enqueue time, so bucket order is delivery order. The "ids" bucket maps the
// public message id to its ULID key.
package boltstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketPending = []byte("pending")
	bucketIDs     = []byte("ids")
	bucketJobs    = []byte("jobs")
)

// Store implements the outbox store contract on top of bbolt.
type Store struct {
	db  *bbolt.DB
	now func() time.Time

	entropyMu sync.Mutex
	entropy   io.Reader
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the bbolt file at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPending, bucketIDs, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	s := &Store{
		db:      db,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenOutbox opens the store at path and turns entries a crashed process
// left in 'sending' into failed attempts.
func OpenOutbox(ctx context.Context, path string, opts ...Option) (*Store, store.Opened, error) {
	s, err := Open(path, opts...)
	if err != nil {
		return nil, store.Opened{}, err
	}
	n, err := s.ReconcileSending(ctx)
	if err != nil {
		_ = s.Close()
		return nil, store.Opened{}, fmt.Errorf("reconcile sending: %w", err)
	}
	return s, store.Opened{Reconciled: n}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// record is the JSON form of a pending entry.
type record struct {
	ID            string `json:"id"`
	ChatID        string `json:"chat_id"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"max_attempts"`
	Status        string `json:"status"`
}

func (r *record) message() store.PendingMessage {
	return store.PendingMessage{
		ID:            r.ID,
		ChatID:        r.ChatID,
		Content:       r.Content,
		Type:          store.MessageType(r.Type),
		AttachmentRef: r.AttachmentRef,
		CreatedAt:     r.CreatedAt,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		Status:        store.Status(r.Status),
	}
}

func (s *Store) newKey(at time.Time) ([]byte, error) {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), s.entropy)
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

// Enqueue adds a message with attempts=0 and status=pending.
func (s *Store) Enqueue(_ context.Context, m store.NewMessage) (store.PendingMessage, error) {
	m = m.Normalize()
	now := s.now()
	key, err := s.newKey(now)
	if err != nil {
		return store.PendingMessage{}, fmt.Errorf("mint key: %w", err)
	}
	rec := record{
		ID:            uuid.NewString(),
		ChatID:        m.ChatID,
		Content:       m.Content,
		Type:          string(m.Type),
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     now.UnixMilli(),
		MaxAttempts:   m.MaxAttempts,
		Status:        string(store.StatusPending),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return store.PendingMessage{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketPending).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketIDs).Put([]byte(rec.ID), key)
	})
	if err != nil {
		return store.PendingMessage{}, fmt.Errorf("put pending message: %w", err)
	}
	return rec.message(), nil
}

// NextBatch returns up to limit deliverable entries in key (creation) order.
func (s *Store) NextBatch(_ context.Context, limit int) ([]store.PendingMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []store.PendingMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scan(tx, func(r *record) bool {
			if eligible(r) {
				out = append(out, r.message())
			}
			return len(out) < limit
		})
	})
	return out, err
}

// List returns up to limit entries of any status in delivery order.
func (s *Store) List(_ context.Context, limit int) ([]store.PendingMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []store.PendingMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scan(tx, func(r *record) bool {
			out = append(out, r.message())
			return len(out) < limit
		})
	})
	return out, err
}

// Get returns a single entry by id, or store.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (*store.PendingMessage, error) {
	var pm *store.PendingMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, rec, err := lookup(tx, id)
		if err != nil {
			return err
		}
		m := rec.message()
		pm = &m
		return nil
	})
	return pm, err
}

// MarkSending sets the transient 'sending' marker. Missing ids are ignored.
func (s *Store) MarkSending(_ context.Context, id string) error {
	return s.mutate(id, func(r *record) {
		r.Status = string(store.StatusSending)
	})
}

// MarkAttempted deletes the entry on success, or records a failed attempt.
// It reports whether the entry existed; missing ids are ignored.
func (s *Store) MarkAttempted(_ context.Context, id string, succeeded bool) (bool, error) {
	if !succeeded {
		return s.update(id, failAttempt)
	}
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		key, _, err := lookup(tx, id)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Delete(key); err != nil {
			return err
		}
		found = true
		return tx.Bucket(bucketIDs).Delete([]byte(id))
	})
	return found, err
}

// ClearSending drops the 'sending' marker of an entry whose send never left
// the process. Attempts are unchanged.
func (s *Store) ClearSending(_ context.Context, id string) error {
	return s.mutate(id, func(r *record) {
		if r.Status != string(store.StatusSending) {
			return
		}
		r.Status = string(store.StatusPending)
		if r.Attempts > 0 {
			r.Status = string(store.StatusFailed)
		}
	})
}

// ReconcileSending turns leftover 'sending' entries into failed attempts.
func (s *Store) ReconcileSending(_ context.Context) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		type update struct {
			key  []byte
			data []byte
		}
		var updates []update
		err := b.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			if r.Status != string(store.StatusSending) {
				return nil
			}
			failAttempt(&r)
			data, err := json.Marshal(&r)
			if err != nil {
				return err
			}
			updates = append(updates, update{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}
		// Writes happen after ForEach; mutating a bucket during iteration is undefined.
		for _, u := range updates {
			if err := b.Put(u.key, u.data); err != nil {
				return err
			}
		}
		n = len(updates)
		return nil
	})
	return n, err
}

// CountPending counts pending and failed entries, exhausted ones included.
func (s *Store) CountPending(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scan(tx, func(r *record) bool {
			if r.Status == string(store.StatusPending) || r.Status == string(store.StatusFailed) {
				n++
			}
			return true
		})
	})
	return n, err
}

// CountRetryable counts entries a drain would still attempt.
func (s *Store) CountRetryable(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return scan(tx, func(r *record) bool {
			if eligible(r) {
				n++
			}
			return true
		})
	})
	return n, err
}

func (s *Store) mutate(id string, fn func(*record)) error {
	_, err := s.update(id, fn)
	return err
}

// update applies fn to the entry with the given id and reports whether it existed.
func (s *Store) update(id string, fn func(*record)) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		key, rec, err := lookup(tx, id)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		fn(rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		found = true
		return tx.Bucket(bucketPending).Put(key, data)
	})
	return found, err
}

func failAttempt(r *record) {
	r.Attempts = min(r.Attempts+1, r.MaxAttempts)
	r.Status = string(store.StatusFailed)
}

func eligible(r *record) bool {
	if r.Attempts >= r.MaxAttempts {
		return false
	}
	return r.Status == string(store.StatusPending) || r.Status == string(store.StatusFailed)
}

func lookup(tx *bbolt.Tx, id string) ([]byte, *record, error) {
	key := tx.Bucket(bucketIDs).Get([]byte(id))
	if key == nil {
		return nil, nil, store.ErrNotFound
	}
	v := tx.Bucket(bucketPending).Get(key)
	if v == nil {
		return nil, nil, store.ErrNotFound
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", id, err)
	}
	// Keys are only valid for the life of the transaction.
	return append([]byte(nil), key...), &r, nil
}

// scan walks the pending bucket in key order until fn returns false.
func scan(tx *bbolt.Tx, fn func(*record) bool) error {
	c := tx.Bucket(bucketPending).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode %x: %w", k, err)
		}
		if !fn(&r) {
			return nil
		}
	}
	return nil
}
