package boltstore

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/wppsync/internal/store"
	"go.etcd.io/bbolt"
)

type jobRecord struct {
	Name       string `json:"name"`
	IntervalMs int64  `json:"interval_ms"`
	LastRunAt  int64  `json:"last_run_at"`
	CreatedAt  int64  `json:"created_at"`
}

// GetJob returns a persisted scheduler registration, or store.ErrNotFound.
func (s *Store) GetJob(_ context.Context, name string) (*store.Job, error) {
	var j *store.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, err := getJob(tx, name)
		if err != nil {
			return err
		}
		j = &store.Job{
			Name:      r.Name,
			Interval:  time.Duration(r.IntervalMs) * time.Millisecond,
			LastRunAt: r.LastRunAt,
			CreatedAt: r.CreatedAt,
		}
		return nil
	})
	return j, err
}

// PutJob inserts or replaces a registration, preserving last_run_at.
func (s *Store) PutJob(_ context.Context, name string, interval time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		r, err := getJob(tx, name)
		if err == store.ErrNotFound {
			r = &jobRecord{Name: name, CreatedAt: s.now().UnixMilli()}
		} else if err != nil {
			return err
		}
		r.IntervalMs = interval.Milliseconds()
		return putJob(tx, r)
	})
}

// TouchJob records that a job ran at the given time.
func (s *Store) TouchJob(_ context.Context, name string, ranAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		r, err := getJob(tx, name)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		r.LastRunAt = ranAt.UnixMilli()
		return putJob(tx, r)
	})
}

func getJob(tx *bbolt.Tx, name string) (*jobRecord, error) {
	v := tx.Bucket(bucketJobs).Get([]byte(name))
	if v == nil {
		return nil, store.ErrNotFound
	}
	var r jobRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func putJob(tx *bbolt.Tx, r *jobRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(r.Name), data)
}
