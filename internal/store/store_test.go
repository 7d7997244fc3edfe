package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + scheduled_jobs)", result.Version)
	}
}

func TestMigrateReportsChangeOnFreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed {
		t.Error("first Migrate() should report Changed=true")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + scheduled_jobs)", result.Version)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() = %v, want ErrDirtySchema", err)
	}
}

func TestOpenOutboxMigratesAndReconciles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	db, opened, err := OpenOutbox(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !opened.Migration.Changed || opened.Reconciled != 0 {
		t.Errorf("first open = %+v, want migrated and nothing reconciled", opened)
	}
	pm, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSending(ctx, pm.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, opened, err = OpenOutbox(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if opened.Migration.Changed || opened.Reconciled != 1 {
		t.Errorf("reopen = %+v, want no migration and 1 reconciled", opened)
	}
	got, err := db.Get(ctx, pm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Errorf("status=%s attempts=%d, want failed/1", got.Status, got.Attempts)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pm, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if pm.ID == "" {
		t.Fatal("id not assigned")
	}

	got, err := db.Get(ctx, pm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.Attempts != 0 {
		t.Errorf("status=%s attempts=%d, want pending/0", got.Status, got.Attempts)
	}
	if got.Type != TypeText {
		t.Errorf("type = %q, want text", got.Type)
	}
	if got.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", got.MaxAttempts, DefaultMaxAttempts)
	}
}

// TestNextBatchOrdering verifies FIFO order even when several entries share
// the same millisecond.
func TestNextBatchOrdering(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	db := testDB(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var ids []string
	for _, body := range []string{"one", "two", "three", "four"} {
		pm, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: body})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, pm.ID)
	}

	batch, err := db.NextBatch(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("got %d entries, want 3 (limit)", len(batch))
	}
	for i, pm := range batch {
		if pm.ID != ids[i] {
			t.Errorf("batch[%d] = %s, want %s", i, pm.ID, ids[i])
		}
	}
}

func TestMarkAttempted(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pm, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "x", MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		found, err := db.MarkAttempted(ctx, pm.ID, false)
		if err != nil || !found {
			t.Fatalf("MarkAttempted(false) = %v, %v", found, err)
		}
	}
	got, err := db.Get(ctx, pm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (capped at max_attempts)", got.Attempts)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	// Exhausted entries stay in the store but leave the batch.
	batch, err := db.NextBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Errorf("got %d entries in batch, want 0 (exhausted)", len(batch))
	}
	n, err := db.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1 (exhausted entries still count)", n)
	}
	r, err := db.CountRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r != 0 {
		t.Errorf("retryable = %d, want 0", r)
	}

	if found, err := db.MarkAttempted(ctx, pm.ID, true); err != nil || !found {
		t.Fatalf("MarkAttempted(true) = %v, %v", found, err)
	}
	if _, err := db.Get(ctx, pm.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after success: err = %v, want ErrNotFound", err)
	}
}

func TestMarkAttemptedMissingIsNoop(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, ok := range []bool{true, false} {
		if found, err := db.MarkAttempted(ctx, "missing", ok); err != nil || found {
			t.Errorf("MarkAttempted(missing, %v) = %v, %v, want false, nil", ok, found, err)
		}
	}
	if err := db.MarkSending(ctx, "missing"); err != nil {
		t.Errorf("MarkSending(missing) error = %v", err)
	}
}

func TestSendingExcludedFromCountAndBatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pm, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSending(ctx, pm.ID); err != nil {
		t.Fatal(err)
	}
	n, _ := db.CountPending(ctx)
	if n != 0 {
		t.Errorf("count = %d, want 0 while sending", n)
	}
	batch, _ := db.NextBatch(ctx, 10)
	if len(batch) != 0 {
		t.Errorf("batch = %d, want 0 while sending", len(batch))
	}
}

func TestClearSendingRestoresStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	fresh, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "a"})
	if err != nil {
		t.Fatal(err)
	}
	retried, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkAttempted(ctx, retried.ID, false); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{fresh.ID, retried.ID} {
		if err := db.MarkSending(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := db.ClearSending(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		id       string
		status   Status
		attempts int
	}{
		{fresh.ID, StatusPending, 0},
		{retried.ID, StatusFailed, 1},
	}
	for _, tt := range tests {
		got, err := db.Get(ctx, tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != tt.status || got.Attempts != tt.attempts {
			t.Errorf("%s: status=%s attempts=%d, want %s/%d", tt.id, got.Status, got.Attempts, tt.status, tt.attempts)
		}
	}
	if n, _ := db.CountRetryable(ctx); n != 2 {
		t.Errorf("retryable = %d, want 2", n)
	}
}

// TestReconcileSending verifies an entry stuck in 'sending' after a crash is
// counted as a failed attempt, not left stuck.
func TestReconcileSending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pm, err := db.Enqueue(ctx, NewMessage{ChatID: "c1", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSending(ctx, pm.ID); err != nil {
		t.Fatal(err)
	}

	n, err := db.ReconcileSending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}
	got, err := db.Get(ctx, pm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Errorf("status=%s attempts=%d, want failed/1", got.Status, got.Attempts)
	}
}

func TestJobRegistry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.GetJob(ctx, "sync"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing) err = %v, want ErrNotFound", err)
	}
	if err := db.PutJob(ctx, "sync", 15*time.Minute); err != nil {
		t.Fatal(err)
	}
	ran := time.UnixMilli(1_700_000_000_000)
	if err := db.TouchJob(ctx, "sync", ran); err != nil {
		t.Fatal(err)
	}
	// Replace keeps last_run_at.
	if err := db.PutJob(ctx, "sync", 5*time.Minute); err != nil {
		t.Fatal(err)
	}

	j, err := db.GetJob(ctx, "sync")
	if err != nil {
		t.Fatal(err)
	}
	if j.Interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", j.Interval)
	}
	if j.LastRunAt != ran.UnixMilli() {
		t.Errorf("last_run_at = %d, want %d", j.LastRunAt, ran.UnixMilli())
	}
}
