package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap/zaptest"
)

func testQueue(t *testing.T, b *bus.Bus) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return NewQueue(db, b, zaptest.NewLogger(t))
}

func TestEnqueueValidation(t *testing.T) {
	q := testQueue(t, nil)
	tests := []struct {
		name string
		msg  store.NewMessage
	}{
		{"empty chat", store.NewMessage{Content: "hi"}},
		{"blank chat", store.NewMessage{ChatID: "   ", Content: "hi"}},
		{"unknown type", store.NewMessage{ChatID: "c1", Type: "sticker"}},
		{"negative attempts", store.NewMessage{ChatID: "c1", MaxAttempts: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.msg)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
	if n, _ := q.CountPending(context.Background()); n != 0 {
		t.Errorf("pending = %d after rejected enqueues, want 0", n)
	}
}

func TestEnqueuePublishesAndCounts(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	q := testQueue(t, b)
	pm, err := q.Enqueue(context.Background(), store.NewMessage{ChatID: "c1", Content: "hola"})
	if err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", q.PendingCount())
	}

	evt := <-ch
	if evt.Kind != bus.KindEnqueued {
		t.Fatalf("first event = %q, want %s", evt.Kind, bus.KindEnqueued)
	}
	if got := evt.Payload.(store.PendingMessage); got.ID != pm.ID {
		t.Errorf("payload id = %s, want %s", got.ID, pm.ID)
	}
	evt = <-ch
	if evt.Kind != bus.KindPendingCount || evt.Payload.(int) != 1 {
		t.Errorf("second event = %q %v, want pending_count 1", evt.Kind, evt.Payload)
	}
}

func TestWatchPendingCount(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	ch, unsub := q.WatchPendingCount()
	defer unsub()
	if n := <-ch; n != 0 {
		t.Fatalf("initial = %d, want 0", n)
	}

	pm, err := q.Enqueue(ctx, store.NewMessage{ChatID: "c1", Content: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if n := recvInt(t, ch); n != 1 {
		t.Errorf("after enqueue = %d, want 1", n)
	}

	// A failed attempt leaves the count unchanged, so nothing is emitted.
	if err := q.MarkAttempted(ctx, pm.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkAttempted(ctx, pm.ID, true); err != nil {
		t.Fatal(err)
	}
	if n := recvInt(t, ch); n != 0 {
		t.Errorf("after delivery = %d, want 0", n)
	}
}

func TestMarkAttemptedMissingIsNoop(t *testing.T) {
	q := testQueue(t, nil)
	if err := q.MarkAttempted(context.Background(), "gone", true); err != nil {
		t.Errorf("MarkAttempted(missing, true) = %v, want nil", err)
	}
	if err := q.MarkAttempted(context.Background(), "gone", false); err != nil {
		t.Errorf("MarkAttempted(missing, false) = %v, want nil", err)
	}
}

func TestMarkAttemptedMissingPublishesNothing(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	q := testQueue(t, b)
	for _, ok := range []bool{true, false} {
		if err := q.MarkAttempted(context.Background(), "gone", ok); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("published %s for a missing entry", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

// slowCountStore parks the first armed CountPending between reading the
// count and returning it.
type slowCountStore struct {
	Store
	armed   atomic.Bool
	counted chan struct{}
	release chan struct{}
}

func (s *slowCountStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.Store.CountPending(ctx)
	if s.armed.CompareAndSwap(true, false) {
		close(s.counted)
		<-s.release
	}
	return n, err
}

func TestConcurrentRefreshKeepsLatestCount(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	slow := &slowCountStore{Store: db, counted: make(chan struct{}), release: make(chan struct{})}
	q := NewQueue(slow, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	slow.armed.Store(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := q.Enqueue(ctx, store.NewMessage{ChatID: "c1", Content: "a"}); err != nil {
			t.Error(err)
		}
	}()
	<-slow.counted

	// The entry is delivered while the enqueue's count is still in flight.
	batch, err := db.NextBatch(ctx, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("NextBatch = %v, %v", batch, err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := q.MarkAttempted(ctx, batch[0].ID, true); err != nil {
			t.Error(err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(slow.release)
	wg.Wait()

	if n, _ := db.CountPending(ctx); n != 0 {
		t.Fatalf("store pending = %d, want 0", n)
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", q.PendingCount())
	}
}

func TestClearSendingKeepsAttempts(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()
	pm, err := q.Enqueue(ctx, store.NewMessage{ChatID: "c1", Content: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkSending(ctx, pm.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.ClearSending(ctx, pm.ID); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, pm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusPending || got.Attempts != 0 {
		t.Errorf("status=%s attempts=%d, want pending/0", got.Status, got.Attempts)
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", q.PendingCount())
	}
}

func recvInt(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending count")
		return 0
	}
}
