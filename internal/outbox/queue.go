// Package outbox is the producer-facing side of the pending-message store.
//
// A Queue wraps a store backend, validates incoming messages, publishes
// lifecycle events on the bus and keeps a reactive pending count.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidMessage is returned by Enqueue for messages that can never be sent.
var ErrInvalidMessage = errors.New("invalid message")

// Store is the pending-message store contract. Both the SQLite and the bbolt
// backends satisfy it.
type Store interface {
	Enqueue(ctx context.Context, m store.NewMessage) (store.PendingMessage, error)
	NextBatch(ctx context.Context, limit int) ([]store.PendingMessage, error)
	List(ctx context.Context, limit int) ([]store.PendingMessage, error)
	Get(ctx context.Context, id string) (*store.PendingMessage, error)
	MarkSending(ctx context.Context, id string) error
	MarkAttempted(ctx context.Context, id string, succeeded bool) (bool, error)
	ClearSending(ctx context.Context, id string) error
	CountPending(ctx context.Context) (int, error)
	CountRetryable(ctx context.Context) (int, error)
}

// Queue is the outbox entry point for producers and the drain loop.
type Queue struct {
	store   Store
	bus     *bus.Bus
	logger  *zap.Logger
	pending *bus.Value[int]

	// countMu serializes CountPending with publishing its result, so a
	// slow count cannot overwrite a newer one.
	countMu sync.Mutex
}

// NewQueue creates a queue over s. The pending count starts at zero until
// Refresh or the first mutation.
func NewQueue(s Store, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:   s,
		bus:     b,
		logger:  logger,
		pending: bus.NewValue(0),
	}
}

// Validate reports whether m can be enqueued.
func Validate(m store.NewMessage) error {
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidMessage)
	}
	if m.Type != "" && !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}
	if m.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative max attempts", ErrInvalidMessage)
	}
	return nil
}

// Enqueue hands a message off for later delivery and returns the stored entry.
func (q *Queue) Enqueue(ctx context.Context, m store.NewMessage) (store.PendingMessage, error) {
	if err := Validate(m); err != nil {
		return store.PendingMessage{}, err
	}
	pm, err := q.store.Enqueue(ctx, m)
	if err != nil {
		return store.PendingMessage{}, fmt.Errorf("enqueue: %w", err)
	}
	metrics.Enqueued.WithLabelValues(string(pm.Type)).Inc()
	q.logger.Debug("message enqueued",
		zap.String("id", pm.ID),
		zap.String("chat_id", pm.ChatID),
		zap.String("type", string(pm.Type)),
	)
	q.bus.Publish(bus.NewEvent(bus.KindEnqueued, pm))
	q.refresh(ctx)
	return pm, nil
}

// NextBatch returns up to limit deliverable entries, oldest first.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]store.PendingMessage, error) {
	return q.store.NextBatch(ctx, limit)
}

// MarkSending flags an entry as in flight.
func (q *Queue) MarkSending(ctx context.Context, id string) error {
	return q.store.MarkSending(ctx, id)
}

// MarkAttempted records the outcome of one delivery attempt. Ids that no
// longer exist are a no-op and publish nothing.
func (q *Queue) MarkAttempted(ctx context.Context, id string, succeeded bool) error {
	found, err := q.store.MarkAttempted(ctx, id, succeeded)
	if err != nil {
		return err
	}
	if !found {
		q.logger.Debug("attempt outcome for unknown entry", zap.String("id", id))
		return nil
	}
	kind := bus.KindFailed
	if succeeded {
		kind = bus.KindDelivered
	}
	q.bus.Publish(bus.NewEvent(kind, id))
	q.refresh(ctx)
	return nil
}

// ClearSending hands an entry back to the queue without counting an attempt.
func (q *Queue) ClearSending(ctx context.Context, id string) error {
	if err := q.store.ClearSending(ctx, id); err != nil {
		return err
	}
	q.refresh(ctx)
	return nil
}

// List returns stored entries in delivery order.
func (q *Queue) List(ctx context.Context, limit int) ([]store.PendingMessage, error) {
	return q.store.List(ctx, limit)
}

// Get returns a single entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*store.PendingMessage, error) {
	return q.store.Get(ctx, id)
}

// CountPending returns the live pending-or-failed count from the store.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	return q.store.CountPending(ctx)
}

// CountRetryable returns the number of entries a drain would still attempt.
func (q *Queue) CountRetryable(ctx context.Context) (int, error) {
	return q.store.CountRetryable(ctx)
}

// Refresh recomputes the pending count from the store.
func (q *Queue) Refresh(ctx context.Context) (int, error) {
	q.countMu.Lock()
	defer q.countMu.Unlock()
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return q.pending.Get(), fmt.Errorf("count pending: %w", err)
	}
	q.setPending(n)
	return n, nil
}

// PendingCount returns the last observed pending count.
func (q *Queue) PendingCount() int {
	return q.pending.Get()
}

// WatchPendingCount streams the pending count. The current value is
// delivered first; slow readers only see the latest value.
func (q *Queue) WatchPendingCount() (<-chan int, func()) {
	return q.pending.Subscribe()
}

func (q *Queue) refresh(ctx context.Context) {
	if _, err := q.Refresh(ctx); err != nil {
		q.logger.Error("failed to refresh pending count", zap.Error(err), zap.String("kind", "store"))
	}
}

func (q *Queue) setPending(n int) {
	if q.pending.Set(n) {
		metrics.Pending.Set(float64(n))
		q.bus.Publish(bus.NewEvent(bus.KindPendingCount, n))
	}
}
