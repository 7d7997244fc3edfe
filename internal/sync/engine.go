package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrSendPanic wraps a panic raised by a Sender.
var ErrSendPanic = errors.New("send panicked")

// ErrNotSent is wrapped by Sender errors for calls that never reached the
// remote endpoint, such as a tripped circuit breaker. The entry keeps its
// attempt count and the pass ends.
var ErrNotSent = errors.New("message not sent")

// Sender delivers one pending message to the remote endpoint.
type Sender interface {
	Send(ctx context.Context, m store.PendingMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m store.PendingMessage) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, m store.PendingMessage) error { return f(ctx, m) }

// Queue is the slice of the pending-message store the drain loop uses.
type Queue interface {
	NextBatch(ctx context.Context, limit int) ([]store.PendingMessage, error)
	MarkSending(ctx context.Context, id string) error
	MarkAttempted(ctx context.Context, id string, succeeded bool) error
	ClearSending(ctx context.Context, id string) error
	Refresh(ctx context.Context) (int, error)
	CountRetryable(ctx context.Context) (int, error)
}

// Reachability is the connectivity signal the engine reacts to.
type Reachability interface {
	IsReachable() bool
	Watch() (<-chan bool, func())
}

// Report summarizes one Drain call.
type Report struct {
	Skipped   bool // another drain was running
	Attempted int
	Delivered int
	Failed    int
	Deferred  int  // handed back unsent after ErrNotSent
	Halted    bool // the pass condition stopped holding
	Remaining int  // pending or failed entries left, exhausted included
	Retryable int  // entries a later drain would still attempt
	Err       error
}

// Engine drains the outbox against a Sender, one pass at a time.
type Engine struct {
	queue   Queue
	sender  Sender
	state   *status.Machine
	network Reachability
	bus     *bus.Bus
	logger  *zap.Logger
	tracer  trace.Tracer

	batchSize   int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sendTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	cancel  context.CancelFunc
	wg      gosync.WaitGroup
	dirty   atomic.Bool
	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets how many entries each NextBatch call fetches.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithBackoff sets the base and maximum per-item delay.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(e *Engine) {
		e.baseDelay = base
		e.maxDelay = maxDelay
	}
}

// WithSendTimeout bounds each Send call.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces the clock used for lastSyncAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer sets the tracer for drain and send spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates a new sync engine. network may be nil if Start is never called.
func NewEngine(q Queue, s Sender, st *status.Machine, network Reachability, b *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		queue:       q,
		sender:      s,
		state:       st,
		network:     network,
		bus:         b,
		logger:      logger,
		tracer:      otel.Tracer("wppsync"),
		batchSize:   DefaultBatchSize,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		sendTimeout: DefaultSendTimeout,
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's state machine.
func (e *Engine) State() *status.Machine {
	return e.state
}

// Drain runs one full pass over the outbox. If a pass is already running it
// returns immediately with Skipped set.
func (e *Engine) Drain(ctx context.Context) Report {
	return e.DrainWhile(ctx, nil)
}

// DrainWhile is Drain with a condition checked before every send. Once cond
// reports false the pass ends with Halted set and no further sends.
func (e *Engine) DrainWhile(ctx context.Context, cond func() bool) Report {
	if err := e.state.Begin(); err != nil {
		metrics.Drains.WithLabelValues("skipped").Inc()
		e.logger.Debug("drain skipped", zap.Error(err))
		return Report{Skipped: true}
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "Drain")
	defer span.End()

	rep := e.pass(ctx, cond)

	// Bookkeeping must finish even if the pass was cancelled.
	bg := context.WithoutCancel(ctx)
	if n, err := e.queue.Refresh(bg); err != nil {
		e.storeError("count pending", "", err)
	} else {
		rep.Remaining = n
		e.state.SetPendingCount(n)
	}
	if n, err := e.queue.CountRetryable(bg); err != nil {
		e.storeError("count retryable", "", err)
	} else {
		rep.Retryable = n
	}

	phase := status.Idle
	if rep.Err != nil {
		phase = status.Error
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, rep.Err.Error())
		e.logger.Error("drain failed", zap.Error(rep.Err))
	}
	if err := e.state.Finish(phase, e.now()); err != nil {
		e.logger.Error("failed to finish drain", zap.Error(err))
	}

	span.SetAttributes(
		attribute.Int("drain.attempted", rep.Attempted),
		attribute.Int("drain.delivered", rep.Delivered),
		attribute.Int("drain.failed", rep.Failed),
		attribute.Int("drain.remaining", rep.Remaining),
	)
	metrics.Drains.WithLabelValues(string(phase)).Inc()
	metrics.DrainDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("drain finished",
		zap.String("phase", string(phase)),
		zap.Int("attempted", rep.Attempted),
		zap.Int("delivered", rep.Delivered),
		zap.Int("failed", rep.Failed),
		zap.Int("deferred", rep.Deferred),
		zap.Bool("halted", rep.Halted),
		zap.Int("remaining", rep.Remaining),
		zap.Duration("took", time.Since(start)),
	)
	return rep
}

// pass is the drain loop. Panics and batch read errors end it with rep.Err.
func (e *Engine) pass(ctx context.Context, cond func() bool) (rep Report) {
	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("drain panic: %v", r)
		}
	}()

	// Entries whose outcome could not be recorded are not retried this pass.
	skip := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return rep
		}
		batch, err := e.queue.NextBatch(ctx, e.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return rep
			}
			metrics.StoreErrors.Inc()
			rep.Err = fmt.Errorf("next batch: %w", err)
			return rep
		}
		if len(batch) == 0 {
			return rep
		}

		attempted := false
		for _, pm := range batch {
			if pm.Exhausted() || skip[pm.ID] {
				continue
			}
			if ctx.Err() != nil {
				return rep
			}
			if cond != nil && !cond() {
				e.logger.Info("drain condition lost, ending pass", zap.Int("attempted", rep.Attempted))
				rep.Halted = true
				return rep
			}
			attempted = true
			if !e.attempt(ctx, pm, skip, &rep) {
				return rep
			}
		}
		if !attempted {
			return rep
		}
	}
}

// attempt sends one entry. It returns false when the pass should end.
func (e *Engine) attempt(ctx context.Context, pm store.PendingMessage, skip map[string]bool, rep *Report) bool {
	ctx, span := e.tracer.Start(ctx, "SendPendingMessage", trace.WithAttributes(
		attribute.String("message.id", pm.ID),
		attribute.String("message.chat_id", pm.ChatID),
		attribute.String("message.type", string(pm.Type)),
		attribute.Int("message.attempts", pm.Attempts),
	))
	defer span.End()

	// Outcomes are recorded even if ctx was cancelled mid-send.
	record := context.WithoutCancel(ctx)

	if err := e.queue.MarkSending(ctx, pm.ID); err != nil {
		rep.Attempted++
		e.storeError("mark sending", pm.ID, err)
		e.fail(ctx, record, pm, err, skip, rep)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true
	}

	start := time.Now()
	err := e.send(ctx, pm)
	if errors.Is(err, ErrNotSent) {
		metrics.SendAttempts.WithLabelValues("deferred").Inc()
		rep.Deferred++
		span.RecordError(err)
		e.logger.Warn("sender unavailable, ending pass", zap.Error(err), zap.String("id", pm.ID))
		if err := e.queue.ClearSending(record, pm.ID); err != nil {
			e.storeError("clear sending", pm.ID, err)
		}
		return false
	}
	rep.Attempted++
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Warn("send failed",
			zap.Error(err),
			zap.String("kind", "send"),
			zap.String("id", pm.ID),
			zap.Int("attempt", pm.Attempts+1),
			zap.Int("max_attempts", pm.MaxAttempts),
			zap.Duration("queued_for", e.now().Sub(pm.Created())),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fail(ctx, record, pm, err, skip, rep)
		return true
	}

	metrics.SendAttempts.WithLabelValues("success").Inc()
	rep.Delivered++
	if err := e.queue.MarkAttempted(record, pm.ID, true); err != nil {
		e.storeError("mark delivered", pm.ID, err)
		skip[pm.ID] = true
	}
	return true
}

// fail records a failed attempt and sleeps the per-item backoff.
func (e *Engine) fail(ctx, record context.Context, pm store.PendingMessage, cause error, skip map[string]bool, rep *Report) {
	metrics.SendAttempts.WithLabelValues("failure").Inc()
	rep.Failed++
	if err := e.queue.MarkAttempted(record, pm.ID, false); err != nil {
		e.storeError("mark failed", pm.ID, err)
		skip[pm.ID] = true
	}
	if ctx.Err() != nil {
		return
	}
	d := Backoff(pm.Attempts, e.baseDelay, e.maxDelay)
	e.logger.Debug("backing off", zap.String("id", pm.ID), zap.Duration("delay", d), zap.NamedError("cause", cause))
	if err := e.sleep(ctx, d); err == nil {
		metrics.BackoffSeconds.Add(d.Seconds())
	}
}

// send calls the Sender with a deadline. A Sender that ignores its context
// is abandoned once the deadline passes and the attempt counts as failed.
func (e *Engine) send(ctx context.Context, pm store.PendingMessage) error {
	ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrSendPanic, r)
			}
		}()
		done <- e.sender.Send(ctx, pm)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("send %s: %w", pm.ID, ctx.Err())
	}
}

func (e *Engine) storeError(op, id string, err error) {
	metrics.StoreErrors.Inc()
	e.logger.Error("store operation failed",
		zap.Error(err),
		zap.String("kind", "store"),
		zap.String("op", op),
		zap.String("id", id),
	)
}

// Start reacts to reachability transitions and enqueues, and mirrors the
// pending count into SyncState.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	reach, unsubReach := e.network.Watch()
	events, unsubEvents := e.bus.Subscribe("outbox.", 256)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubReach()
		defer unsubEvents()

		prev := e.network.IsReachable()
		for {
			select {
			case r, ok := <-reach:
				if !ok {
					return
				}
				if r && !prev {
					e.logger.Info("network became reachable, draining")
					e.Trigger(ctx)
				}
				prev = r
			case evt := <-events:
				switch evt.Kind {
				case bus.KindEnqueued:
					if e.network.IsReachable() {
						e.Trigger(ctx)
					}
				case bus.KindPendingCount:
					if n, ok := evt.Payload.(int); ok {
						e.state.SetPendingCount(n)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Trigger requests a drain in the background. The drain stops sending once
// the network is no longer reachable. Requests arriving while a triggered
// drain runs are coalesced into one follow-up pass.
func (e *Engine) Trigger(ctx context.Context) {
	e.dirty.Store(true)
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			for e.dirty.Swap(false) {
				if ctx.Err() != nil {
					e.running.Store(false)
					return
				}
				e.DrainWhile(ctx, e.network.IsReachable)
			}
			e.running.Store(false)
			// A request may have landed between the last Swap and Store.
			if !e.dirty.Load() || !e.running.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Stop cancels in-flight drains and waits for background work to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
