// Package scheduler runs jobs once or periodically, optionally gated on
// network reachability, with bounded retries.
//
// Usage:
//
//	s := scheduler.New(registry, observer, bus, logger)
//	s.Start(ctx)
//	defer s.Stop()
//
//	s.RunOnce("sync_pending_messages_now", scheduler.Constraints{}, job)
//	s.EnqueueUniquePeriodic(ctx, "sync_pending_messages", 15*time.Minute,
//	    scheduler.KeepExisting, scheduler.Constraints{RequiresNetwork: true}, job)
//
// All methods are safe for concurrent use.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// ErrRetry is returned by a job that wants to be retried after backoff.
var ErrRetry = errors.New("retry requested")

// ErrNotStarted is returned when scheduling before Start.
var ErrNotStarted = errors.New("scheduler not started")

// ErrNetworkLost ends a RequiresNetwork job whose network went away while it
// ran. The job runs again once the network is back, without using a retry.
var ErrNetworkLost = errors.New("network lost")

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Policy decides what happens when a periodic job name is already registered.
type Policy int

const (
	// KeepExisting leaves an existing registration (and its interval) alone.
	KeepExisting Policy = iota
	// Replace overwrites the registration and reschedules immediately.
	Replace
)

func (p Policy) String() string {
	if p == Replace {
		return "replace"
	}
	return "keep"
}

// Constraints gate when a job may run.
type Constraints struct {
	RequiresNetwork bool
}

// Registry persists periodic registrations across restarts.
type Registry interface {
	GetJob(ctx context.Context, name string) (*store.Job, error)
	PutJob(ctx context.Context, name string, interval time.Duration) error
	TouchJob(ctx context.Context, name string, ranAt time.Time) error
}

// Reachability is the network signal used by RequiresNetwork.
type Reachability interface {
	IsReachable() bool
	Watch() (<-chan bool, func())
}

// Run is the payload of scheduler.job_run events.
type Run struct {
	Name    string
	Attempt int
	Err     error
}

type periodic struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// Scheduler runs one-shot and periodic jobs.
type Scheduler struct {
	registry Registry
	network  Reachability
	bus      *bus.Bus
	logger   *zap.Logger

	retryBackoff time.Duration
	maxRetries   int
	now          func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	periodic map[string]*periodic
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetry sets the retry backoff base and the maximum number of retries.
func WithRetry(backoff time.Duration, maxRetries int) Option {
	return func(s *Scheduler) {
		s.retryBackoff = backoff
		s.maxRetries = maxRetries
	}
}

// WithClock overrides the clock used for due-time computation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. network may be nil if no job requires network.
func New(registry Registry, network Reachability, b *bus.Bus, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		registry:     registry,
		network:      network,
		bus:          b,
		logger:       logger,
		retryBackoff: 30 * time.Second,
		maxRetries:   3,
		now:          time.Now,
		periodic:     make(map[string]*periodic),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sets the context all jobs run under. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop cancels running and pending jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.periodic = make(map[string]*periodic)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunOnce runs job in the background as soon as its constraints hold.
func (s *Scheduler) RunOnce(name string, c Constraints, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotStarted
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, name, c, job)
	}()
	return nil
}

// EnqueueUniquePeriodic registers job to run every interval under name.
// With KeepExisting, an existing in-process or persisted registration wins:
// its interval is kept and the next run is due at last run + interval.
func (s *Scheduler) EnqueueUniquePeriodic(ctx context.Context, name string, interval time.Duration, policy Policy, c Constraints, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("periodic job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotStarted
	}

	existing, running := s.periodic[name]
	if running && policy == KeepExisting {
		s.logger.Debug("periodic job already scheduled", zap.String("job", name))
		return nil
	}

	due := s.now()
	stored, err := s.registry.GetJob(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.registry.PutJob(ctx, name, interval); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	case err != nil:
		return fmt.Errorf("lookup %s: %w", name, err)
	case policy == KeepExisting:
		interval = stored.Interval
		if stored.LastRunAt > 0 {
			due = time.UnixMilli(stored.LastRunAt).Add(interval)
		}
	default:
		if err := s.registry.PutJob(ctx, name, interval); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	if running {
		existing.cancel()
	}
	jobCtx, cancel := context.WithCancel(s.ctx)
	s.periodic[name] = &periodic{interval: interval, cancel: cancel}

	s.logger.Info("periodic job scheduled",
		zap.String("job", name),
		zap.Duration("interval", interval),
		zap.Time("next_run", due),
		zap.Stringer("policy", policy),
	)
	s.wg.Add(1)
	go s.loop(jobCtx, name, interval, due, c, job)
	return nil
}

// Scheduled reports whether a periodic job is active and its interval.
func (s *Scheduler) Scheduled(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periodic[name]
	if !ok {
		return 0, false
	}
	return p.interval, true
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, due time.Time, c Constraints, job Job) {
	defer s.wg.Done()

	t := time.NewTimer(max(due.Sub(s.now()), 0))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if !s.execute(ctx, name, c, job) {
			return
		}
		ranAt := s.now()
		if err := s.registry.TouchJob(context.WithoutCancel(ctx), name, ranAt); err != nil {
			s.logger.Error("failed to record job run", zap.String("job", name), zap.Error(err))
		}
		t.Reset(max(ranAt.Add(interval).Sub(s.now()), 0))
	}
}

// execute runs job with retries. It returns false if ctx ended before the
// job could run.
func (s *Scheduler) execute(ctx context.Context, name string, c Constraints, job Job) bool {
	attempt := 0
	for {
		if c.RequiresNetwork {
			if err := s.awaitNetwork(ctx, name); err != nil {
				return false
			}
		}
		if ctx.Err() != nil {
			return false
		}

		err := s.run(ctx, c, job)
		s.bus.Publish(bus.NewEvent(bus.KindJobRun, Run{Name: name, Attempt: attempt, Err: err}))
		if err == nil {
			metrics.JobRuns.WithLabelValues(name, "success").Inc()
			return true
		}
		if ctx.Err() != nil {
			metrics.JobRuns.WithLabelValues(name, "failure").Inc()
			return true
		}
		if errors.Is(err, ErrNetworkLost) {
			metrics.JobRuns.WithLabelValues(name, "interrupted").Inc()
			s.logger.Info("job interrupted, waiting for network", zap.String("job", name))
			continue
		}
		result := "failure"
		if errors.Is(err, ErrRetry) {
			result = "retry"
		}
		metrics.JobRuns.WithLabelValues(name, result).Inc()

		if attempt >= s.maxRetries {
			s.logger.Warn("job gave up after retries", zap.String("job", name), zap.Int("retries", attempt), zap.Error(err))
			return true
		}
		d := s.retryBackoff << min(attempt, 16)
		s.logger.Info("job will retry", zap.String("job", name), zap.Duration("in", d), zap.Error(err))
		select {
		case <-ctx.Done():
			return true
		case <-time.After(d):
		}
		attempt++
	}
}

// run calls job. A RequiresNetwork job runs under a context that is
// cancelled with ErrNetworkLost as soon as the network becomes unreachable.
func (s *Scheduler) run(ctx context.Context, c Constraints, job Job) error {
	if !c.RequiresNetwork {
		return s.call(ctx, job)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ch, unsub := s.network.Watch()
	defer unsub()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case r, ok := <-ch:
				if !ok {
					return
				}
				if !r {
					cancel(ErrNetworkLost)
					return
				}
			case <-done:
				return
			}
		}
	}()

	err := s.call(runCtx, job)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(runCtx), ErrNetworkLost) {
		return fmt.Errorf("%w: %w", ErrNetworkLost, err)
	}
	return err
}

func (s *Scheduler) call(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job(ctx)
}

// awaitNetwork blocks until the network is reachable or ctx ends.
func (s *Scheduler) awaitNetwork(ctx context.Context, name string) error {
	if s.network == nil {
		return fmt.Errorf("job %s requires network but no reachability source is set", name)
	}
	ch, unsub := s.network.Watch()
	defer unsub()
	logged := false
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return errors.New("reachability stream closed")
			}
			if r {
				return nil
			}
			if !logged {
				s.logger.Debug("job waiting for network", zap.String("job", name))
				logged = true
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
