// Package connectivity exposes network reachability as a reactive signal.
package connectivity

import (
	"context"
	"sync"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"go.uber.org/zap"
)

// State is a platform network snapshot.
type State struct {
	Attached bool // some network is attached
	Internet bool // the network has general internet capability
}

// Reachable reports whether sends can be attempted. An attached network
// without internet capability is not reachable.
func (s State) Reachable() bool {
	return s.Attached && s.Internet
}

// Callback receives platform network notifications.
type Callback interface {
	Available(State)
	Lost()
	CapabilitiesChanged(State)
}

// Source is the platform network-state API.
type Source interface {
	// Current performs a one-shot query of the network state.
	Current(ctx context.Context) (State, error)
	Register(cb Callback) error
	Unregister(cb Callback) error
}

// Change is the payload of network.changed events.
type Change struct {
	Reachable bool
	State     State
}

// Observer tracks reachability from a Source.
type Observer struct {
	source Source
	bus    *bus.Bus
	logger *zap.Logger

	reachable *bus.Value[bool]

	mu         sync.Mutex
	registered bool
	cb         *callback
}

// NewObserver queries the source once and returns an observer whose initial
// reachability reflects that query. A failed query reports not reachable.
func NewObserver(ctx context.Context, src Source, b *bus.Bus, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		source: src,
		bus:    b,
		logger: logger,
	}
	initial, err := src.Current(ctx)
	if err != nil {
		logger.Warn("initial network query failed", zap.Error(err))
		initial = State{}
	}
	o.reachable = bus.NewValue(initial.Reachable())
	o.cb = &callback{o: o}
	metrics.Reachable.Set(metrics.Bool(initial.Reachable()))
	return o
}

// Start registers for network callbacks and re-queries the source, so a
// change between NewObserver and Start is not lost. Calling it again is a
// no-op.
func (o *Observer) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.registered {
		return nil
	}
	if err := o.source.Register(o.cb); err != nil {
		o.logger.Error("failed to register network callback", zap.Error(err))
		return err
	}
	o.registered = true
	if _, err := o.Refresh(context.Background()); err != nil {
		o.logger.Warn("network query after registering failed", zap.Error(err))
	}
	o.logger.Debug("network monitoring started")
	return nil
}

// Stop unregisters the callback. Calling it again is a no-op.
func (o *Observer) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.registered {
		return nil
	}
	if err := o.source.Unregister(o.cb); err != nil {
		o.logger.Error("failed to unregister network callback", zap.Error(err))
		return err
	}
	o.registered = false
	o.logger.Debug("network monitoring stopped")
	return nil
}

// IsReachable returns the current best-known reachability.
func (o *Observer) IsReachable() bool {
	return o.reachable.Get()
}

// Watch streams reachability, starting with the current value.
func (o *Observer) Watch() (<-chan bool, func()) {
	return o.reachable.Subscribe()
}

// Refresh re-queries the source and applies the result.
func (o *Observer) Refresh(ctx context.Context) (bool, error) {
	s, err := o.source.Current(ctx)
	if err != nil {
		return o.IsReachable(), err
	}
	o.apply(s)
	return s.Reachable(), nil
}

func (o *Observer) apply(s State) {
	r := s.Reachable()
	if !o.reachable.Set(r) {
		return
	}
	metrics.Reachable.Set(metrics.Bool(r))
	o.logger.Info("network reachability changed", zap.Bool("reachable", r),
		zap.Bool("attached", s.Attached), zap.Bool("internet", s.Internet))
	o.bus.Publish(bus.NewEvent(bus.KindNetwork, Change{Reachable: r, State: s}))
}

type callback struct{ o *Observer }

func (c *callback) Available(s State)           { c.o.apply(s) }
func (c *callback) Lost()                       { c.o.apply(State{}) }
func (c *callback) CapabilitiesChanged(s State) { c.o.apply(s) }
