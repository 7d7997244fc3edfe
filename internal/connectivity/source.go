package connectivity

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrNotRegistered is returned when unregistering an unknown callback.
var ErrNotRegistered = errors.New("callback not registered")

// callbacks fans source notifications out to registered callbacks.
type callbacks struct {
	mu   sync.Mutex
	list []Callback
}

func (c *callbacks) add(cb Callback) (first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, cb)
	return len(c.list) == 1
}

func (c *callbacks) remove(cb Callback) (last bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.list {
		if x == cb {
			c.list = append(c.list[:i], c.list[i+1:]...)
			return len(c.list) == 0, nil
		}
	}
	return false, ErrNotRegistered
}

func (c *callbacks) snapshot() []Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Callback(nil), c.list...)
}

// notify maps a state transition to the platform callback vocabulary.
func (c *callbacks) notify(prev, next State) {
	if prev == next {
		return
	}
	for _, cb := range c.snapshot() {
		switch {
		case !next.Attached:
			cb.Lost()
		case !prev.Attached:
			cb.Available(next)
		default:
			cb.CapabilitiesChanged(next)
		}
	}
}

// StaticSource is a source whose state is set by hand. It backs forced
// online runs and tests.
type StaticSource struct {
	cbs callbacks

	mu    sync.Mutex
	state State
	err   error
}

// NewStaticSource returns a source reporting s.
func NewStaticSource(s State) *StaticSource {
	return &StaticSource{state: s}
}

// Online is an attached network with internet capability.
var Online = State{Attached: true, Internet: true}

// Current returns the configured state, or the configured query error.
func (s *StaticSource) Current(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

// Register adds a callback.
func (s *StaticSource) Register(cb Callback) error {
	s.cbs.add(cb)
	return nil
}

// Unregister removes a callback.
func (s *StaticSource) Unregister(cb Callback) error {
	_, err := s.cbs.remove(cb)
	return err
}

// Set changes the state and notifies callbacks.
func (s *StaticSource) Set(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.cbs.notify(prev, next)
}

// FailQueries makes Current return err until cleared with nil.
func (s *StaticSource) FailQueries(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ProbeSource derives network state from the local interface table and a
// TCP dial to a well-known address. It polls while callbacks are registered.
type ProbeSource struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration

	// overridable in tests
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
	dial       func(ctx context.Context, network, address string) (net.Conn, error)

	cbs callbacks

	mu     sync.Mutex
	last   State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbeSource creates a probe against address (host:port).
func NewProbeSource(address string, interval, timeout time.Duration) *ProbeSource {
	d := &net.Dialer{}
	return &ProbeSource{
		Address:    address,
		Interval:   interval,
		Timeout:    timeout,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
		dial:       d.DialContext,
	}
}

// Current probes the network once.
func (p *ProbeSource) Current(ctx context.Context) (State, error) {
	attached, err := p.attached()
	if err != nil {
		return State{}, err
	}
	if !attached {
		return State{}, nil
	}
	return State{Attached: true, Internet: p.internet(ctx)}, nil
}

func (p *ProbeSource) attached() (bool, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := p.addrs(iface)
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (p *ProbeSource) internet(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Register adds a callback and starts polling on the first registration.
func (p *ProbeSource) Register(cb Callback) error {
	if !p.cbs.add(cb) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.last, _ = p.Current(ctx)
	go p.poll(ctx, p.done)
	return nil
}

// Unregister removes a callback and stops polling after the last one.
func (p *ProbeSource) Unregister(cb Callback) error {
	last, err := p.cbs.remove(cb)
	if err != nil || !last {
		return err
	}
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (p *ProbeSource) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			next, err := p.Current(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				next = State{}
			}
			p.mu.Lock()
			prev := p.last
			p.last = next
			p.mu.Unlock()
			p.cbs.notify(prev, next)
		case <-ctx.Done():
			return
		}
	}
}
