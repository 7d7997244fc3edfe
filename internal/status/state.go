package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
)

// Phase is the sync engine's runtime phase.
type Phase string

const (
	Idle    Phase = "idle"
	Syncing Phase = "syncing"
	Error   Phase = "error"
)

// ErrAlreadySyncing is returned by Begin while a drain is in progress.
var ErrAlreadySyncing = errors.New("already syncing")

// validTransitions defines allowed phase transitions. Error is not sticky.
var validTransitions = map[Phase][]Phase{
	Idle:    {Syncing},
	Syncing: {Idle, Error},
	Error:   {Syncing},
}

// SyncState is the aggregate, observable status of the sync engine.
type SyncState struct {
	Phase        Phase
	PendingCount int
	LastSyncAt   int64 // unix ms, 0 = never
}

// LastSync returns the last completed drain time and whether one happened.
func (s SyncState) LastSync() (time.Time, bool) {
	if s.LastSyncAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(s.LastSyncAt), true
}

// Machine tracks SyncState and enforces phase transitions.
// The Idle/Error -> Syncing transition is the engine's single-flight guard.
type Machine struct {
	mu    sync.Mutex
	state *bus.Value[SyncState]
	bus   *bus.Bus
}

// NewMachine creates a new machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		state: bus.NewValue(SyncState{Phase: Idle}),
		bus:   b,
	}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	return m.state.Get().Phase
}

// Snapshot returns the full current state.
func (m *Machine) Snapshot() SyncState {
	return m.state.Get()
}

// Watch returns a stream of SyncState, starting with the current one.
func (m *Machine) Watch() (<-chan SyncState, func()) {
	return m.state.Subscribe()
}

// Begin moves to Syncing. It returns ErrAlreadySyncing if a drain is running.
func (m *Machine) Begin() error {
	err := m.Transition(Syncing)
	if err != nil && m.Current() == Syncing {
		return ErrAlreadySyncing
	}
	return err
}

// Finish ends a drain in the given phase (Idle or Error) and stamps LastSyncAt.
func (m *Machine) Finish(to Phase, at time.Time) error {
	return m.transition(to, func(s *SyncState) { s.LastSyncAt = at.UnixMilli() })
}

// Transition attempts to move to a new phase. Returns error if transition is invalid.
func (m *Machine) Transition(to Phase) error {
	return m.transition(to, nil)
}

// SetPendingCount updates the pending count without changing phase.
func (m *Machine) SetPendingCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, changed := m.state.Update(func(s SyncState) SyncState {
		s.PendingCount = n
		return s
	})
	if changed {
		m.publish(s.Phase, s)
	}
}

func (m *Machine) transition(to Phase, mutate func(*SyncState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Get()
	if !slices.Contains(validTransitions[cur.Phase], to) {
		return fmt.Errorf("invalid transition from %s to %s", cur.Phase, to)
	}
	from := cur.Phase
	cur.Phase = to
	if mutate != nil {
		mutate(&cur)
	}
	m.state.Set(cur)
	m.publish(from, cur)
	return nil
}

func (m *Machine) publish(from Phase, s SyncState) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.NewEvent(bus.KindStateChanged, StateChange{From: from, State: s}))
}

// StateChange is the payload for state change events.
type StateChange struct {
	From  Phase
	State SyncState
}
