package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/inline/internal/bus"
)

// State represents an engine runtime state.
type State string

const (
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Degraded State = "DEGRADED"
	Stopping State = "STOPPING"
	Stopped  State = "STOPPED"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting: {Running, Error},
	Running:  {Degraded, Stopping, Error},
	Degraded: {Running, Stopping, Error},
	Stopping: {Stopped},
	Stopped:  {Starting},
	Error:    {Starting},
}

// Machine tracks and enforces engine runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Starting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindEngineStatus,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Settle moves to the given state if it differs from the current one and
// the move is allowed, and reports whether it did. Used for the
// RUNNING/DEGRADED flip after each batch.
func (m *Machine) Settle(to State) bool {
	if m.Current() == to {
		return false
	}
	return m.Transition(to) == nil
}

// Serving reports whether the engine accepts batches in this state.
func (s State) Serving() bool {
	return s == Running || s == Degraded
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
