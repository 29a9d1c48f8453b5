package status

import (
	"testing"

	"github.com/matheus3301/inline/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Starting {
		t.Errorf("initial state = %s, want STARTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Starting, Running},
		{Starting, Error},
		{Running, Degraded},
		{Running, Stopping},
		{Degraded, Running},
		{Degraded, Stopping},
		{Stopping, Stopped},
		{Stopped, Starting},
		{Error, Starting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			// Walk to the "from" state.
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Stopped); err == nil {
		t.Error("Transition(STARTING -> STOPPED) should fail")
	}
	if m.Current() != Starting {
		t.Errorf("state = %s, want STARTING (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("engine.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Running); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindEngineStatus {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindEngineStatus)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Starting || change.To != Running {
		t.Errorf("change = %v -> %v, want STARTING -> RUNNING", change.From, change.To)
	}
}

// TestSettleFlipsBetweenRunningAndDegraded mirrors what the engine does
// after every batch: settle into DEGRADED on a storage failure and back into
// RUNNING on the next clean batch, without erroring on repeats.
func TestSettleFlipsBetweenRunningAndDegraded(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Running)

	if m.Settle(Running) {
		t.Error("Settle(RUNNING) from RUNNING should be a no-op")
	}
	if !m.Settle(Degraded) {
		t.Fatal("Settle(DEGRADED) from RUNNING should move")
	}
	if m.Settle(Degraded) {
		t.Error("repeated Settle(DEGRADED) should be a no-op")
	}
	if !m.Settle(Running) || m.Current() != Running {
		t.Errorf("state = %s, want RUNNING", m.Current())
	}
}

// TestStopRestartLifecycle walks a full stop and restart:
// STARTING → RUNNING → STOPPING → STOPPED → STARTING → RUNNING
func TestStopRestartLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Running, Stopping, Stopped, Starting, Running}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Current().Serving() {
		t.Errorf("final state = %s should be serving", m.Current())
	}
}

func TestServing(t *testing.T) {
	for s, want := range map[State]bool{
		Starting: false,
		Running:  true,
		Degraded: true,
		Stopping: false,
		Stopped:  false,
		Error:    false,
	} {
		if got := s.Serving(); got != want {
			t.Errorf("%s.Serving() = %v, want %v", s, got, want)
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Starting: {},
		Running:  {Running},
		Degraded: {Running, Degraded},
		Stopping: {Running, Stopping},
		Stopped:  {Running, Stopping, Stopped},
		Error:    {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
