package retrieval

import "testing"

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	terminal := []State{StateInterrupted, StateError, StateSuccessful}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	for _, s := range []State{StateNotStarted, StateConnecting, StateReading} {
		if s.Terminal() {
			t.Fatalf("%v should not be terminal", s)
		}
	}
}

func TestStateCellRefusesToLeaveTerminal(t *testing.T) {
	t.Parallel()

	var c stateCell
	c.store(StateConnecting)
	c.store(StateReading)
	c.store(StateSuccessful)
	c.store(StateInterrupted)
	if got := c.load(); got != StateSuccessful {
		t.Fatalf("state = %v, want successful to stick", got)
	}
}

func TestStateCellForceErrorOverridesTerminal(t *testing.T) {
	t.Parallel()

	var c stateCell
	c.store(StateSuccessful)
	c.forceError()
	if got := c.load(); got != StateError {
		t.Fatalf("state = %v, want error after post-processing failure", got)
	}
}
