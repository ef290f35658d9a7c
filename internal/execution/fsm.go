package execution

import (
	"fmt"

	"github.com/roach88/ledgergate/internal/ledger"
)

// Transition table: from -> allowed tos. The empty state is a run with no
// events yet.
var validTransitions = map[ledger.State][]ledger.State{
	"":                    {ledger.StatePlanned, ledger.StateRunning},
	ledger.StatePlanned:   {ledger.StateRunning},
	ledger.StateRunning:   {ledger.StateSucceeded, ledger.StateFailed, ledger.StateCancelled},
	ledger.StateFailed:    {ledger.StatePlanned, ledger.StateRunning},
	ledger.StateSucceeded: {},
	ledger.StateCancelled: {},
}

// Step is one event position in a run.
type Step struct {
	State   ledger.State
	Attempt int
}

func (s Step) String() string {
	if s.State == "" {
		return "start"
	}
	return fmt.Sprintf("%s(%d)", s.State, s.Attempt)
}

// CanTransition checks if moving from one step to another is valid.
//
// Leaving failed requires a strictly greater attempt. Leaving planned allows
// the same or a greater attempt. Every other transition stays on the same
// attempt.
func CanTransition(from, to Step) bool {
	allowed, ok := validTransitions[from.State]
	if !ok {
		return false
	}
	found := false
	for _, s := range allowed {
		if s == to.State {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	switch from.State {
	case "":
		return to.Attempt >= 1
	case ledger.StateFailed:
		return to.Attempt > from.Attempt
	case ledger.StatePlanned:
		return to.Attempt >= from.Attempt
	default:
		return to.Attempt == from.Attempt
	}
}

// Transition validates a move, or returns an error naming both steps.
func Transition(from, to Step) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if no transition leaves the state.
func IsTerminal(state ledger.State) bool {
	return state == ledger.StateSucceeded || state == ledger.StateCancelled
}

// IsOutcome returns true for states a run attempt ends in.
func IsOutcome(state ledger.State) bool {
	switch state {
	case ledger.StatePlanned, ledger.StateSucceeded, ledger.StateFailed, ledger.StateCancelled:
		return true
	}
	return false
}

// path returns the steps to write to reach to from the run's latest step,
// bridging through running(to.Attempt) when a direct move is illegal.
func path(from, to Step) ([]Step, error) {
	if CanTransition(from, to) {
		return []Step{to}, nil
	}
	bridge := Step{State: ledger.StateRunning, Attempt: to.Attempt}
	if to.State != ledger.StateRunning && CanTransition(from, bridge) && CanTransition(bridge, to) {
		return []Step{bridge, to}, nil
	}
	return nil, Transition(from, to)
}
