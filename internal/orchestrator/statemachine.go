package orchestrator

import (
	"fmt"

	"github.com/robertgumeny/rollout/internal/types"
)

// transitions lists the legal successor states of every task state.
//
// PENDING -> PASSED is reserved for tasks resumed from records left by an
// earlier run in the same session.
var transitions = map[types.TaskState][]types.TaskState{
	types.StatePending:      {types.StateGenerating, types.StatePassed, types.StateFailed},
	types.StateGenerating:   {types.StateGenerated, types.StateFailed},
	types.StateGenerated:    {types.StateImplementing, types.StateFailed},
	types.StateImplementing: {types.StateImplemented, types.StateFailed},
	types.StateImplemented:  {types.StateVerifying, types.StateFailed},
	types.StateVerifying:    {types.StateValidating, types.StateFailed},
	types.StateValidating:   {types.StatePassed, types.StateFailed},
	types.StateFailed:       {types.StatePending, types.StateAborted},
}

// TransitionError reports an illegal state change. It always indicates a
// programming error in the orchestrator.
type TransitionError struct {
	Ordinal types.Ordinal
	From    types.TaskState
	To      types.TaskState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.Ordinal, e.From, e.To)
}

// transition reports whether from -> to is a legal move.
func transition(from, to types.TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Observer is notified of every state change.
type Observer interface {
	Transition(o types.Ordinal, attempt int, from, to types.TaskState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(o types.Ordinal, attempt int, from, to types.TaskState)

func (f ObserverFunc) Transition(o types.Ordinal, attempt int, from, to types.TaskState) {
	f(o, attempt, from, to)
}

// machine tracks the state of one task across its attempts.
type machine struct {
	ordinal  types.Ordinal
	state    types.TaskState
	attempt  int
	observer Observer
}

func newMachine(o types.Ordinal, observer Observer) *machine {
	return &machine{ordinal: o, state: types.StatePending, observer: observer}
}

// to moves the machine to next.
func (m *machine) to(next types.TaskState) error {
	if !transition(m.state, next) {
		return &TransitionError{Ordinal: m.ordinal, From: m.state, To: next}
	}
	prev := m.state
	m.state = next
	if m.observer != nil {
		m.observer.Transition(m.ordinal, m.attempt, prev, next)
	}
	return nil
}

// fail moves a working state to FAILED. It is a no-op when the machine is
// already FAILED or terminal.
func (m *machine) fail() error {
	if m.state == types.StateFailed || m.state.Terminal() {
		return nil
	}
	return m.to(types.StateFailed)
}
