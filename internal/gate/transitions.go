package gate

import (
	"fmt"

	dErrors "bloodlink/pkg/domain-errors"
)

// State is a gate state. Access and registration states share the type but
// live in separate transition tables.
type State string

const (
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateRecovering      State = "recovering"
	StateReady           State = "ready"
	StateUnauthenticated State = "unauthenticated"

	StateChecking   State = "checking"
	StateComplete   State = "complete"
	StateIncomplete State = "incomplete"
)

type transitionTable map[State][]State

// accessTransitions is the closed set of legal access gate moves.
// Unauthenticated is terminal.
var accessTransitions = transitionTable{
	StateInitializing:  {StateAuthenticated, StateUnauthenticated},
	StateAuthenticated: {StateReady, StateRecovering, StateUnauthenticated},
	StateRecovering:    {StateReady, StateUnauthenticated},
	StateReady:         {StateAuthenticated, StateUnauthenticated},
}

// registrationTransitions: Complete, Incomplete and Unauthenticated are terminal.
var registrationTransitions = transitionTable{
	StateChecking: {StateComplete, StateIncomplete, StateUnauthenticated},
}

func (t transitionTable) allows(from, to State) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks one run's state and path through a table.
type machine struct {
	table   transitionTable
	state   State
	history []State
}

func newMachine(table transitionTable, initial State) *machine {
	return &machine{table: table, state: initial, history: []State{initial}}
}

func newAccessMachine() *machine {
	return newMachine(accessTransitions, StateInitializing)
}

func newRegistrationMachine() *machine {
	return newMachine(registrationTransitions, StateChecking)
}

func (m *machine) transition(to State) error {
	if m.terminal() {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("gate run already ended in %s", m.state))
	}
	if !m.table.allows(m.state, to) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("illegal gate transition %s -> %s", m.state, to))
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// terminal reports whether no transition leaves the current state.
func (m *machine) terminal() bool {
	return len(m.table[m.state]) == 0
}

// force records to without consulting the table. Used only to end a run after
// an invariant violation.
func (m *machine) force(to State) {
	m.state = to
	m.history = append(m.history, to)
}

func (m *machine) trace() []State {
	return append([]State(nil), m.history...)
}
