package session

import (
	"fmt"
	"time"
)

// State of an energy session
type State string

const (
	StateIdle        State = "Idle"
	StatePreparing   State = "Preparing"
	StateRunning     State = "Running"
	StateRecovering  State = "Recovering"
	StateAggregating State = "Aggregating"
	StateComplete    State = "Complete"
	StateFailed      State = "Failed"
)

// allowed lists the legal successor states. Running may follow itself when a
// run index is retried.
var allowed = map[State][]State{
	StateIdle:        {StatePreparing},
	StatePreparing:   {StateRunning, StateFailed},
	StateRunning:     {StateRunning, StateRecovering, StateAggregating, StateFailed},
	StateRecovering:  {StateRunning, StateFailed},
	StateAggregating: {StateComplete, StateFailed},
}

// Transition is one entry of a session's state history
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	RunIndex int       `json:"run_index,omitempty"`
	At       time.Time `json:"at"`
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the current state and refuses illegal moves
type machine struct {
	state   State
	history []Transition
	onEnter func(Transition)
}

func (m *machine) to(next State, runIndex int, at time.Time) error {
	if !canTransition(m.state, next) {
		return fmt.Errorf("illegal session transition %s -> %s", m.state, next)
	}
	t := Transition{From: m.state, To: next, RunIndex: runIndex, At: at}
	m.state = next
	m.history = append(m.history, t)
	if m.onEnter != nil {
		m.onEnter(t)
	}
	return nil
}
