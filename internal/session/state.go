// Package session orchestrates one meeting session: the audio buffer,
// micro-batch transcription, heuristic speaker assignment, the summary
// chain, checkpointing, and the stop-time reconciliation and report.
package session

import (
	"errors"
	"fmt"
)

// ErrTerminal is returned for operations that need a live session once the
// session is CLOSED or ABORTED.
var ErrTerminal = errors.New("session is terminal")

// State is the session lifecycle position.
type State string

const (
	StateCreated  State = "CREATED"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateStopping State = "STOPPING"
	StateClosed   State = "CLOSED"
	StateAborted  State = "ABORTED"
)

// transitions lists the legal next states. CLOSED and ABORTED are terminal.
var transitions = map[State][]State{
	StateCreated:  {StateRunning},
	StateRunning:  {StatePaused, StateStopping, StateAborted},
	StatePaused:   {StateRunning, StateStopping, StateAborted},
	StateStopping: {StateClosed, StateAborted},
	StateClosed:   {},
	StateAborted:  {},
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) canReach(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition wraps a rejected lifecycle change.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}
