// Package state declares the call lifecycle states and the legal
// transitions between them. It is pure: no I/O, no clock, no locks.
package state

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a call.
type State string

const (
	// InProgress is the initial state: the call accepts packets and no
	// processing has started.
	InProgress State = "IN_PROGRESS"
	// ProcessingAI means a worker has claimed the call and is invoking
	// the transcription service.
	ProcessingAI State = "PROCESSING_AI"
	// Completed means an AI result has been stored.
	Completed State = "COMPLETED"
	// Failed means the retry budget was exhausted. Re-entry into
	// ProcessingAI is permitted.
	Failed State = "FAILED"
	// Archived is terminal. Nothing transitions out of it.
	Archived State = "ARCHIVED"
)

// ErrIllegalTransition is returned for any transition outside the legal graph.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions is the legal transition graph.
var transitions = map[State][]State{
	InProgress:   {ProcessingAI, Failed, Completed},
	ProcessingAI: {Completed, Failed},
	Failed:       {ProcessingAI, Archived},
	Completed:    {Archived},
	Archived:     {},
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is a frozen state with no outgoing edges.
func (s State) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether s → next is a legal transition.
func (s State) CanTransitionTo(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition validates the transition cur → next. It returns an error
// wrapping ErrIllegalTransition if the edge is not in the legal graph.
func Transition(cur, next State) error {
	if !cur.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, cur)
	}
	if !next.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, next)
	}
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, cur, next)
	}
	return nil
}
