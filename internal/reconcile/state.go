package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// State is where a checkout attempt currently stands.
type State string

const (
	StatePending       State = "pending"
	StateHeaderWritten State = "header_written"
	StateValidating    State = "validating"
	StateReserved      State = "reserved"
	StateCommitted     State = "committed"
	StateRolledBack    State = "rolled_back"
)

var ErrIllegalTransition = errors.New("illegal checkout state transition")

var transitions = map[State][]State{
	StatePending:       {StateHeaderWritten, StateRolledBack},
	StateHeaderWritten: {StateValidating, StateRolledBack},
	StateValidating:    {StateReserved, StateRolledBack},
	StateReserved:      {StateValidating, StateCommitted, StateRolledBack},
}

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

func canMove(from State, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From State
	To   State
	// Line is the 1-based cart line the transition belongs to, 0 for header-level moves.
	Line int
	At   time.Time
}

// Attempt records one run through the checkout state machine.
type Attempt struct {
	ID      string
	OwnerID string

	state   State
	line    int
	history []Transition
	cause   error
	now     func() time.Time
}

func newAttempt(id string, ownerID string, now func() time.Time) *Attempt {
	return &Attempt{ID: id, OwnerID: ownerID, state: StatePending, now: now}
}

func (a *Attempt) State() State { return a.state }

// Line is the cart line being processed, or the last one processed.
func (a *Attempt) Line() int { return a.line }

// Cause is the error that rolled the attempt back.
func (a *Attempt) Cause() error { return a.cause }

func (a *Attempt) History() []Transition {
	out := make([]Transition, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Attempt) advance(to State, line int) error {
	if !canMove(a.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.state, to)
	}
	a.history = append(a.history, Transition{From: a.state, To: to, Line: line, At: a.now()})
	a.state = to
	if line > 0 {
		a.line = line
	}
	return nil
}

func (a *Attempt) rollBack(cause error) {
	if a.state.Terminal() {
		return
	}
	a.cause = cause
	_ = a.advance(StateRolledBack, a.line)
}
