package membership

import (
	"fmt"

	"github.com/amirimatin/go-quorum/pkg/model"
)

// Removed is the terminal lifecycle step. It is never stored on a member:
// completing a stop deletes the member from its cluster.
const Removed model.State = "removed"

var transitions = map[model.State][]model.State{
	model.StateStarting: {model.StateUp},
	model.StateUp:       {model.StateDown, model.StateStopping},
	model.StateDown:     {model.StateUp},
	model.StateStopping: {Removed},
}

// TransitionError reports a lifecycle move the state machine does not allow.
type TransitionError struct {
	MemberID string
	From     model.State
	To       model.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("membership: member %s cannot go from %s to %s", e.MemberID, e.From, e.To)
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to model.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves m to the given state or returns a *TransitionError leaving
// m untouched.
func Transition(m *model.Member, to model.State) error {
	if !CanTransition(m.State, to) {
		return &TransitionError{MemberID: m.ID, From: m.State, To: to}
	}
	m.State = to
	return nil
}

// Activate completes startup.
func Activate(m *model.Member) error { return Transition(m, model.StateUp) }

// MarkDown records a failure. A member that is already down is rejected.
func MarkDown(m *model.Member) error { return Transition(m, model.StateDown) }

// MarkUp records a recovery. Only down members recover.
func MarkUp(m *model.Member) error {
	if m.State != model.StateDown {
		return &TransitionError{MemberID: m.ID, From: m.State, To: model.StateUp}
	}
	return Transition(m, model.StateUp)
}

// BeginStop starts a graceful removal.
func BeginStop(m *model.Member) error { return Transition(m, model.StateStopping) }

// Finish validates the final stopping -> removed step. The caller deletes the
// member once it succeeds.
func Finish(m *model.Member) error {
	if !CanTransition(m.State, Removed) {
		return &TransitionError{MemberID: m.ID, From: m.State, To: Removed}
	}
	return nil
}
