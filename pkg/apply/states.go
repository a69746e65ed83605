package apply

import (
	"fmt"

	"composertemplates/pkg/templates"
)

// State is the per-session application state.
type State string

// Application states.
const (
	StateIdle     State = "IDLE"
	StateApplying State = "APPLYING"
	StateApplied  State = "APPLIED"
	StateSkipped  State = "SKIPPED"
)

// applyTransitions is the canonical transition map for one editor session.
var applyTransitions = map[State][]State{
	// IDLE starts applying once the session is eligible, or skips when content is already present
	StateIdle: {StateApplying, StateSkipped},

	// APPLYING finishes the write, skips when content appeared at the last moment,
	// or falls back to IDLE when the session closes mid-write
	StateApplying: {StateApplied, StateSkipped, StateIdle},

	// Terminal states for a session; closing the editor starts a fresh IDLE session
	StateApplied: {StateIdle},
	StateSkipped: {StateIdle},
}

// ValidNextStates returns the allowed next states for a given state.
func ValidNextStates(from State) []State {
	return applyTransitions[from]
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to State) bool {
	for _, s := range ValidNextStates(from) {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateState checks that s is a known state.
func ValidateState(s State) error {
	if _, ok := applyTransitions[s]; ok {
		return nil
	}
	return fmt.Errorf("invalid application state: %s", s)
}

// ShouldApply is the eligibility gate: the template's use_for must match the
// session's role.
func ShouldApply(t templates.Template, creatingTopic bool) bool {
	return t.AppliesTo(creatingTopic)
}
