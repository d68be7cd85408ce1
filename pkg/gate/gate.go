// Package gate defines the canonical lifecycle checkpoints a story
// traverses and the state machine that enforces their order.
package gate

import "fmt"

// Gate is one of the twelve canonical lifecycle checkpoints.
type Gate string

// Canonical gates, in order. TESTS_WRITTEN precedes DEV_STARTED
// (test-before-code) and REFACTOR_COMPLETE precedes QA_PASSED.
const (
	DesignValidated  Gate = "DESIGN_VALIDATED"
	StoryAssigned    Gate = "STORY_ASSIGNED"
	PlanApproved     Gate = "PLAN_APPROVED"
	TestsWritten     Gate = "TESTS_WRITTEN"
	DevStarted       Gate = "DEV_STARTED"
	DevComplete      Gate = "DEV_COMPLETE"
	RefactorComplete Gate = "REFACTOR_COMPLETE"
	QAPassed         Gate = "QA_PASSED"
	SafetyCleared    Gate = "SAFETY_CLEARED"
	ReviewApproved   Gate = "REVIEW_APPROVED"
	Merged           Gate = "MERGED"
	Deployed         Gate = "DEPLOYED"
)

// Order is the canonical gate sequence. Succession is index-based: gates
// were once encoded as integers and advanced by arithmetic, which broke
// every time a gate was intercalated. The explicit list eliminates that.
var Order = []Gate{
	DesignValidated,
	StoryAssigned,
	PlanApproved,
	TestsWritten,
	DevStarted,
	DevComplete,
	RefactorComplete,
	QAPassed,
	SafetyCleared,
	ReviewApproved,
	Merged,
	Deployed,
}

var indexOf = func() map[Gate]int {
	m := make(map[Gate]int, len(Order))
	for i, g := range Order {
		m[g] = i
	}
	return m
}()

// ErrViolation is returned by Validate for any transition that is not the
// immediate canonical successor. It is a programmer error: the session that
// produced it must be aborted.
type ErrViolation struct {
	From Gate
	To   Gate
}

func (e *ErrViolation) Error() string {
	return fmt.Sprintf("gate violation: %s -> %s is not a canonical transition", e.From, e.To)
}

// Index returns the position of g in the canonical order, or -1 if g is not
// a known gate.
func Index(g Gate) int {
	i, ok := indexOf[g]
	if !ok {
		return -1
	}
	return i
}

// Valid reports whether g is one of the twelve canonical gates.
func Valid(g Gate) bool {
	_, ok := indexOf[g]
	return ok
}

// Next returns the canonical successor of g. ok is false when g is the
// final gate or unknown.
func Next(g Gate) (next Gate, ok bool) {
	i, found := indexOf[g]
	if !found || i+1 >= len(Order) {
		return "", false
	}
	return Order[i+1], true
}

// First returns the initial gate of the sequence.
func First() Gate {
	return Order[0]
}

// IsTerminal reports whether g is the final gate.
func IsTerminal(g Gate) bool {
	return g == Order[len(Order)-1]
}

// Validate checks that the transition from -> to is the single canonical
// successor step. Skipping and reordering are violations.
func Validate(from, to Gate) error {
	fi, ok := indexOf[from]
	if !ok {
		return &ErrViolation{From: from, To: to}
	}
	ti, ok := indexOf[to]
	if !ok {
		return &ErrViolation{From: from, To: to}
	}
	if ti != fi+1 {
		return &ErrViolation{From: from, To: to}
	}
	return nil
}
