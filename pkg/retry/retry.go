// Package retry bounds the validate/fix loop. A QA rejection triggers a
// fix dispatch by a distinct fix role; once the attempt counter reaches
// the story's bound the story escalates to a human instead.
package retry

import (
	"strings"

	"github.com/waveworks/wave/pkg/models"
)

// Action is what the orchestrator does with a rejection.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

// Decision is the controller's verdict for one rejection.
type Decision struct {
	Action Action

	// Attempt is the fix attempt number to dispatch (1-based), set only
	// for ActionRetry.
	Attempt int

	// FixRole is the role the fix dispatch runs under, set only for
	// ActionRetry.
	FixRole string
}

// MaxAttempts returns the story's fix-attempt bound: the story override
// when declared, the system default otherwise.
func MaxAttempts(story *models.StorySpec, defaultMax int) int {
	if story.Thresholds.MaxRetries > 0 {
		return story.Thresholds.MaxRetries
	}
	return defaultMax
}

// Decide maps a rejection to a retry or an escalation. retryCount is the
// number of fix attempts already consumed; a counter already at the
// maximum escalates immediately, without dispatching.
func Decide(story *models.StorySpec, retryCount, defaultMax int) Decision {
	if retryCount >= MaxAttempts(story, defaultMax) {
		return Decision{Action: ActionEscalate}
	}
	return Decision{
		Action:  ActionRetry,
		Attempt: retryCount + 1,
		FixRole: FixRole(story.Role),
	}
}

// FixRole derives the fix role from a development role: the role family
// keeps ownership, the instance suffix is replaced so the fix never runs
// under the identity that produced the rejected work.
func FixRole(role string) string {
	if family, _, ok := strings.Cut(role, "-"); ok && family != "" {
		return family + "-fix"
	}
	return role + "-fix"
}
