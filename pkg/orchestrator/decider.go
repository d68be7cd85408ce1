package orchestrator

import (
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/retry"
)

// ActionType enumerates what a driver can do next.
type ActionType string

const (
	// ActionWait blocks until the next signal arrives.
	ActionWait ActionType = "wait"
	// ActionDispatch invokes a worker for a story's next gate.
	ActionDispatch ActionType = "dispatch"
	// ActionAdvance completes a control-plane gate without a worker.
	ActionAdvance ActionType = "advance"
	// ActionMerge folds the story's branch into the integration branch.
	ActionMerge ActionType = "merge"
	// ActionRetry requests a fix dispatch for a rejected story.
	ActionRetry ActionType = "retry"
	// ActionEscalate hands a story over to a human.
	ActionEscalate ActionType = "escalate"
	// ActionComplete terminates the session successfully.
	ActionComplete ActionType = "complete"
	// ActionAbort terminates the session on operator request.
	ActionAbort ActionType = "abort"
)

// Action is one deterministic driver decision.
type Action struct {
	Type    ActionType
	StoryID string
	Gate    gate.Gate
	Role    string
	Attempt int
	// Fix marks a dispatch that re-runs a rejected gate under the fix role.
	Fix      bool
	Feedback string
	// Reason annotates waits and aborts for logging and pause records.
	Reason string
}

// GateRole resolves which role runs a gate's dispatch. Control-plane
// gates return dispatched == false: the driver completes them itself.
func GateRole(storyRole string, g gate.Gate) (role string, dispatched bool) {
	switch g {
	case gate.PlanApproved, gate.TestsWritten, gate.DevComplete, gate.RefactorComplete:
		return storyRole, true
	case gate.QAPassed:
		return "qa", true
	case gate.ReviewApproved:
		return "reviewer", true
	default:
		return "", false
	}
}

// Decide maps a state to the driver's next action. Pure: the same state
// always yields the same action, so a replayed signal prefix reproduces
// the original run.
func Decide(s *State, defaultMaxRetries int) Action {
	if s.Aborted {
		return Action{Type: ActionAbort, Reason: s.AbortReason}
	}
	if s.Paused {
		return Action{Type: ActionWait, Reason: s.PauseReason}
	}

	// Rejections are settled before any new work starts.
	for _, id := range s.Order {
		story := s.Stories[id]
		if !story.Rejected || story.Phase != PhasePending {
			continue
		}
		d := retry.Decide(&story.Spec, story.RetryCount, defaultMaxRetries)
		if d.Action == retry.ActionEscalate {
			return Action{Type: ActionEscalate, StoryID: id, Gate: nextGate(story)}
		}
		return Action{
			Type:    ActionRetry,
			StoryID: id,
			Gate:    nextGate(story),
			Role:    d.FixRole,
			Attempt: d.Attempt,
		}
	}

	// A queued fix dispatch runs before regular progression.
	for _, id := range s.Order {
		story := s.Stories[id]
		if !story.FixQueued || story.Phase != PhasePending {
			continue
		}
		return Action{
			Type:     ActionDispatch,
			StoryID:  id,
			Gate:     nextGate(story),
			Role:     story.FixRole,
			Attempt:  story.Dispatches,
			Fix:      true,
			Feedback: story.Feedback,
		}
	}

	// Wave ordering: no story starts until every story of the waves below
	// it is done. An escalated story therefore blocks its wave.
	activeWave, anyOpen := 0, false
	for _, id := range s.Order {
		story := s.Stories[id]
		if story.Phase == PhaseDone {
			continue
		}
		if !anyOpen || story.Spec.Wave < activeWave {
			activeWave, anyOpen = story.Spec.Wave, true
		}
	}
	if !anyOpen {
		return Action{Type: ActionComplete}
	}

	for _, id := range s.Order {
		story := s.Stories[id]
		if story.Phase != PhasePending || story.Spec.Wave != activeWave {
			continue
		}
		g := nextGate(story)
		if role, dispatched := GateRole(story.Spec.Role, g); dispatched {
			return Action{
				Type:    ActionDispatch,
				StoryID: id,
				Gate:    g,
				Role:    role,
				Attempt: story.Dispatches,
			}
		}
		if g == gate.Merged {
			return Action{Type: ActionMerge, StoryID: id, Gate: g}
		}
		return Action{Type: ActionAdvance, StoryID: id, Gate: g}
	}

	// The active wave holds only escalated stories; a human has to act.
	return Action{Type: ActionWait, Reason: "escalated stories await human intervention"}
}

// nextGate returns the gate a story must reach next.
func nextGate(story *StoryState) gate.Gate {
	if story.Gate == "" {
		return gate.First()
	}
	next, ok := gate.Next(story.Gate)
	if !ok {
		return story.Gate
	}
	return next
}
