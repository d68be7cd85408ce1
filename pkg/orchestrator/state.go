// Package orchestrator drives sessions gate by gate. A session's driver
// folds its signal stream into an in-memory state, decides the next
// action deterministically, executes it, and checkpoints at gate
// boundaries. Replaying the same signal prefix reproduces the same
// decisions, which is what makes crash recovery a replay instead of a
// heuristic.
package orchestrator

import (
	"sort"

	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/models"
	"github.com/waveworks/wave/pkg/services"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/workspace"
)

// StoryPhase is a story's position in the session lifecycle.
type StoryPhase string

const (
	PhasePending   StoryPhase = "pending"
	PhaseDone      StoryPhase = "done"
	PhaseEscalated StoryPhase = "escalated"
)

// StoryState is the reducer's view of one story.
type StoryState struct {
	Spec       models.StorySpec
	Gate       gate.Gate // last completed gate, empty before the first
	Phase      StoryPhase
	RetryCount int
	Dispatches int // gate.started signals observed
	Branch     string

	// Rejection bookkeeping. Rejected is set by qa.rejected, gate.failed,
	// and timeout; retry.requested converts it into a queued fix dispatch.
	Rejected  bool
	Feedback  string
	FixQueued bool
	FixRole   string
}

// State is the deterministic fold of a session's signal stream.
type State struct {
	SessionID string
	Stories   map[string]*StoryState
	// Order fixes story iteration: wave ascending, then story ID. Every
	// decision walks stories in this order, so replay is stable.
	Order []string

	Paused      bool
	PauseReason string
	Stopped     bool
	Aborted     bool
	AbortReason string

	// LastSeq is the highest signal sequence applied; stale or duplicate
	// deliveries below it are ignored.
	LastSeq int64
}

// NewState builds the initial state from persisted story records. The
// records carry whatever the session reached before this driver took
// over; signals after the checkpoint refine it.
func NewState(sessionID string, records []services.StoryRecord) *State {
	st := &State{
		SessionID: sessionID,
		Stories:   make(map[string]*StoryState, len(records)),
	}
	for _, rec := range records {
		story := &StoryState{
			Spec:       rec.Spec,
			Gate:       gate.Gate(rec.Gate),
			Phase:      phaseFor(string(rec.Status)),
			RetryCount: rec.RetryCount,
			Branch:     rec.WorkspaceBranch,
		}
		if story.Branch != "" {
			if _, _, attempt, ok := workspace.ParseBranch(story.Branch); ok {
				story.Dispatches = attempt + 1
			}
		}
		st.Stories[rec.Spec.ID] = story
		st.Order = append(st.Order, rec.Spec.ID)
	}
	sort.SliceStable(st.Order, func(i, j int) bool {
		a, b := st.Stories[st.Order[i]], st.Stories[st.Order[j]]
		if a.Spec.Wave != b.Spec.Wave {
			return a.Spec.Wave < b.Spec.Wave
		}
		return a.Spec.ID < b.Spec.ID
	})
	return st
}

func phaseFor(status string) StoryPhase {
	switch status {
	case "completed":
		return PhaseDone
	case "escalated":
		return PhaseEscalated
	default:
		// active, failed, and stopped stories re-enter the decision loop;
		// their last completed gate determines what happens next.
		return PhasePending
	}
}

// Apply folds one signal into the state. Signals at or below LastSeq are
// duplicates from redelivery and are ignored.
func (s *State) Apply(sig signalbus.Signal) {
	if sig.Seq <= s.LastSeq {
		return
	}
	s.LastSeq = sig.Seq

	story := s.Stories[sig.StoryID]

	switch sig.Kind {
	case signalbus.KindGateStarted:
		if story != nil {
			story.Dispatches++
			story.FixQueued = false
		}

	case signalbus.KindGateCompleted:
		if story == nil {
			return
		}
		g := gate.Gate(payloadString(sig, "gate"))
		if gate.Valid(g) {
			story.Gate = g
		}
		if branch := payloadString(sig, "branch"); branch != "" {
			story.Branch = branch
		}
		story.Rejected = false
		story.Feedback = ""
		if gate.IsTerminal(story.Gate) {
			story.Phase = PhaseDone
		}

	case signalbus.KindGateFailed, signalbus.KindTimeout:
		if story == nil {
			return
		}
		story.Rejected = true
		story.Feedback = rejectionFeedback(sig)

	case signalbus.KindQARejected:
		if story == nil {
			return
		}
		story.Rejected = true
		story.Feedback = rejectionFeedback(sig)

	case signalbus.KindRetryRequested:
		if story == nil {
			return
		}
		story.RetryCount++
		story.Rejected = false
		story.FixQueued = true
		story.FixRole = payloadString(sig, "fix_role")

	case signalbus.KindFixCompleted:
		if story != nil {
			story.Rejected = false
		}

	case signalbus.KindEscalation:
		if story != nil {
			story.Phase = PhaseEscalated
			story.Rejected = false
			story.FixQueued = false
		}

	case signalbus.KindEmergencyStop:
		s.Stopped = true
		if operatorOrigin(sig) {
			s.Aborted = true
			s.AbortReason = firstNonEmpty(payloadString(sig, "reason"), "emergency stop")
		} else {
			// A worker tripping a stop condition pauses the session pending
			// human review; only the operator surfaces abort outright.
			s.Paused = true
			s.PauseReason = firstNonEmpty(payloadString(sig, "reason"), "emergency stop")
		}

	case signalbus.KindBudgetExceeded:
		s.Paused = true
		s.PauseReason = "session budget exceeded"

	case signalbus.KindPauseRequested:
		s.Paused = true
		s.PauseReason = firstNonEmpty(payloadString(sig, "reason"), "pause requested")

	case signalbus.KindResumeRequested:
		s.Paused = false
		s.Stopped = false
		s.PauseReason = ""

	case signalbus.KindAbortRequested:
		s.Aborted = true
		s.AbortReason = payloadString(sig, "reason")
	}
}

// operatorOrigin reports whether a signal came from the operator surface
// (the control API or the stop sentinel) rather than from inside a
// dispatch.
func operatorOrigin(sig signalbus.Signal) bool {
	return sig.Producer == signalbus.ProducerAPI || sig.Producer == signalbus.ProducerStopFile
}

// rejectionFeedback extracts the most useful rejection text from a
// failure signal for the fix dispatch.
func rejectionFeedback(sig signalbus.Signal) string {
	if summary := payloadString(sig, "summary"); summary != "" {
		return summary
	}
	if reason := payloadString(sig, "reason"); reason != "" {
		return reason
	}
	return string(sig.Kind)
}

func payloadString(sig signalbus.Signal, key string) string {
	if sig.Payload == nil {
		return ""
	}
	v, _ := sig.Payload[key].(string)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
