// Package signalbus is the ordered, durable signal backbone of a
// session. Every signal is assigned a per-session sequence number and
// persisted before its NOTIFY broadcast fires, so subscribers can always
// catch up from the store and deduplicate live delivery by sequence.
package signalbus

import "time"

// Kind identifies a signal type.
type Kind string

// Signal kinds produced by gates, dispatches, and the control surface.
const (
	KindGateStarted    Kind = "gate.started"
	KindGateCompleted  Kind = "gate.completed"
	KindGateFailed     Kind = "gate.failed"
	KindQAApproved     Kind = "qa.approved"
	KindQARejected     Kind = "qa.rejected"
	KindRetryRequested Kind = "retry.requested"
	KindFixCompleted   Kind = "fix.completed"
	KindEscalation     Kind = "escalation"
	KindEmergencyStop  Kind = "emergency.stop"
	KindHeartbeat      Kind = "heartbeat"
	KindBudgetWarning  Kind = "budget.warning"
	KindBudgetExceeded Kind = "budget.exceeded"
	KindTimeout        Kind = "timeout"

	// Control-surface signals.
	KindPauseRequested  Kind = "pause.requested"
	KindResumeRequested Kind = "resume.requested"
	KindAbortRequested  Kind = "abort.requested"

	// Audit trail.
	KindCheckpointSaved Kind = "checkpoint.saved"

	// KindInfraDegraded flags a session parked because the bus or store
	// stayed unreachable. It is informational: replay ignores it, so a
	// re-driven session resumes working instead of re-pausing itself.
	KindInfraDegraded Kind = "infra.degraded"
)

// Producers stamped on signals by each component. Consumers treat
// ProducerAPI and ProducerStopFile as operator origins.
const (
	ProducerAPI          = "api"
	ProducerOrchestrator = "orchestrator"
	ProducerDispatcher   = "dispatcher"
	ProducerCheckpoint   = "checkpoint-store"
	ProducerStopFile     = "stop-file"
)

// Signal is one persisted, sequenced session signal.
type Signal struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	StoryID   string         `json:"story_id,omitempty"`
	Kind      Kind           `json:"kind"`
	Producer  string         `json:"producer"`
	Seq       int64          `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SessionChannel returns the NOTIFY channel name for a session's signals.
// Format: "signals:{session_id}"
func SessionChannel(sessionID string) string {
	return "signals:" + sessionID
}
