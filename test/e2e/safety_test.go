package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent/dispatch"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/worker"
)

// ────────────────────────────────────────────────────────────
// Safety screening tests — proposed worker actions are scored before
// they take effect. A destructive command fails the gate and the fix
// loop recovers; scoped build-artifact deletions pass; a client-side
// credential write is blocked by the credential rule.
// ────────────────────────────────────────────────────────────

func TestE2E_DestructiveCommandBlocked(t *testing.T) {
	w := NewScriptedWorker()
	w.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	// The tests turn proposes wiping the filesystem; the dispatch must die
	// before the command ever runs.
	w.AddSequential(WorkerScriptEntry{Chunks: []worker.Chunk{
		&worker.CommandChunk{Command: "rm -rf /"},
	}})
	w.AddSequential(WorkerScriptEntry{Summary: "tests written without the cleanup step"})
	// The dev turn's scoped deletion is fine: build artifacts are fair game.
	w.AddSequential(WorkerScriptEntry{Chunks: []worker.Chunk{
		&worker.CommandChunk{Command: "rm -rf ./node_modules"},
		&worker.FileWriteChunk{
			Path:    "internal/auth/session.go",
			Content: "package auth\n\nfunc NewSession() {}\n",
		},
		&worker.UsageChunk{InputTokens: scriptTokensIn, OutputTokens: scriptTokensOut},
		&worker.ResultChunk{Status: worker.ResultCompleted, Summary: "session store implemented"},
	}})
	w.AddSequential(WorkerScriptEntry{Summary: "refactored"})
	w.AddSequential(WorkerScriptEntry{Summary: "qa passed"})
	w.AddSequential(WorkerScriptEntry{Summary: "review approved"})

	app := NewTestApp(t, WithWorker(w))
	sessionID := app.SubmitSession(t, buildStory("story-auth", "auth", 1))

	app.WaitForSessionStatus(t, sessionID, "completed")

	// The block killed the worker and failed the gate with the
	// destructive-command classification.
	kills := w.Kills()
	require.Len(t, kills, 1)
	assert.Equal(t, "destructive-command", kills[0].Reason)

	sigs := app.QuerySignals(t, sessionID)
	assert.Equal(t, 1, countKind(sigs, signalbus.KindGateFailed))
	failed := firstKind(sigs, signalbus.KindGateFailed)
	require.NotNil(t, failed)
	assert.Equal(t, string(gate.TestsWritten), failed.Payload["gate"])
	assert.Equal(t, "destructive-command", failed.Payload["reason"])

	// The fix dispatch carried the block reason as feedback.
	inputs := w.CapturedInputs()
	require.Len(t, inputs, 7)
	assert.Equal(t, "backend-fix", inputs[2].Role)
	assert.Equal(t, string(gate.TestsWritten), inputs[2].Gate)
	assert.Equal(t, "destructive-command", inputs[2].Feedback)

	rows := app.QueryDispatches(t, sessionID)
	require.Len(t, rows, 7)
	blocked := rows[1]
	assert.Equal(t, dispatch.StatusRejected, blocked.Status)
	require.NotNil(t, blocked.Reason)
	assert.Equal(t, "destructive-command", *blocked.Reason)
	assert.Equal(t, dispatch.StatusCompleted, rows[3].Status, "scoped deletion must not block the dev turn")

	// The run recovered completely: one retry, all gates, one merge.
	detail := app.GetSessionDetail(t, sessionID)
	assert.Equal(t, 1, detail.Stories[0].RetryCount)
	assert.Equal(t, len(gate.Order), countKind(sigs, signalbus.KindGateCompleted))
	assert.Contains(t, app.MainPaths(t), "internal/auth/session.go")
}

func TestE2E_ClientCredentialWriteBlocked(t *testing.T) {
	w := NewScriptedWorker()
	w.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	// A live provider key in a client-side component: hard block.
	w.AddSequential(WorkerScriptEntry{Chunks: []worker.Chunk{
		&worker.FileWriteChunk{
			Path:    "internal/checkout/components/PayButton.tsx",
			Content: "'use client'\n\nconst stripeKey = \"sk_live_a1b2c3d4e5f6\"\nexport function PayButton() { return null }\n",
		},
	}})
	w.AddSequential(WorkerScriptEntry{Summary: "tests written against the server-side config"})
	w.AddSequential(WorkerScriptEntry{Summary: "implemented"})
	w.AddSequential(WorkerScriptEntry{Summary: "refactored"})
	w.AddSequential(WorkerScriptEntry{Summary: "qa passed"})
	w.AddSequential(WorkerScriptEntry{Summary: "review approved"})

	app := NewTestApp(t, WithWorker(w))
	sessionID := app.SubmitSession(t, buildStory("story-checkout", "checkout", 1))

	app.WaitForSessionStatus(t, sessionID, "completed")

	kills := w.Kills()
	require.Len(t, kills, 1)
	assert.Equal(t, "client-secret-exposure", kills[0].Reason)

	sigs := app.QuerySignals(t, sessionID)
	failed := firstKind(sigs, signalbus.KindGateFailed)
	require.NotNil(t, failed)
	assert.Equal(t, "client-secret-exposure", failed.Payload["reason"])

	// The rejected write never reached the workspace, so it cannot be on
	// the integration branch.
	assert.NotContains(t, app.MainPaths(t), "internal/checkout/components/PayButton.tsx")
	detail := app.GetSessionDetail(t, sessionID)
	assert.Equal(t, 1, detail.Stories[0].RetryCount)
}

func TestE2E_OutOfBoundaryWriteRejected(t *testing.T) {
	w := NewScriptedWorker()
	w.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	// Billing paths are on the story's forbidden list.
	w.AddSequential(WorkerScriptEntry{Chunks: []worker.Chunk{
		&worker.FileWriteChunk{Path: "internal/billing/invoice.go", Content: "package billing\n"},
	}})
	w.AddSequential(WorkerScriptEntry{Summary: "tests written inside the story boundary"})
	w.AddSequential(WorkerScriptEntry{Summary: "implemented"})
	w.AddSequential(WorkerScriptEntry{Summary: "refactored"})
	w.AddSequential(WorkerScriptEntry{Summary: "qa passed"})
	w.AddSequential(WorkerScriptEntry{Summary: "review approved"})

	app := NewTestApp(t, WithWorker(w))
	sessionID := app.SubmitSession(t, buildStory("story-auth", "auth", 1))

	app.WaitForSessionStatus(t, sessionID, "completed")

	kills := w.Kills()
	require.Len(t, kills, 1)
	assert.Equal(t, "boundary-violation", kills[0].Reason)

	rows := app.QueryDispatches(t, sessionID)
	require.Len(t, rows, 7)
	assert.Equal(t, dispatch.StatusRejected, rows[1].Status)
	require.NotNil(t, rows[1].Reason)
	assert.Equal(t, "boundary-violation", *rows[1].Reason)
	assert.NotContains(t, app.MainPaths(t), "internal/billing/invoice.go")
}

// A worker turn that trips a story stop condition pauses the whole
// session for human review instead of burning a retry; an operator
// resume picks the gate back up.
func TestE2E_StopConditionPausesSession(t *testing.T) {
	w := NewScriptedWorker()
	w.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	w.AddSequential(WorkerScriptEntry{Chunks: []worker.Chunk{
		&worker.CommandChunk{Command: `echo "schema migration required before the users table changes"`},
	}})
	w.AddSequential(WorkerScriptEntry{Summary: "tests written, migration deferred"})
	w.AddSequential(WorkerScriptEntry{Summary: "implemented"})
	w.AddSequential(WorkerScriptEntry{Summary: "refactored"})
	w.AddSequential(WorkerScriptEntry{Summary: "qa passed"})
	w.AddSequential(WorkerScriptEntry{Summary: "review approved"})

	app := NewTestApp(t, WithWorker(w))
	sessionID := app.SubmitSession(t, buildStory("story-auth", "auth", 1))

	app.WaitForSessionStatus(t, sessionID, "paused")

	detail := app.GetSessionDetail(t, sessionID)
	assert.Equal(t, "stop-condition", detail.PauseReason)

	// The stop came from inside the dispatch, not from the operator: one
	// dispatcher-origin emergency stop, no failed gate, no retry burned.
	sigs := app.QuerySignals(t, sessionID)
	assert.Equal(t, 1, countKind(sigs, signalbus.KindEmergencyStop))
	stop := firstKind(sigs, signalbus.KindEmergencyStop)
	require.NotNil(t, stop)
	assert.Equal(t, signalbus.ProducerDispatcher, stop.Producer)
	assert.Zero(t, countKind(sigs, signalbus.KindGateFailed))
	assert.Zero(t, countKind(sigs, signalbus.KindRetryRequested))

	rows := app.QueryDispatches(t, sessionID)
	require.Len(t, rows, 2)
	assert.Equal(t, dispatch.StatusStopped, rows[1].Status)
	require.NotNil(t, rows[1].Reason)
	assert.Equal(t, "stop-condition", *rows[1].Reason)

	// Operator reviewed and cleared the run.
	app.ResumeSession(t, sessionID)
	app.WaitForSessionStatus(t, sessionID, "completed")

	detail = app.GetSessionDetail(t, sessionID)
	assert.Equal(t, 0, detail.Stories[0].RetryCount)
	assert.Equal(t, string(gate.Deployed), detail.Stories[0].Gate)
}
