package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent/dispatch"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/signalbus"
)

// ────────────────────────────────────────────────────────────
// Budget governance tests — threshold warnings fire once each, a
// session over its cap pauses for operator review, and a story over
// its own cap burns retries until escalation.
// ────────────────────────────────────────────────────────────

// Each scripted turn costs 1500 tokens. With a 6000-token session cap
// the fourth turn lands exactly on 100%: three one-shot warnings on the
// way up, one exceeded signal, and a paused session.
func TestE2E_SessionBudgetPausesSession(t *testing.T) {
	cfg, err := config.Initialize(t.TempDir())
	require.NoError(t, err)
	cfg.Budget.MaxTokens = 6000

	w := NewScriptedWorker()
	w.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	w.AddSequential(WorkerScriptEntry{Summary: "tests written"})
	w.AddSequential(WorkerScriptEntry{Summary: "implemented"})
	w.AddSequential(WorkerScriptEntry{Summary: "refactored"})

	app := NewTestApp(t, WithConfig(cfg), WithWorker(w))
	sessionID := app.SubmitSession(t, buildStory("story-auth", "auth", 1))

	app.WaitForSessionStatus(t, sessionID, "paused")

	detail := app.GetSessionDetail(t, sessionID)
	assert.Equal(t, "session budget exceeded", detail.PauseReason)
	assert.Equal(t, int64(4*scriptTokensIn), detail.Budget.TokensIn)
	assert.Equal(t, int64(4*scriptTokensOut), detail.Budget.TokensOut)
	assert.InDelta(t, 1.0, detail.Budget.Fraction, 1e-9)

	sigs := app.QuerySignals(t, sessionID)
	var warned []float64
	for _, sig := range sigs {
		if sig.Kind == signalbus.KindBudgetWarning {
			th, ok := sig.Payload["threshold"].(float64)
			require.True(t, ok, "warning payload carries a numeric threshold")
			warned = append(warned, th)
		}
	}
	assert.Equal(t, []float64{0.5, 0.75, 0.9}, warned, "each threshold warns exactly once, in order")

	assert.Equal(t, 1, countKind(sigs, signalbus.KindBudgetExceeded))
	exceeded := firstKind(sigs, signalbus.KindBudgetExceeded)
	require.NotNil(t, exceeded)
	assert.InDelta(t, 1.0, exceeded.Payload["threshold"], 1e-9)
	assert.InDelta(t, 1.0, exceeded.Payload["fraction"], 1e-9)

	// The cap killed the fourth turn; pausing wins over retrying it.
	kills := w.Kills()
	require.Len(t, kills, 1)
	assert.Equal(t, "session-budget-exceeded", kills[0].Reason)
	assert.Zero(t, countKind(sigs, signalbus.KindRetryRequested))
	assert.Equal(t, 4, w.CallCount())

	rows := app.QueryDispatches(t, sessionID)
	require.Len(t, rows, 4)
	last := rows[3]
	assert.Equal(t, string(gate.RefactorComplete), last.Gate)
	assert.Equal(t, dispatch.StatusFailed, last.Status)
	require.NotNil(t, last.Reason)
	assert.Equal(t, "session-budget-exceeded", *last.Reason)

	// Operator reviews the spend and abandons the run.
	app.AbortSession(t, sessionID, "budget exhausted, abandoning run")
	app.WaitForSessionStatus(t, sessionID, "aborted")
	detail = app.GetSessionDetail(t, sessionID)
	assert.Equal(t, "budget exhausted, abandoning run", detail.ErrorMessage)
}

// A story cap is the story's problem, not the session's: the over-budget
// turn fails the gate, the fix attempt is charged against the same
// exhausted cap, and the story escalates.
func TestE2E_StoryBudgetEscalates(t *testing.T) {
	story := buildStory("story-auth", "auth", 1)
	story.Thresholds.MaxTokens = 4000
	story.Thresholds.MaxRetries = 1

	w := NewScriptedWorker()
	w.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	w.AddSequential(WorkerScriptEntry{Summary: "tests written"})
	w.AddSequential(WorkerScriptEntry{Summary: "implemented"})
	w.AddSequential(WorkerScriptEntry{Summary: "fix attempt"})

	app := NewTestApp(t, WithWorker(w))
	sessionID := app.SubmitSession(t, story)

	app.WaitForStoryStatus(t, sessionID, "story-auth", "escalated")

	sigs := app.QuerySignals(t, sessionID)
	assert.Equal(t, 2, countKind(sigs, signalbus.KindGateFailed))
	failed := firstKind(sigs, signalbus.KindGateFailed)
	require.NotNil(t, failed)
	assert.Equal(t, string(gate.DevComplete), failed.Payload["gate"])
	assert.Equal(t, "story-budget-exceeded", failed.Payload["reason"])
	assert.Equal(t, 1, countKind(sigs, signalbus.KindRetryRequested))
	assert.Equal(t, 1, countKind(sigs, signalbus.KindEscalation))

	// The session cap was never threatened.
	assert.Zero(t, countKind(sigs, signalbus.KindBudgetWarning))
	assert.Zero(t, countKind(sigs, signalbus.KindBudgetExceeded))

	kills := w.Kills()
	require.Len(t, kills, 2)
	assert.Equal(t, "story-budget-exceeded", kills[0].Reason)
	assert.Equal(t, "story-budget-exceeded", kills[1].Reason)

	inputs := w.CapturedInputs()
	require.Len(t, inputs, 4)
	assert.Equal(t, "backend-fix", inputs[3].Role)
	assert.Equal(t, string(gate.DevComplete), inputs[3].Gate)

	stories := app.QueryStories(t, sessionID)
	require.Len(t, stories, 1)
	assert.Equal(t, 1, stories[0].RetryCount)

	app.AbortSession(t, sessionID, "story budget review")
	app.WaitForSessionStatus(t, sessionID, "aborted")
}
