package e2e

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent/dispatch"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/workspace"
	testdb "github.com/waveworks/wave/test/database"
)

// ────────────────────────────────────────────────────────────
// Crash recovery test — a replica dies mid-dispatch, the session is
// requeued from its last checkpoint, and a second replica drives it to
// completion without repeating finished gates.
// ────────────────────────────────────────────────────────────

func TestE2E_CrashRecovery(t *testing.T) {
	sharedDB := testdb.NewSharedTestDB(t)
	workspaceRoot := filepath.Join(t.TempDir(), "workspaces")

	// Replica 1 completes the plan, tests, and dev gates, then hangs in
	// the refactor turn until it is torn down.
	onBlock := make(chan struct{}, 1)
	w1 := NewScriptedWorker()
	w1.AddSequential(WorkerScriptEntry{Summary: "plan drafted"})
	w1.AddSequential(WorkerScriptEntry{Summary: "tests written"})
	w1.AddSequential(WorkerScriptEntry{Summary: "implemented"})
	w1.AddSequential(WorkerScriptEntry{BlockUntilCancelled: true, OnBlock: onBlock})

	app1 := NewTestApp(t,
		WithWorker(w1),
		WithDBClient(sharedDB.NewClient(t)),
		WithPodID("replica-1"),
		WithWorkspaceRoot(workspaceRoot),
	)
	sessionID := app1.SubmitSession(t, buildStory("story-auth", "auth", 1))

	<-onBlock
	require.Equal(t, 4, w1.CallCount())

	// Simulated crash: drain the pool while cancelling the in-flight
	// driving pass, the same sequence a pod teardown produces.
	stopDone := make(chan struct{})
	go func() {
		app1.Pool.Stop()
		close(stopDone)
	}()
	require.True(t, app1.Pool.CancelSession(sessionID), "session should be claimed by replica-1")
	<-stopDone

	// The interrupted session went back to the queue, resumable from the
	// checkpoint taken before the refactor dispatch.
	detail := app1.GetSessionDetail(t, sessionID)
	assert.Equal(t, "pending", detail.Status)

	snap, err := app1.Checkpoints.LoadLatest(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, gate.DevComplete, snap.StoryGates["story-auth"])
	require.Len(t, snap.OutstandingDispatches, 1)
	outstanding := snap.OutstandingDispatches[0]
	assert.Equal(t, "story-auth", outstanding.StoryID)
	assert.Equal(t, string(gate.RefactorComplete), outstanding.Gate)
	assert.Equal(t, workspace.BranchName(sessionID, "story-auth", 3), outstanding.Branch)

	// Replica 2 picks the session up against the same database, project
	// repo, and workspace root.
	w2 := NewScriptedWorker()
	w2.AddSequential(WorkerScriptEntry{Summary: "refactored"})
	w2.AddSequential(WorkerScriptEntry{Summary: "qa passed"})
	w2.AddSequential(WorkerScriptEntry{Summary: "review approved"})

	app2 := NewTestApp(t,
		WithWorker(w2),
		WithDBClient(sharedDB.NewClient(t)),
		WithPodID("replica-2"),
		WithWorkspaceRoot(workspaceRoot),
		WithProjectDir(app1.ProjectDir),
	)

	app2.WaitForSessionStatus(t, sessionID, "completed")

	// Completed gates were not repeated: three turns on replica 1, three
	// on replica 2, and the gate sequence is whole.
	assert.Equal(t, 4, w1.CallCount())
	assert.Equal(t, 3, w2.CallCount())

	inputs := w2.CapturedInputs()
	require.Len(t, inputs, 3)
	var gates []string
	for _, input := range inputs {
		gates = append(gates, input.Gate)
	}
	assert.Equal(t, []string{
		string(gate.RefactorComplete),
		string(gate.QAPassed),
		string(gate.ReviewApproved),
	}, gates)
	assert.Empty(t, inputs[0].Feedback, "a recovered dispatch is not a fix attempt")

	sigs := app2.QuerySignals(t, sessionID)
	assert.Equal(t, len(gate.Order), countKind(sigs, signalbus.KindGateCompleted))
	seen := map[string]bool{}
	for _, sig := range sigs {
		if sig.Kind == signalbus.KindGateCompleted {
			g, _ := sig.Payload["gate"].(string)
			assert.False(t, seen[g], "gate %s completed twice", g)
			seen[g] = true
		}
	}

	// The abandoned refactor dispatch was reconciled as orphaned; its
	// replacement ran on a fresh attempt branch based off the dev tip.
	rows := app2.QueryDispatches(t, sessionID)
	require.Len(t, rows, 7)

	orphaned := rows[3]
	assert.Equal(t, string(gate.RefactorComplete), orphaned.Gate)
	assert.Equal(t, dispatch.StatusFailed, orphaned.Status)
	require.NotNil(t, orphaned.Reason)
	assert.Equal(t, "orphaned", *orphaned.Reason)
	assert.Equal(t, workspace.BranchName(sessionID, "story-auth", 3), orphaned.WorkspaceBranch)

	recovered := rows[4]
	assert.Equal(t, string(gate.RefactorComplete), recovered.Gate)
	assert.Equal(t, dispatch.StatusCompleted, recovered.Status)
	assert.Equal(t, workspace.BranchName(sessionID, "story-auth", 4), recovered.WorkspaceBranch)

	detail = app2.GetSessionDetail(t, sessionID)
	assert.Equal(t, string(gate.Deployed), detail.Stories[0].Gate)
	assert.Equal(t, 0, detail.Stories[0].RetryCount)
	assert.Equal(t, 1, app2.MergeCount(t))
}
