package checkpoint

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/pkg/budget"
	"github.com/waveworks/wave/pkg/contextcache"
	"github.com/waveworks/wave/pkg/gate"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/test/util"
)

type storeTestEnv struct {
	store     *Store
	bus       *signalbus.Bus
	entClient *ent.Client
	db        *sql.DB
	sessionID string
}

func setupStoreTest(t *testing.T) *storeTestEnv {
	t.Helper()
	ctx := context.Background()

	entClient, db := util.SetupTestDatabase(t)

	sessionID := uuid.NewString()
	_, err := entClient.Session.Create().
		SetID(sessionID).
		SetProjectID("proj-test").
		SetProjectPath("/tmp/proj-test").
		Save(ctx)
	require.NoError(t, err)

	return &storeTestEnv{
		store:     NewStore(db),
		bus:       signalbus.NewBus(db, util.GetBaseConnectionString(t), 0),
		entClient: entClient,
		db:        db,
		sessionID: sessionID,
	}
}

func (e *storeTestEnv) snapshot() *Snapshot {
	return &Snapshot{
		SessionID: e.sessionID,
		Gate:      gate.DevStarted,
		StoryGates: map[string]gate.Gate{
			"story-001": gate.DevStarted,
			"story-002": gate.PlanApproved,
		},
		RetryCounts: map[string]int{"story-001": 1},
		BudgetLedger: budget.Ledger{
			Session: budget.Usage{TokensIn: 1000, TokensOut: 400, CostUSD: 1.5},
			Stories: map[string]budget.Usage{
				"story-001": {TokensIn: 1000, TokensOut: 400, CostUSD: 1.5},
			},
			Crossed: []float64{0.50},
		},
		OutstandingDispatches: []DispatchRef{
			{DispatchID: "disp-1", StoryID: "story-001", Role: "backend-1",
				Gate: string(gate.DevStarted), Branch: "wave/s/story-001/attempt-1"},
		},
		ContextSummary: contextcache.Summary{
			Entries:    3,
			TokensUsed: 4200,
			TokenCap:   48000,
			PinnedKeys: []string{"manifest:story-001"},
		},
	}
}

func TestSaveAndLoadLatest(t *testing.T) {
	env := setupStoreTest(t)
	ctx := context.Background()

	want := env.snapshot()
	seq, err := env.store.Save(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	got, err := env.store.LoadLatest(ctx, env.sessionID)
	require.NoError(t, err)
	assert.Equal(t, want.Gate, got.Gate)
	assert.Equal(t, want.StoryGates, got.StoryGates)
	assert.Equal(t, want.RetryCounts, got.RetryCounts)
	assert.Equal(t, want.BudgetLedger, got.BudgetLedger)
	assert.Equal(t, want.OutstandingDispatches, got.OutstandingDispatches)
	assert.Equal(t, want.ContextSummary, got.ContextSummary)
	assert.Equal(t, seq, got.Seq)
}

func TestLoadLatestWithoutCheckpoint(t *testing.T) {
	env := setupStoreTest(t)

	_, err := env.store.LoadLatest(context.Background(), env.sessionID)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestLoadLatestCorruptRow(t *testing.T) {
	env := setupStoreTest(t)
	ctx := context.Background()

	_, err := env.store.Save(ctx, env.snapshot())
	require.NoError(t, err)

	t.Run("payload of the wrong shape", func(t *testing.T) {
		// JSONB accepts any valid JSON, so a bad writer can still leave a
		// value the snapshot cannot be decoded from.
		_, err := env.db.ExecContext(ctx,
			`UPDATE checkpoints SET retry_counts = '"scrambled"' WHERE session_id = $1`,
			env.sessionID)
		require.NoError(t, err)

		_, err = env.store.LoadLatest(ctx, env.sessionID)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("unknown gate", func(t *testing.T) {
		_, err := env.db.ExecContext(ctx,
			`UPDATE checkpoints SET gate = 'NOT_A_GATE' WHERE session_id = $1`,
			env.sessionID)
		require.NoError(t, err)

		_, err = env.store.LoadLatest(ctx, env.sessionID)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestSaveWritesAuditSignalAndHeadPointer(t *testing.T) {
	env := setupStoreTest(t)
	ctx := context.Background()

	// Two ordinary signals first, so the checkpoint interleaves.
	for i := 0; i < 2; i++ {
		_, err := env.bus.Publish(ctx, signalbus.Signal{
			SessionID: env.sessionID,
			Kind:      signalbus.KindHeartbeat,
			Producer:  "test",
		})
		require.NoError(t, err)
	}

	seq, err := env.store.Save(ctx, env.snapshot())
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq, "checkpoint takes the next session sequence")

	signals, err := env.bus.SignalsSince(ctx, env.sessionID, 2)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, signalbus.KindCheckpointSaved, signals[0].Kind)

	sess, err := env.entClient.Session.Get(ctx, env.sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.HeadCheckpointSeq)
	assert.Equal(t, int64(3), *sess.HeadCheckpointSeq)
}

func TestRetentionPrunesOldCheckpoints(t *testing.T) {
	env := setupStoreTest(t)
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < Retention+3; i++ {
		snap := env.snapshot()
		seq, err := env.store.Save(ctx, snap)
		require.NoError(t, err)
		lastSeq = seq
	}

	n, err := env.store.Count(ctx, env.sessionID)
	require.NoError(t, err)
	assert.Equal(t, Retention, n)

	got, err := env.store.LoadLatest(ctx, env.sessionID)
	require.NoError(t, err)
	assert.Equal(t, lastSeq, got.Seq, "latest checkpoint survives pruning")
}

func TestSaveIsAtomicPerSession(t *testing.T) {
	env := setupStoreTest(t)
	ctx := context.Background()

	// A second session's checkpoints do not interfere.
	otherID := uuid.NewString()
	_, err := env.entClient.Session.Create().
		SetID(otherID).
		SetProjectID("proj-other").
		SetProjectPath("/tmp/proj-other").
		Save(ctx)
	require.NoError(t, err)

	_, err = env.store.Save(ctx, env.snapshot())
	require.NoError(t, err)

	other := env.snapshot()
	other.SessionID = otherID
	seq, err := env.store.Save(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "sequences are per session")
}
