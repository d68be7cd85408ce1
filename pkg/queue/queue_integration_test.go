package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/session"
	"github.com/waveworks/wave/test/util"
)

// recordingRunner drives sessions by recording them and writing the
// configured outcome.
type recordingRunner struct {
	client *ent.Client
	err    error

	mu     sync.Mutex
	driven []string
}

func (r *recordingRunner) Run(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.driven = append(r.driven, sessionID)
	r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	return r.client.Session.UpdateOneID(sessionID).
		SetStatus(session.StatusCompleted).
		SetCompletedAt(time.Now()).
		Exec(ctx)
}

func (r *recordingRunner) drivenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.driven...)
}

func createTestSession(t *testing.T, client *ent.Client, id string, createdAt time.Time) *ent.Session {
	t.Helper()
	sess, err := client.Session.Create().
		SetID(id).
		SetProjectID("proj-1").
		SetProjectPath(t.TempDir()).
		SetCreatedAt(createdAt).
		Save(context.Background())
	require.NoError(t, err)
	return sess
}

func TestWorkerClaimsOldestPendingFirst(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	now := time.Now()
	createTestSession(t, client, "sess-newer", now)
	createTestSession(t, client, "sess-older", now.Add(-time.Minute))

	runner := &recordingRunner{client: client}
	pool := &WorkerPool{activeSessions: make(map[string]context.CancelFunc)}
	w := NewWorker("driver-0", "pod-1", client, testQueueConfig(), runner, pool)

	require.NoError(t, w.pollAndDrive(ctx))
	require.NoError(t, w.pollAndDrive(ctx))
	assert.Equal(t, []string{"sess-older", "sess-newer"}, runner.drivenIDs())

	for _, id := range []string{"sess-older", "sess-newer"} {
		sess, err := client.Session.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, sess.Status)
	}

	assert.ErrorIs(t, w.pollAndDrive(ctx), ErrNoSessionsAvailable)
}

func TestWorkerClaimRecordsPodAndHeartbeat(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	createTestSession(t, client, "sess-1", time.Now())
	w := NewWorker("driver-0", "pod-7", client, testQueueConfig(), nil, nil)

	sess, err := w.claimNextSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, sess.Status)
	require.NotNil(t, sess.PodID)
	assert.Equal(t, "pod-7", *sess.PodID)
	assert.NotNil(t, sess.LastHeartbeatAt)
}

func TestWorkerRequeuesInterruptedSession(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	createTestSession(t, client, "sess-1", time.Now())

	runner := &recordingRunner{client: client, err: context.Canceled}
	pool := &WorkerPool{activeSessions: make(map[string]context.CancelFunc)}
	w := NewWorker("driver-0", "pod-1", client, testQueueConfig(), runner, pool)

	require.NoError(t, w.pollAndDrive(ctx))

	sess, err := client.Session.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status, "interrupted session must go back to the queue")
	assert.Nil(t, sess.PodID)
}

func TestWorkerFailsSessionOnDriverError(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	createTestSession(t, client, "sess-1", time.Now())

	runner := &recordingRunner{client: client, err: errors.New("stories table unreadable")}
	pool := &WorkerPool{activeSessions: make(map[string]context.CancelFunc)}
	w := NewWorker("driver-0", "pod-1", client, testQueueConfig(), runner, pool)

	require.NoError(t, w.pollAndDrive(ctx))

	sess, err := client.Session.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)
	require.NotNil(t, sess.ErrorMessage)
	assert.Equal(t, "stories table unreadable", *sess.ErrorMessage)
	assert.NotNil(t, sess.CompletedAt)
}

func TestWorkerRespectsGlobalCapacity(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	busy := createTestSession(t, client, "sess-busy", time.Now())
	require.NoError(t, busy.Update().SetStatus(session.StatusRunning).Exec(ctx))
	createTestSession(t, client, "sess-waiting", time.Now())

	cfg := testQueueConfig()
	cfg.MaxConcurrentSessions = 1
	w := NewWorker("driver-0", "pod-1", client, cfg, nil, nil)

	assert.ErrorIs(t, w.pollAndDrive(ctx), ErrAtCapacity)
}

func TestOrphanScanRequeuesStaleSessions(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	stale := createTestSession(t, client, "sess-stale", time.Now())
	require.NoError(t, stale.Update().
		SetStatus(session.StatusRunning).
		SetPodID("pod-dead").
		SetLastHeartbeatAt(time.Now().Add(-time.Hour)).
		Exec(ctx))

	fresh := createTestSession(t, client, "sess-fresh", time.Now())
	require.NoError(t, fresh.Update().
		SetStatus(session.StatusRunning).
		SetPodID("pod-live").
		SetLastHeartbeatAt(time.Now()).
		Exec(ctx))

	pool := NewWorkerPool("pod-1", client, testQueueConfig(), nil)
	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	sess, err := client.Session.Get(ctx, "sess-stale")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Nil(t, sess.PodID)

	sess, err = client.Session.Get(ctx, "sess-fresh")
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, sess.Status)

	health := pool.Health()
	assert.Equal(t, 1, health.OrphansRecovered)
	assert.False(t, health.LastOrphanScan.IsZero())
}

func TestRequeueStartupOrphans(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	mine := createTestSession(t, client, "sess-mine", time.Now())
	require.NoError(t, mine.Update().
		SetStatus(session.StatusPaused).
		SetPodID("pod-1").
		Exec(ctx))

	theirs := createTestSession(t, client, "sess-theirs", time.Now())
	require.NoError(t, theirs.Update().
		SetStatus(session.StatusRunning).
		SetPodID("pod-2").
		Exec(ctx))

	require.NoError(t, RequeueStartupOrphans(ctx, client, "pod-1"))

	sess, err := client.Session.Get(ctx, "sess-mine")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)

	sess, err = client.Session.Get(ctx, "sess-theirs")
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, sess.Status, "other pods' sessions are left to the heartbeat scan")
}

func TestPoolHealthReportsQueueDepth(t *testing.T) {
	client, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	createTestSession(t, client, "sess-pending-1", time.Now())
	createTestSession(t, client, "sess-pending-2", time.Now())
	active := createTestSession(t, client, "sess-active", time.Now())
	require.NoError(t, active.Update().
		SetStatus(session.StatusRunning).
		SetPodID("pod-1").
		Exec(ctx))

	pool := NewWorkerPool("pod-1", client, testQueueConfig(), nil)
	health := pool.Health()

	assert.True(t, health.DBReachable)
	assert.Equal(t, 2, health.QueueDepth)
	assert.Equal(t, 1, health.ActiveSessions)
	assert.Equal(t, "pod-1", health.PodID)
}
