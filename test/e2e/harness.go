// Package e2e provides end-to-end test infrastructure for the wave
// control plane: a full in-process boot (database, signal bus, driver
// pool, HTTP API) with only the agent worker replaced by a script.
package e2e

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/pkg/api"
	"github.com/waveworks/wave/pkg/checkpoint"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/database"
	"github.com/waveworks/wave/pkg/dispatch"
	"github.com/waveworks/wave/pkg/orchestrator"
	"github.com/waveworks/wave/pkg/queue"
	"github.com/waveworks/wave/pkg/safety"
	"github.com/waveworks/wave/pkg/services"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/workspace"
	"github.com/waveworks/wave/test/util"
)

// TestApp boots a complete wave instance for e2e testing.
type TestApp struct {
	// Core
	Config    *config.Config
	EntClient *ent.Client
	DB        *stdsql.DB

	// Mocks / test wiring
	Worker *ScriptedWorker

	// Real infrastructure
	Bus         *signalbus.Bus
	Checkpoints *checkpoint.Store
	Workspaces  *workspace.Provider
	Sessions    *services.SessionService
	Stories     *services.StoryService
	Dispatches  *services.DispatchService
	Pool        *queue.WorkerPool

	// Runtime
	BaseURL    string // e.g. "http://127.0.0.1:54321"
	ProjectDir string // seeded git repository sessions operate on

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg            *config.Config
	worker         *ScriptedWorker
	driverCount    int
	sessionTimeout time.Duration
	podID          string           // custom pod ID (for multi-replica tests)
	dbClient       *database.Client // shared database (for multi-replica tests)
	workspaceRoot  string           // shared worktree scratch area
	projectDir     string           // shared project repo
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config. Queue timings and the workspace root
// are still overridden with test-appropriate values.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithWorker sets a pre-scripted worker client.
func WithWorker(w *ScriptedWorker) TestAppOption {
	return func(c *testAppConfig) { c.worker = w }
}

// WithDriverCount sets the number of session driver goroutines.
func WithDriverCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.driverCount = n }
}

// WithSessionTimeout sets the per-driving-pass timeout.
func WithSessionTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.sessionTimeout = d }
}

// WithPodID overrides the auto-generated pod ID. Required for
// multi-replica tests so each replica gets a distinct identity for
// session claiming and orphan detection.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// WithDBClient injects a database client instead of creating a per-test
// schema. Used with testdb.NewSharedTestDB so multiple replicas share one
// schema while keeping independent connection pools.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithWorkspaceRoot overrides the per-test worktree scratch area. Replicas
// that must reclaim each other's worktrees need a common root.
func WithWorkspaceRoot(root string) TestAppOption {
	return func(c *testAppConfig) { c.workspaceRoot = root }
}

// WithProjectDir reuses an existing project repository instead of seeding
// a fresh one. Pass another app's ProjectDir so both replicas operate on
// the same branches.
func WithProjectDir(dir string) TestAppOption {
	return func(c *testAppConfig) { c.projectDir = dir }
}

// NewTestApp creates and starts a full wave test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	// Apply options.
	tc := &testAppConfig{
		driverCount:    1,
		sessionTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(tc)
	}

	// Default config if not provided: built-in defaults from an empty
	// config dir.
	if tc.cfg == nil {
		cfg, err := config.Initialize(t.TempDir())
		require.NoError(t, err)
		tc.cfg = cfg
	}

	// Test-appropriate queue settings: aggressive polling, short timeouts.
	tc.cfg.Queue.DriverCount = tc.driverCount
	tc.cfg.Queue.MaxConcurrentSessions = tc.driverCount
	tc.cfg.Queue.PollInterval = 100 * time.Millisecond
	tc.cfg.Queue.PollIntervalJitter = 50 * time.Millisecond
	tc.cfg.Queue.SessionTimeout = tc.sessionTimeout
	tc.cfg.Queue.HeartbeatInterval = 5 * time.Second
	tc.cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	tc.cfg.Queue.OrphanDetectionInterval = 1 * time.Minute
	tc.cfg.Queue.OrphanThreshold = 1 * time.Minute
	tc.cfg.Queue.VisibilityTimeout = 5 * time.Second

	// Every test gets its own scratch area for worktrees.
	tc.cfg.Workspace.Root = tc.workspaceRoot
	if tc.cfg.Workspace.Root == "" {
		tc.cfg.Workspace.Root = filepath.Join(t.TempDir(), "workspaces")
	}
	tc.cfg.Workspace.AllocRetryJitter = 50 * time.Millisecond

	// Default worker if not provided.
	if tc.worker == nil {
		tc.worker = NewScriptedWorker()
	}

	// 1. Database — per-test schema with migrations applied, unless a
	// shared client was injected.
	var entClient *ent.Client
	var db *stdsql.DB
	if tc.dbClient != nil {
		entClient = tc.dbClient.Client
		db = tc.dbClient.DB()
	} else {
		entClient, db = util.SetupTestDatabase(t)
	}

	// 2. Signal bus — real, LISTEN rides a dedicated connection on the
	// base connection string.
	bus := signalbus.NewBus(db, util.GetBaseConnectionString(t), tc.cfg.Queue.VisibilityTimeout)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	// 3. Domain services.
	sessions := services.NewSessionService(entClient, bus, tc.cfg)
	stories := services.NewStoryService(entClient)
	dispatches := services.NewDispatchService(entClient)

	// 4. Checkpoints, workspaces, safety.
	checkpoints := checkpoint.NewStore(db)
	workspaces := workspace.NewProvider(tc.cfg.Workspace, workspace.Git{})
	evaluator := safety.NewEvaluator(tc.cfg.Safety)

	// 5. Dispatcher backed by the scripted worker.
	dispatcher := dispatch.NewDispatcher(tc.worker, evaluator, workspaces, bus, tc.cfg)

	// 6. Session driver + pool.
	podID := tc.podID
	if podID == "" {
		podID = fmt.Sprintf("e2e-test-%s", t.Name())
	}
	driver := orchestrator.NewDriver(orchestrator.Deps{
		Cfg:         tc.cfg,
		Bus:         bus,
		Checkpoints: checkpoints,
		Dispatcher:  dispatcher,
		Workspaces:  workspaces,
		Sessions:    sessions,
		Stories:     stories,
		Dispatches:  dispatches,
		PodID:       podID,
	})
	pool := queue.NewWorkerPool(podID, entClient, tc.cfg.Queue, driver)
	require.NoError(t, pool.Start(ctx))

	// 7. HTTP server on random port.
	gin.SetMode(gin.TestMode)
	server := api.NewServer(sessions, pool, db)
	httpServer := &http.Server{Handler: server.Router()}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = httpServer.Serve(ln)
	}()

	app := &TestApp{
		Config:      tc.cfg,
		EntClient:   entClient,
		DB:          db,
		Worker:      tc.worker,
		Bus:         bus,
		Checkpoints: checkpoints,
		Workspaces:  workspaces,
		Sessions:    sessions,
		Stories:     stories,
		Dispatches:  dispatches,
		Pool:        pool,
		BaseURL:     fmt.Sprintf("http://%s", ln.Addr().String()),
		ProjectDir:  tc.projectDir,
		t:           t,
	}
	if app.ProjectDir == "" {
		app.ProjectDir = InitProjectRepo(t)
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		pool.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		bus.Stop(context.Background())
		// DB cleanup handled by util.SetupTestDatabase / SharedTestDB
	})

	return app
}

// InitProjectRepo creates the git repository a test session operates on:
// an initial commit on the integration branch carrying a README and the
// docs stories preload via read_first.
func InitProjectRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	mustGit(t, dir, "init")
	mustGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	mustGit(t, dir, "config", "user.email", "wave-e2e@example.com")
	mustGit(t, dir, "config", "user.name", "wave e2e")

	writeProjectFile(t, dir, "README.md", "# demo project\n")
	writeProjectFile(t, dir, "docs/auth.md", "# auth notes\n\nToken flow: short-lived access token, refresh on 401.\nLockout: five failed attempts, 15 minute cooldown.\n")

	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "initial import")
	return dir
}

// mustGit runs a git command in dir and fails the test on error.
func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeProjectFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
