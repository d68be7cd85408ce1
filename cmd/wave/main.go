// WAVE control plane server: HTTP intake API, session driver pool, and
// the durable signal/checkpoint infrastructure behind both.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waveworks/wave/pkg/api"
	"github.com/waveworks/wave/pkg/checkpoint"
	"github.com/waveworks/wave/pkg/cleanup"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/database"
	"github.com/waveworks/wave/pkg/dispatch"
	"github.com/waveworks/wave/pkg/orchestrator"
	"github.com/waveworks/wave/pkg/queue"
	"github.com/waveworks/wave/pkg/safety"
	"github.com/waveworks/wave/pkg/services"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/version"
	workerclient "github.com/waveworks/wave/pkg/worker"
	"github.com/waveworks/wave/pkg/workspace"
)

// Exit codes: 1 usage, 2 infrastructure, 3 configuration.
const (
	exitUsage  = 1
	exitInfra  = 2
	exitConfig = 3
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting WAVE",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitConfig)
	}

	// 2. Database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(exitConfig)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitInfra)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Requeue sessions this pod abandoned in a previous run. Their
	// checkpoints make them resumable, so this must happen before the
	// pool starts claiming.
	if err := queue.RequeueStartupOrphans(ctx, dbClient.Client, podID); err != nil {
		slog.Error("Failed to requeue startup orphans", "error", err)
		// Non-fatal — the periodic orphan scan covers the same ground.
	}

	// 4. Signal bus (dedicated LISTEN connection + redelivery sweep)
	bus := signalbus.NewBus(dbClient.DB(), dbConfig.DSN(), cfg.Queue.VisibilityTimeout)
	if err := bus.Start(ctx); err != nil {
		slog.Error("Failed to start signal bus", "error", err)
		os.Exit(exitInfra)
	}
	defer bus.Stop(ctx)
	slog.Info("Signal bus started")

	// 5. Services and orchestration collaborators
	sessionService := services.NewSessionService(dbClient.Client, bus, cfg)
	storyService := services.NewStoryService(dbClient.Client)
	dispatchService := services.NewDispatchService(dbClient.Client)
	checkpoints := checkpoint.NewStore(dbClient.DB())
	workspaces := workspace.NewProvider(cfg.Workspace, workspace.Git{})
	evaluator := safety.NewEvaluator(cfg.Safety)

	// Worker service client (lazy dial; first RPC connects)
	agentWorkers, err := workerclient.NewGRPCClient(cfg.Worker.Addr)
	if err != nil {
		slog.Error("Failed to initialize worker client", "addr", cfg.Worker.Addr, "error", err)
		os.Exit(exitInfra)
	}
	defer func() {
		if err := agentWorkers.Close(); err != nil {
			slog.Error("Error closing worker client", "error", err)
		}
	}()
	slog.Info("Worker client initialized", "addr", cfg.Worker.Addr)

	dispatcher := dispatch.NewDispatcher(agentWorkers, evaluator, workspaces, bus, cfg)

	driver := orchestrator.NewDriver(orchestrator.Deps{
		Cfg:         cfg,
		Bus:         bus,
		Checkpoints: checkpoints,
		Dispatcher:  dispatcher,
		Workspaces:  workspaces,
		Sessions:    sessionService,
		Stories:     storyService,
		Dispatches:  dispatchService,
		PodID:       podID,
	})

	// 6. Retention service
	retention := cleanup.NewService(cfg.Retention, dbClient.Client, sessionService)
	retention.Start(ctx)
	defer retention.Stop()

	// 7. Driver pool (before the HTTP server, so intake never outpaces it)
	pool := queue.NewWorkerPool(podID, dbClient.Client, cfg.Queue, driver)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start driver pool", "error", err)
		os.Exit(exitInfra)
	}

	// 8. HTTP server
	apiServer := api.NewServer(sessionService, pool, dbClient.DB())
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("WAVE started successfully",
		"pod_id", podID,
		"drivers", cfg.Queue.DriverCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drivers checkpoint and release their sessions
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancelShutdown()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Driver pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — interrupted sessions will be orphan-recovered")
	}

	httpShutdownCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
