package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"entgo.io/ent/dialect/sql"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/session"
	"github.com/waveworks/wave/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single driver-pool worker that polls for and drives sessions.
type Worker struct {
	id     string
	podID  string
	client *ent.Client
	config *config.QueueConfig
	runner SessionRunner
	pool   SessionRegistry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu               sync.RWMutex
	status           WorkerStatus
	currentSessionID string
	sessionsDriven   int
	lastActivity     time.Time
}

// SessionRegistry is the subset of WorkerPool used by Worker for session registration.
type SessionRegistry interface {
	RegisterSession(sessionID string, cancel context.CancelFunc)
	UnregisterSession(sessionID string)
}

// NewWorker creates a new driver-pool worker.
func NewWorker(id, podID string, client *ent.Client, cfg *config.QueueConfig, runner SessionRunner, pool SessionRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		client:       client,
		config:       cfg,
		runner:       runner,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:               w.id,
		Status:           string(w.status),
		CurrentSessionID: w.currentSessionID,
		SessionsDriven:   w.sessionsDriven,
		LastActivity:     w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndDrive(ctx); err != nil {
				if errors.Is(err, ErrNoSessionsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error driving session", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndDrive checks capacity, claims a session, and drives it.
func (w *Worker) pollAndDrive(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by DriverCount and mitigated by poll jitter).
	activeCount, err := w.client.Session.Query().
		Where(session.StatusIn(session.StatusRunning, session.StatusPaused)).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("checking active sessions: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentSessions {
		return ErrAtCapacity
	}

	// 2. Claim next session
	sess, err := w.claimNextSession(ctx)
	if err != nil {
		return err
	}

	log := slog.With("session_id", sess.ID, "worker_id", w.id)
	log.Info("Session claimed")

	w.setStatus(WorkerStatusWorking, sess.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Bound one driving pass. On timeout the driver checkpoints and
	// returns; the session is requeued and resumed by a later pass.
	sessionCtx, cancelSession := context.WithTimeout(ctx, w.config.SessionTimeout)
	defer cancelSession()

	// 4. Register cancel function for API-triggered cancellation
	w.pool.RegisterSession(sess.ID, cancelSession)
	defer w.pool.UnregisterSession(sess.ID)

	// 5. Refresh the claim heartbeat while driving, so the orphan scan
	// never reaps a session with a live driver.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(sessionCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, sess.ID)

	// 6. Drive the session
	err = w.runner.Run(sessionCtx, sess.ID)

	w.mu.Lock()
	w.sessionsDriven++
	w.mu.Unlock()

	switch {
	case err == nil:
		// The driver recorded the session's status itself: terminal, or
		// paused when it parked the session for infrastructure recovery.
		log.Info("Session driving pass complete")
		return nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// Interrupted, not failed: the checkpoint makes the session
		// resumable, so hand it back to the queue.
		if rqErr := w.requeueSession(context.Background(), sess.ID); rqErr != nil {
			log.Error("Failed to requeue interrupted session", "error", rqErr)
			return rqErr
		}
		log.Info("Session requeued after interruption", "cause", err)
		return nil

	default:
		if failErr := w.failSession(context.Background(), sess.ID, err); failErr != nil {
			log.Error("Failed to record session failure", "error", failErr)
			return failErr
		}
		log.Error("Session driving pass failed", "error", err)
		return nil
	}
}

// runHeartbeat periodically refreshes the driven session's heartbeat.
// The orphan scan treats a stale heartbeat as a dead driver.
func (w *Worker) runHeartbeat(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Session.UpdateOneID(sessionID).
				SetLastHeartbeatAt(time.Now()).
				Exec(ctx); err != nil {
				slog.Warn("Heartbeat update failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// claimNextSession atomically claims the next pending session using FOR UPDATE SKIP LOCKED.
func (w *Worker) claimNextSession(ctx context.Context) (*ent.Session, error) {
	tx, err := w.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SELECT ... FOR UPDATE SKIP LOCKED
	// Order by created_at for FIFO processing
	sess, err := tx.Session.Query().
		Where(session.StatusEQ(session.StatusPending)).
		Order(ent.Asc(session.FieldCreatedAt)).
		Limit(1).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNoSessionsAvailable
		}
		return nil, fmt.Errorf("failed to query pending session: %w", err)
	}

	// Claim: mark running on this pod so capacity checks and the orphan
	// scan see it. The heartbeat is refreshed for as long as the session
	// is driven.
	sess, err = sess.Update().
		SetStatus(session.StatusRunning).
		SetPodID(w.podID).
		SetLastHeartbeatAt(time.Now()).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return sess, nil
}

// requeueSession returns an interrupted session to the pending queue.
// A session the driver already finished is left untouched.
func (w *Worker) requeueSession(ctx context.Context, sessionID string) error {
	_, err := w.client.Session.Update().
		Where(
			session.IDEQ(sessionID),
			session.StatusIn(session.StatusRunning, session.StatusPaused),
		).
		SetStatus(session.StatusPending).
		ClearPodID().
		Save(ctx)
	return err
}

// failSession records a terminal failure for a session whose driver
// returned an unexpected error.
func (w *Worker) failSession(ctx context.Context, sessionID string, cause error) error {
	_, err := w.client.Session.Update().
		Where(
			session.IDEQ(sessionID),
			session.StatusIn(session.StatusRunning, session.StatusPaused),
		).
		SetStatus(session.StatusFailed).
		SetErrorMessage(cause.Error()).
		SetCompletedAt(time.Now()).
		Save(ctx)
	return err
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSessionID = sessionID
	w.lastActivity = time.Now()
}
