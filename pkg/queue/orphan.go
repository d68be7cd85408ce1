package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/session"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned sessions.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds live sessions with stale heartbeats and
// returns them to the pending queue. The checkpoint plus the signal log
// make the session resumable, so orphaning is never terminal.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	orphans, err := p.client.Session.Query().
		Where(
			session.StatusIn(session.StatusRunning, session.StatusPaused),
			session.LastHeartbeatAtNotNil(),
			session.LastHeartbeatAtLT(threshold),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query orphaned sessions: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned sessions", "count", len(orphans))

	recovered := 0
	for _, sess := range orphans {
		if err := p.recoverOrphanedSession(ctx, sess); err != nil {
			slog.Error("Failed to recover orphaned session",
				"session_id", sess.ID,
				"error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphanedSession requeues a single orphaned session for resume.
func (p *WorkerPool) recoverOrphanedSession(ctx context.Context, sess *ent.Session) error {
	lastHeartbeat := "unknown"
	if sess.LastHeartbeatAt != nil {
		lastHeartbeat = sess.LastHeartbeatAt.Format(time.RFC3339)
	}

	podID := "unknown"
	if sess.PodID != nil {
		podID = *sess.PodID
	}

	// Conditional on status so a driver that raced us to a terminal
	// status wins.
	n, err := p.client.Session.Update().
		Where(
			session.IDEQ(sess.ID),
			session.StatusIn(session.StatusRunning, session.StatusPaused),
			session.LastHeartbeatAtLT(time.Now().Add(-p.config.OrphanThreshold)),
		).
		SetStatus(session.StatusPending).
		ClearPodID().
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue orphaned session: %w", err)
	}
	if n > 0 {
		slog.Warn("Orphaned session requeued for resume",
			"session_id", sess.ID,
			"old_pod_id", podID,
			"last_heartbeat", lastHeartbeat)
	}
	return nil
}

// RequeueStartupOrphans performs a one-time requeue of sessions owned by
// this pod that were live when the pod previously crashed.
// Called once during startup, before the driver pool begins processing.
func RequeueStartupOrphans(ctx context.Context, client *ent.Client, podID string) error {
	n, err := client.Session.Update().
		Where(
			session.StatusIn(session.StatusRunning, session.StatusPaused),
			session.PodIDEQ(podID),
		).
		SetStatus(session.StatusPending).
		ClearPodID().
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	if n > 0 {
		slog.Warn("Requeued startup orphans from previous run",
			"pod_id", podID,
			"count", n)
	}
	return nil
}
