// Package cleanup provides data retention services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/session"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/services"
)

// Service periodically enforces retention policies:
//   - Closes terminal sessions past the auto-close window, pruning
//     their signal logs
//   - Deletes closed sessions past the purge window (stories,
//     checkpoints, and dispatches go with them via cascade)
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config   *config.RetentionConfig
	client   *ent.Client
	sessions *services.SessionService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, client *ent.Client, sessions *services.SessionService) *Service {
	return &Service{
		config:   cfg,
		client:   client,
		sessions: sessions,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"auto_close_after_days", s.config.AutoCloseAfterDays,
		"purge_after_days", s.config.PurgeAfterDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single retention pass.
func (s *Service) RunOnce(ctx context.Context) {
	s.closeOldSessions(ctx)
	s.purgeClosedSessions(ctx)
}

// closeOldSessions closes terminal sessions whose signal logs have
// outlived the auto-close window.
func (s *Service) closeOldSessions(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.AutoCloseAfterDays)

	ids, err := s.client.Session.Query().
		Where(
			session.StatusIn(session.StatusCompleted, session.StatusFailed, session.StatusAborted),
			session.ClosedAtIsNil(),
			session.CompletedAtNotNil(),
			session.CompletedAtLT(cutoff),
		).
		IDs(ctx)
	if err != nil {
		slog.Error("Retention: query for closable sessions failed", "error", err)
		return
	}

	closed := 0
	for _, id := range ids {
		if err := s.sessions.CloseSession(ctx, id); err != nil {
			slog.Error("Retention: auto-close failed", "session_id", id, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		slog.Info("Retention: auto-closed old sessions", "count", closed)
	}
}

// purgeClosedSessions deletes closed sessions past the purge window.
func (s *Service) purgeClosedSessions(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.PurgeAfterDays)

	count, err := s.client.Session.Delete().
		Where(
			session.ClosedAtNotNil(),
			session.ClosedAtLT(cutoff),
		).
		Exec(ctx)
	if err != nil {
		slog.Error("Retention: purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged closed sessions", "count", count)
	}
}
