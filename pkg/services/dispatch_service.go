package services

import (
	"context"
	"fmt"
	"time"

	"github.com/waveworks/wave/ent"
	entdispatch "github.com/waveworks/wave/ent/dispatch"
	"github.com/waveworks/wave/pkg/budget"
	"github.com/waveworks/wave/pkg/gate"
)

// DispatchService keeps the dispatch audit trail: one row per worker
// invocation, updated when the dispatch reaches a terminal status.
type DispatchService struct {
	client *ent.Client
}

// NewDispatchService creates a new DispatchService.
func NewDispatchService(client *ent.Client) *DispatchService {
	if client == nil {
		panic("NewDispatchService: client must not be nil")
	}
	return &DispatchService{client: client}
}

// Start records a dispatch entering the running state.
func (s *DispatchService) Start(ctx context.Context, dispatchID, sessionID, storyID, role string, g gate.Gate, branch string) error {
	err := s.client.Dispatch.Create().
		SetID(dispatchID).
		SetSessionID(sessionID).
		SetStoryID(storyID).
		SetRole(role).
		SetGate(string(g)).
		SetWorkspaceBranch(branch).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record dispatch start: %w", err)
	}
	return nil
}

// Finish records a dispatch's terminal status, reason, and spend.
func (s *DispatchService) Finish(ctx context.Context, dispatchID string, status entdispatch.Status, reason string, usage budget.Usage) error {
	update := s.client.Dispatch.UpdateOneID(dispatchID).
		SetStatus(status).
		SetTokensIn(usage.TokensIn).
		SetTokensOut(usage.TokensOut).
		SetCostUsd(usage.CostUSD).
		SetFinishedAt(time.Now())
	if reason != "" {
		update.SetReason(reason)
	}
	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record dispatch finish: %w", err)
	}
	return nil
}

// Running lists a session's dispatches that never reached a terminal
// status. After a crash these are the suspects whose workspaces must be
// reclaimed.
func (s *DispatchService) Running(ctx context.Context, sessionID string) ([]*ent.Dispatch, error) {
	rows, err := s.client.Dispatch.Query().
		Where(
			entdispatch.SessionID(sessionID),
			entdispatch.StatusEQ(entdispatch.StatusRunning),
		).
		Order(ent.Asc(entdispatch.FieldStartedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running dispatches: %w", err)
	}
	return rows, nil
}

// MarkOrphaned moves any still-running dispatches of a session to failed.
// Called during recovery before the enclosing gates are reissued.
func (s *DispatchService) MarkOrphaned(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.Dispatch.Update().
		Where(
			entdispatch.SessionID(sessionID),
			entdispatch.StatusEQ(entdispatch.StatusRunning),
		).
		SetStatus(entdispatch.StatusFailed).
		SetReason("orphaned").
		SetFinishedAt(time.Now()).
		Save(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned dispatches: %w", err)
	}
	return n, nil
}
