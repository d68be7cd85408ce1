package services

import (
	"context"
	"fmt"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/story"
	"github.com/waveworks/wave/pkg/gate"
)

// StoryService applies driver-side story state updates. All methods
// address stories by their session-scoped spec ID.
type StoryService struct {
	client *ent.Client
}

// NewStoryService creates a new StoryService.
func NewStoryService(client *ent.Client) *StoryService {
	if client == nil {
		panic("NewStoryService: client must not be nil")
	}
	return &StoryService{client: client}
}

// SetGate records the latest gate a story has completed.
func (s *StoryService) SetGate(ctx context.Context, sessionID, storyID string, g gate.Gate) error {
	err := s.client.Story.UpdateOneID(storyRowID(sessionID, storyID)).
		SetGate(string(g)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set gate for story '%s': %w", storyID, err)
	}
	return nil
}

// SetStatus moves a story to a new lifecycle status.
func (s *StoryService) SetStatus(ctx context.Context, sessionID, storyID string, status story.Status) error {
	err := s.client.Story.UpdateOneID(storyRowID(sessionID, storyID)).
		SetStatus(status).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set status for story '%s': %w", storyID, err)
	}
	return nil
}

// IncrementRetry bumps a story's fix-attempt counter and returns the new
// value.
func (s *StoryService) IncrementRetry(ctx context.Context, sessionID, storyID string) (int, error) {
	st, err := s.client.Story.UpdateOneID(storyRowID(sessionID, storyID)).
		AddRetryCount(1).
		Save(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for story '%s': %w", storyID, err)
	}
	return st.RetryCount, nil
}

// AddUsage rolls a worker turn's spend into the story and the session.
func (s *StoryService) AddUsage(ctx context.Context, sessionID, storyID string, tokensIn, tokensOut int64, costUSD float64) error {
	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.Story.UpdateOneID(storyRowID(sessionID, storyID)).
		AddTokensIn(tokensIn).
		AddTokensOut(tokensOut).
		AddCostUsd(costUSD).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add usage to story '%s': %w", storyID, err)
	}

	err = tx.Session.UpdateOneID(sessionID).
		AddTokensIn(tokensIn).
		AddTokensOut(tokensOut).
		AddCostUsd(costUSD).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add usage to session: %w", err)
	}
	return tx.Commit()
}

// SetWorkspaceBranch records the tip branch of the story's most recent
// dispatch, so a retry or recovery can base itself on it.
func (s *StoryService) SetWorkspaceBranch(ctx context.Context, sessionID, storyID, branch string) error {
	err := s.client.Story.UpdateOneID(storyRowID(sessionID, storyID)).
		SetWorkspaceBranch(branch).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set workspace branch for story '%s': %w", storyID, err)
	}
	return nil
}

// Specs loads a session's stories back into their submission form, in
// wave order. The orchestrator plans dispatches from these.
func (s *StoryService) Specs(ctx context.Context, sessionID string) ([]StoryRecord, error) {
	stories, err := s.client.Story.Query().
		Where(story.SessionID(sessionID)).
		Order(ent.Asc(story.FieldWave), ent.Asc(story.FieldID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stories: %w", err)
	}

	records := make([]StoryRecord, 0, len(stories))
	for _, st := range stories {
		records = append(records, storyRecord(st))
	}
	return records, nil
}
