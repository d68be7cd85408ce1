package services

import (
	"fmt"
	"strings"

	"github.com/waveworks/wave/pkg/models"
)

// Story validation minima. A story that cannot say when it is done, or
// when it must stop, is not dispatchable.
const (
	minAcceptanceCriteria = 3
	minStopConditions     = 3
)

// ValidateStorySpec checks one story against the submission minima.
func ValidateStorySpec(spec *models.StorySpec) error {
	if spec.ID == "" {
		return NewValidationError("id", "story id is required")
	}
	if spec.Title == "" {
		return NewValidationError("title", fmt.Sprintf("story '%s': title is required", spec.ID))
	}
	if spec.Domain == "" {
		return NewValidationError("domain", fmt.Sprintf("story '%s': domain is required", spec.ID))
	}
	if spec.Role == "" {
		return NewValidationError("role", fmt.Sprintf("story '%s': role is required", spec.ID))
	}
	if spec.Wave < 1 {
		return NewValidationError("wave", fmt.Sprintf("story '%s': wave must be >= 1", spec.ID))
	}
	if spec.Objective.IWant == "" {
		return NewValidationError("objective", fmt.Sprintf("story '%s': objective.i_want is required", spec.ID))
	}
	if len(spec.AcceptanceCriteria) < minAcceptanceCriteria {
		return NewValidationError("acceptance_criteria",
			fmt.Sprintf("story '%s': at least %d acceptance criteria required, got %d",
				spec.ID, minAcceptanceCriteria, len(spec.AcceptanceCriteria)))
	}
	if len(spec.Safety.StopConditions) < minStopConditions {
		return NewValidationError("safety.stop_conditions",
			fmt.Sprintf("story '%s': at least %d stop conditions required, got %d",
				spec.ID, minStopConditions, len(spec.Safety.StopConditions)))
	}
	if spec.Thresholds.MaxTokens <= 0 {
		return NewValidationError("thresholds.max_tokens",
			fmt.Sprintf("story '%s': max_tokens must be positive", spec.ID))
	}
	if spec.Thresholds.MaxCostUSD <= 0 {
		return NewValidationError("thresholds.max_cost",
			fmt.Sprintf("story '%s': max_cost must be positive", spec.ID))
	}
	if spec.Thresholds.MaxDurationMinutes <= 0 {
		return NewValidationError("thresholds.max_duration_minutes",
			fmt.Sprintf("story '%s': max_duration_minutes must be positive", spec.ID))
	}
	if spec.Thresholds.MaxRetries < 0 {
		return NewValidationError("thresholds.max_retries",
			fmt.Sprintf("story '%s': max_retries must not be negative", spec.ID))
	}
	return nil
}

// ValidateStories checks the full submission: each story individually,
// plus ID uniqueness across the set.
func ValidateStories(stories []models.StorySpec) error {
	if len(stories) == 0 {
		return NewValidationError("stories", "at least one story is required")
	}
	seen := make(map[string]bool, len(stories))
	for i := range stories {
		spec := &stories[i]
		if err := ValidateStorySpec(spec); err != nil {
			return err
		}
		if seen[spec.ID] {
			return NewValidationError("id", fmt.Sprintf("duplicate story id '%s'", spec.ID))
		}
		seen[spec.ID] = true
	}
	return nil
}

// Story row IDs are namespaced by session because user-assigned story IDs
// (story-001, ...) repeat across sessions.

func storyRowID(sessionID, storyID string) string {
	return sessionID + ":" + storyID
}

func storySpecID(rowID string) string {
	if _, spec, ok := strings.Cut(rowID, ":"); ok {
		return spec
	}
	return rowID
}
