package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/pkg/models"
)

func validStory(id string) models.StorySpec {
	return models.StorySpec{
		ID:     id,
		Title:  "User login",
		Domain: "AUTH",
		Role:   "backend-1",
		Wave:   1,
		Objective: models.Objective{
			AsA:    "registered user",
			IWant:  "to log in with email and password",
			SoThat: "I can access my account",
		},
		AcceptanceCriteria: []string{
			"valid credentials return a session token",
			"invalid credentials return 401",
			"five failed attempts lock the account",
		},
		Files: models.StoryFiles{
			Create:    []string{"internal/auth/**"},
			Forbidden: []string{"internal/billing/**"},
		},
		Safety: models.StorySafety{
			StopConditions: []string{
				"schema migration required",
				"touches payment provider credentials",
				"requires new external dependency",
			},
		},
		Thresholds: models.StoryThresholds{
			MaxTokens:          100_000,
			MaxCostUSD:         5,
			MaxDurationMinutes: 30,
		},
	}
}

func TestValidateStorySpecAccepts(t *testing.T) {
	spec := validStory("story-001")
	require.NoError(t, ValidateStorySpec(&spec))
}

func TestValidateStorySpecRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.StorySpec)
		field  string
	}{
		{"missing id", func(s *models.StorySpec) { s.ID = "" }, "id"},
		{"missing title", func(s *models.StorySpec) { s.Title = "" }, "title"},
		{"missing domain", func(s *models.StorySpec) { s.Domain = "" }, "domain"},
		{"missing role", func(s *models.StorySpec) { s.Role = "" }, "role"},
		{"zero wave", func(s *models.StorySpec) { s.Wave = 0 }, "wave"},
		{"missing objective", func(s *models.StorySpec) { s.Objective.IWant = "" }, "objective"},
		{"too few criteria", func(s *models.StorySpec) {
			s.AcceptanceCriteria = s.AcceptanceCriteria[:2]
		}, "acceptance_criteria"},
		{"too few stop conditions", func(s *models.StorySpec) {
			s.Safety.StopConditions = s.Safety.StopConditions[:1]
		}, "safety.stop_conditions"},
		{"zero token cap", func(s *models.StorySpec) { s.Thresholds.MaxTokens = 0 }, "thresholds.max_tokens"},
		{"negative cost cap", func(s *models.StorySpec) { s.Thresholds.MaxCostUSD = -1 }, "thresholds.max_cost"},
		{"zero duration", func(s *models.StorySpec) { s.Thresholds.MaxDurationMinutes = 0 }, "thresholds.max_duration_minutes"},
		{"negative retries", func(s *models.StorySpec) { s.Thresholds.MaxRetries = -1 }, "thresholds.max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validStory("story-001")
			tt.mutate(&spec)

			err := ValidateStorySpec(&spec)
			require.Error(t, err)
			require.True(t, IsValidationError(err))

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateStoriesRejectsDuplicates(t *testing.T) {
	stories := []models.StorySpec{validStory("story-001"), validStory("story-001")}

	err := ValidateStories(stories)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateStoriesRejectsEmptySet(t *testing.T) {
	err := ValidateStories(nil)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestStoryRowIDRoundTrip(t *testing.T) {
	row := storyRowID("sess-1", "story-001")
	assert.Equal(t, "sess-1:story-001", row)
	assert.Equal(t, "story-001", storySpecID(row))
	assert.Equal(t, "bare", storySpecID("bare"))
}
