package services

import (
	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/story"
	"github.com/waveworks/wave/pkg/models"
)

// StoryRecord is a story's persisted state alongside its submission
// spec. The orchestrator consumes these when (re)building its plan.
type StoryRecord struct {
	Spec            models.StorySpec
	Status          story.Status
	Gate            string
	RetryCount      int
	WorkspaceBranch string
}

func storyRecord(st *ent.Story) StoryRecord {
	rec := StoryRecord{
		Spec: models.StorySpec{
			ID:     storySpecID(st.ID),
			Title:  st.Title,
			Domain: st.Domain,
			Role:   st.Role,
			Wave:   st.Wave,
			Objective: models.Objective{
				AsA:    st.Objective["as_a"],
				IWant:  st.Objective["i_want"],
				SoThat: st.Objective["so_that"],
			},
			AcceptanceCriteria: st.AcceptanceCriteria,
			Files: models.StoryFiles{
				Create:    st.FilesCreate,
				Modify:    st.FilesModify,
				Forbidden: st.FilesForbidden,
			},
			Safety: models.StorySafety{
				StopConditions: st.StopConditions,
			},
			Thresholds: models.StoryThresholds{
				MaxTokens:          st.MaxTokens,
				MaxCostUSD:         st.MaxCostUsd,
				MaxDurationMinutes: st.MaxDurationMinutes,
				MaxRetries:         st.MaxRetries,
			},
			ReadFirst: st.ReadFirst,
		},
		Status:     st.Status,
		Gate:       st.Gate,
		RetryCount: st.RetryCount,
	}
	if st.WorkspaceBranch != nil {
		rec.WorkspaceBranch = *st.WorkspaceBranch
	}
	return rec
}
