package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/models"
)

func testConfig() *config.BudgetConfig {
	return &config.BudgetConfig{
		MaxTokens:  1000,
		MaxCostUSD: 100,
		Rates: map[string]config.ModelRate{
			"worker-default": {InputPerToken: 0.01, OutputPerToken: 0.02},
		},
	}
}

func testStory() *models.StorySpec {
	return &models.StorySpec{
		ID: "story-001",
		Thresholds: models.StoryThresholds{
			MaxTokens:  400,
			MaxCostUSD: 50,
		},
	}
}

func TestCostUsesRateTable(t *testing.T) {
	a := NewAccountant(testConfig())

	assert.InDelta(t, 100*0.01+50*0.02, a.Cost("worker-default", 100, 50), 1e-9)
	assert.Equal(t, 0.0, a.Cost("unknown-model", 100, 50))
}

func TestRecordAccumulates(t *testing.T) {
	a := NewAccountant(testConfig())
	story := testStory()

	a.Record(story, "worker-default", 100, 50)
	a.Record(story, "worker-default", 10, 5)

	session := a.SessionUsage()
	assert.Equal(t, int64(110), session.TokensIn)
	assert.Equal(t, int64(55), session.TokensOut)
	assert.Equal(t, session, a.StoryUsage("story-001"))
	assert.Equal(t, Usage{}, a.StoryUsage("story-other"))
}

func TestThresholdsFireOnceEach(t *testing.T) {
	a := NewAccountant(testConfig())
	story := testStory()
	story.Thresholds = models.StoryThresholds{} // no story caps here

	// 400 of 1000 tokens: below every threshold.
	ch := a.Record(story, "worker-default", 400, 0)
	assert.Empty(t, ch.Crossed)

	// 600 of 1000: crosses 0.50 only. Cost fraction stays lower.
	ch = a.Record(story, "worker-default", 200, 0)
	assert.Equal(t, []float64{0.50}, ch.Crossed)

	// A later charge does not re-report 0.50.
	ch = a.Record(story, "worker-default", 10, 0)
	assert.Empty(t, ch.Crossed)

	// Jumping from 61% to 100% reports every remaining threshold once.
	ch = a.Record(story, "worker-default", 390, 0)
	assert.Equal(t, []float64{0.75, 0.90, 1.00}, ch.Crossed)
	assert.True(t, ch.SessionExceeded)
}

func TestBoundaryCountsAsCrossed(t *testing.T) {
	a := NewAccountant(testConfig())
	story := testStory()
	story.Thresholds = models.StoryThresholds{}

	ch := a.Record(story, "worker-default", 500, 0)
	assert.Equal(t, []float64{0.50}, ch.Crossed)
	assert.InDelta(t, 0.50, ch.SessionFraction, 1e-9)
}

func TestFractionIsWorstOfTokensAndCost(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCostUSD = 2 // 100 input tokens cost $1 = 50%
	a := NewAccountant(cfg)
	story := testStory()
	story.Thresholds = models.StoryThresholds{}

	ch := a.Record(story, "worker-default", 100, 0)
	// Token fraction is 10%, cost fraction is 50%; cost wins.
	assert.InDelta(t, 0.50, ch.SessionFraction, 1e-9)
	assert.Equal(t, []float64{0.50}, ch.Crossed)
}

func TestStoryOverBudget(t *testing.T) {
	a := NewAccountant(testConfig())
	story := testStory() // story token cap 400

	ch := a.Record(story, "worker-default", 300, 0)
	assert.False(t, ch.StoryOverBudget)

	ch = a.Record(story, "worker-default", 100, 0)
	assert.True(t, ch.StoryOverBudget, "reaching the story cap exactly counts")

	// Another story is unaffected.
	other := testStory()
	other.ID = "story-002"
	ch = a.Record(other, "worker-default", 100, 0)
	assert.False(t, ch.StoryOverBudget)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := NewAccountant(testConfig())
	story := testStory()
	story.Thresholds = models.StoryThresholds{}

	a.Record(story, "worker-default", 600, 0) // crosses 0.50

	ledger := a.Snapshot()
	assert.Equal(t, []float64{0.50}, ledger.Crossed)

	restored := Restore(testConfig(), ledger)
	assert.Equal(t, a.SessionUsage(), restored.SessionUsage())

	// Crossed thresholds stay one-shot across recovery.
	ch := restored.Record(story, "worker-default", 10, 0)
	assert.Empty(t, ch.Crossed)
}

func TestSessionSnapshot(t *testing.T) {
	a := NewAccountant(testConfig())
	story := testStory()

	a.Record(story, "worker-default", 100, 50)

	snap := a.SessionSnapshot()
	assert.Equal(t, int64(100), snap.TokensIn)
	assert.Equal(t, int64(50), snap.TokensOut)
	assert.Equal(t, int64(1000), snap.CapTokens)
	assert.Equal(t, 100.0, snap.CapCostUSD)
	require.Greater(t, snap.Fraction, 0.0)
}
