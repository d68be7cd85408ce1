package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/waveworks/wave/pkg/models"
)

func boundedStory() *models.StorySpec {
	return &models.StorySpec{
		ID: "story-001",
		Files: models.StoryFiles{
			Create:    []string{"internal/auth/**"},
			Modify:    []string{"internal/server/routes.go"},
			Forbidden: []string{"internal/auth/keys/**"},
		},
	}
}

func TestPolicyAllowsDeclaredPaths(t *testing.T) {
	p := PolicyFor(boundedStory(), nil)

	assert.NoError(t, p.Check("internal/auth/login.go"))
	assert.NoError(t, p.Check("internal/auth/session/store.go"))
	assert.NoError(t, p.Check("internal/server/routes.go"))
}

func TestPolicyRejectsOutsideBoundary(t *testing.T) {
	p := PolicyFor(boundedStory(), nil)

	assert.Error(t, p.Check("internal/server/middleware.go"))
	assert.Error(t, p.Check("cmd/wave/main.go"))
	assert.Error(t, p.Check("README.md"))
}

func TestPolicyForbiddenWinsOverCreate(t *testing.T) {
	p := PolicyFor(boundedStory(), nil)

	// Inside the create glob, but under a forbidden subtree.
	err := p.Check("internal/auth/keys/signing.pem")
	assert.ErrorContains(t, err, "forbidden")
}

func TestPolicyMergesGlobalForbidden(t *testing.T) {
	p := PolicyFor(boundedStory(), []string{".env", "**/*.pem"})

	assert.ErrorContains(t, p.Check(".env"), "forbidden")
	assert.ErrorContains(t, p.Check("internal/auth/cert.pem"), "forbidden")
}

func TestPolicyUnconstrainedStory(t *testing.T) {
	story := &models.StorySpec{ID: "story-002"}
	p := PolicyFor(story, []string{".git/**"})

	assert.NoError(t, p.Check("anything/at/all.go"))
	assert.Error(t, p.Check(".git/config"))
}
