package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent"
	entdispatch "github.com/waveworks/wave/ent/dispatch"
	"github.com/waveworks/wave/ent/story"
	"github.com/waveworks/wave/pkg/models"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/pkg/workspace"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// SubmitSession posts a session for the test project repo and returns
// the new session ID.
func (app *TestApp) SubmitSession(t *testing.T, stories ...models.StorySpec) string {
	t.Helper()
	body := models.CreateSessionRequest{
		ProjectID:   "demo-project",
		ProjectPath: app.ProjectDir,
		Stories:     stories,
	}
	resp := app.postJSON(t, "/api/v1/sessions", body, http.StatusCreated)
	id, _ := resp["session_id"].(string)
	require.NotEmpty(t, id, "create session returned no session_id")
	return id
}

// GetSessionDetail retrieves a session by ID as the typed detail view.
func (app *TestApp) GetSessionDetail(t *testing.T, sessionID string) models.SessionDetail {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		app.BaseURL+"/api/v1/sessions/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET session %s: unexpected status", sessionID)
	var detail models.SessionDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	return detail
}

// GetSessionList calls GET /api/v1/sessions with optional query params.
func (app *TestApp) GetSessionList(t *testing.T, queryParams string) map[string]interface{} {
	t.Helper()
	path := "/api/v1/sessions"
	if queryParams != "" {
		path += "?" + queryParams
	}
	return app.getJSON(t, path, http.StatusOK)
}

// PauseSession sends POST /api/v1/sessions/:id/pause.
func (app *TestApp) PauseSession(t *testing.T, sessionID, reason string) {
	t.Helper()
	app.postJSON(t, "/api/v1/sessions/"+sessionID+"/pause",
		models.PauseRequest{Reason: reason}, http.StatusAccepted)
}

// ResumeSession sends POST /api/v1/sessions/:id/resume.
func (app *TestApp) ResumeSession(t *testing.T, sessionID string) {
	t.Helper()
	app.postJSON(t, "/api/v1/sessions/"+sessionID+"/resume", nil, http.StatusAccepted)
}

// AbortSession sends POST /api/v1/sessions/:id/abort.
func (app *TestApp) AbortSession(t *testing.T, sessionID, reason string) {
	t.Helper()
	app.postJSON(t, "/api/v1/sessions/"+sessionID+"/abort",
		models.AbortRequest{Reason: reason}, http.StatusAccepted)
}

// EmergencyStopSession sends POST /api/v1/sessions/:id/emergency-stop.
func (app *TestApp) EmergencyStopSession(t *testing.T, sessionID, reason string) {
	t.Helper()
	app.postJSON(t, "/api/v1/sessions/"+sessionID+"/emergency-stop",
		models.AbortRequest{Reason: reason}, http.StatusAccepted)
}

// CloseSession sends POST /api/v1/sessions/:id/close.
func (app *TestApp) CloseSession(t *testing.T, sessionID string) {
	t.Helper()
	app.postJSON(t, "/api/v1/sessions/"+sessionID+"/close", nil, http.StatusOK)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForSessionStatus polls the DB until the session reaches the expected status.
func (app *TestApp) WaitForSessionStatus(t *testing.T, sessionID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		s, err := app.EntClient.Session.Get(context.Background(), sessionID)
		if err != nil {
			return false
		}
		actual = string(s.Status)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"session %s did not reach status %v (last: %s)", sessionID, expected, actual)
	return actual
}

// WaitForStoryStatus polls the DB until the story reaches the expected status.
// Story rows are keyed "sessionID:storyID".
func (app *TestApp) WaitForStoryStatus(t *testing.T, sessionID, storyID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		st, err := app.EntClient.Story.Get(context.Background(), sessionID+":"+storyID)
		if err != nil {
			return false
		}
		actual = string(st.Status)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"story %s/%s did not reach status %v (last: %s)", sessionID, storyID, expected, actual)
	return actual
}

// WaitForCallCount polls until the scripted worker has seen at least n
// Invoke() calls. Used to sequence control signals against dispatches.
func (app *TestApp) WaitForCallCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Worker.CallCount() >= n
	}, 30*time.Second, 100*time.Millisecond,
		"worker did not reach %d invocations (last: %d)", n, app.Worker.CallCount())
}

// WaitForKillCount polls until the scripted worker has seen at least n
// Kill() calls.
func (app *TestApp) WaitForKillCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(app.Worker.Kills()) >= n
	}, 30*time.Second, 100*time.Millisecond,
		"worker did not reach %d kills (last: %d)", n, len(app.Worker.Kills()))
}

// ────────────────────────────────────────────────────────────
// DB / Signal Query Helpers
// ────────────────────────────────────────────────────────────

// QueryStories returns all stories of a session, ordered by wave.
func (app *TestApp) QueryStories(t *testing.T, sessionID string) []*ent.Story {
	t.Helper()
	stories, err := app.EntClient.Story.Query().
		Where(story.SessionID(sessionID)).
		Order(ent.Asc(story.FieldWave), ent.Asc(story.FieldID)).
		All(context.Background())
	require.NoError(t, err)
	return stories
}

// QueryDispatches returns all dispatch rows of a session in start order.
func (app *TestApp) QueryDispatches(t *testing.T, sessionID string) []*ent.Dispatch {
	t.Helper()
	rows, err := app.EntClient.Dispatch.Query().
		Where(entdispatch.SessionID(sessionID)).
		Order(ent.Asc(entdispatch.FieldStartedAt), ent.Asc(entdispatch.FieldID)).
		All(context.Background())
	require.NoError(t, err)
	return rows
}

// QuerySignals returns the full persisted signal log of a session.
func (app *TestApp) QuerySignals(t *testing.T, sessionID string) []signalbus.Signal {
	t.Helper()
	sigs, err := app.Bus.SignalsSince(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return sigs
}

// countKind counts signals of one kind.
func countKind(sigs []signalbus.Signal, kind signalbus.Kind) int {
	n := 0
	for _, sig := range sigs {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

// firstKind returns the first signal of one kind, or nil.
func firstKind(sigs []signalbus.Signal, kind signalbus.Kind) *signalbus.Signal {
	for i := range sigs {
		if sigs[i].Kind == kind {
			return &sigs[i]
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Git Helpers
// ────────────────────────────────────────────────────────────

// MainPaths lists every file on the integration branch of the project repo.
func (app *TestApp) MainPaths(t *testing.T) []string {
	t.Helper()
	out := mustGit(t, app.ProjectDir, "ls-tree", "-r", "--name-only", "main")
	return strings.Fields(out)
}

// ShowOnMain returns a file's content at the tip of the integration branch.
func (app *TestApp) ShowOnMain(t *testing.T, path string) string {
	t.Helper()
	return mustGit(t, app.ProjectDir, "show", "main:"+path)
}

// MergeCount counts merge commits on the integration branch.
func (app *TestApp) MergeCount(t *testing.T) int {
	t.Helper()
	out := strings.TrimSpace(mustGit(t, app.ProjectDir, "rev-list", "--merges", "--count", "main"))
	n := 0
	_, err := fmt.Sscanf(out, "%d", &n)
	require.NoError(t, err)
	return n
}

// ────────────────────────────────────────────────────────────
// Stop Sentinel Helper
// ────────────────────────────────────────────────────────────

// PlantStopSentinel writes the session's emergency stop file. The
// dispatcher honors it before workspace allocation and between worker
// turns.
func (app *TestApp) PlantStopSentinel(t *testing.T, sessionID, reason string) {
	t.Helper()
	path := filepath.Join(app.Config.Workspace.Root, sessionID, workspace.StopFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(reason+"\n"), 0o644))
}

// ────────────────────────────────────────────────────────────
// Story Fixtures
// ────────────────────────────────────────────────────────────

// buildStory returns a dispatchable story spec scoped to one project
// area. Tests tweak the returned value (waves, thresholds, stop
// conditions) as needed.
func buildStory(id, area string, wave int) models.StorySpec {
	return models.StorySpec{
		ID:     id,
		Title:  fmt.Sprintf("Implement %s endpoints", area),
		Domain: strings.ToUpper(area),
		Role:   "backend-1",
		Wave:   wave,
		Objective: models.Objective{
			AsA:    "user",
			IWant:  fmt.Sprintf("working %s endpoints", area),
			SoThat: "I can use the product",
		},
		AcceptanceCriteria: []string{
			"endpoints respond with documented status codes",
			"invalid input returns a structured error",
			"unit tests cover the handler paths",
		},
		Files: models.StoryFiles{
			Create:    []string{fmt.Sprintf("internal/%s/**", area)},
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
			MaxRetries:         3,
		},
	}
}
