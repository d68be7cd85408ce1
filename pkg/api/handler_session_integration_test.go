package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveworks/wave/ent"
	"github.com/waveworks/wave/ent/session"
	"github.com/waveworks/wave/pkg/config"
	"github.com/waveworks/wave/pkg/models"
	"github.com/waveworks/wave/pkg/services"
	"github.com/waveworks/wave/pkg/signalbus"
	"github.com/waveworks/wave/test/util"
)

type apiTestEnv struct {
	router    *gin.Engine
	entClient *ent.Client
	sessions  *services.SessionService
}

func setupAPITest(t *testing.T) *apiTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	entClient, db := util.SetupTestDatabase(t)
	bus := signalbus.NewBus(db, util.GetBaseConnectionString(t), 0)

	cfg, err := config.Initialize(t.TempDir())
	require.NoError(t, err)

	sessions := services.NewSessionService(entClient, bus, cfg)
	server := NewServer(sessions, nil, db)

	return &apiTestEnv{
		router:    server.Router(),
		entClient: entClient,
		sessions:  sessions,
	}
}

func (env *apiTestEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func testStory(id string, wave int) models.StorySpec {
	return models.StorySpec{
		ID:     id,
		Title:  "Password reset flow",
		Domain: "AUTH",
		Role:   "backend-1",
		Wave:   wave,
		Objective: models.Objective{
			AsA:    "user",
			IWant:  "to reset my password",
			SoThat: "I can regain access",
		},
		AcceptanceCriteria: []string{
			"reset email is sent",
			"token expires after one hour",
			"old password stops working",
		},
		Files: models.StoryFiles{
			Create:    []string{"internal/auth/reset/**"},
			Forbidden: []string{"internal/billing/**"},
		},
		Safety: models.StorySafety{
			StopConditions: []string{
				"schema migration required",
				"secrets in diff",
				"third-party API contract change",
			},
		},
		Thresholds: models.StoryThresholds{
			MaxTokens:          100_000,
			MaxCostUSD:         5,
			MaxDurationMinutes: 30,
		},
	}
}

func createRequest() models.CreateSessionRequest {
	return models.CreateSessionRequest{
		ProjectID:   "proj-1",
		ProjectPath: "/srv/checkouts/proj-1",
		Stories:     []models.StorySpec{testStory("story-001", 1)},
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)

	sess, err := env.entClient.Session.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
}

func TestCreateSessionValidationFailure(t *testing.T) {
	env := setupAPITest(t)

	req := createRequest()
	req.ProjectID = ""
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "project_id")
}

func TestCreateSessionRejectsThinStory(t *testing.T) {
	env := setupAPITest(t)

	req := createRequest()
	req.Stories[0].AcceptanceCriteria = []string{"works"}
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "acceptance criteria")
}

func TestCreateSessionMalformedBody(t *testing.T) {
	env := setupAPITest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionDetail(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail models.SessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, created.SessionID, detail.SessionID)
	assert.Equal(t, "proj-1", detail.ProjectID)
	require.Len(t, detail.Stories, 1)
	assert.Equal(t, "story-001", detail.Stories[0].ID)
}

func TestGetSessionNotFound(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsPaginationAndFilter(t *testing.T) {
	env := setupAPITest(t)

	for i := 0; i < 3; i++ {
		req := createRequest()
		req.ProjectID = fmt.Sprintf("proj-%d", i)
		rec := env.do(t, http.MethodPost, "/api/v1/sessions", req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/sessions?page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.SessionListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Sessions, 2)
	assert.Equal(t, 3, result.TotalCount)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Sessions)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseRequiresRunningSession(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Pending sessions have no driver to pause.
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/pause",
		models.PauseRequest{Reason: "manual"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPauseAndResumeRunningSession(t *testing.T) {
	env := setupAPITest(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.NoError(t, env.entClient.Session.UpdateOneID(created.SessionID).
		SetStatus(session.StatusRunning).
		Exec(ctx))

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/pause",
		models.PauseRequest{Reason: "review backlog", Actor: "ops"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "resume applies to paused sessions only")

	require.NoError(t, env.entClient.Session.UpdateOneID(created.SessionID).
		SetStatus(session.StatusPaused).
		Exec(ctx))
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/resume", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestAbortPendingSession(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/abort",
		models.AbortRequest{Reason: "submitted by mistake"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	sess, err := env.entClient.Session.Get(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAborted, sess.Status)
}

func TestEmergencyStopRunningSession(t *testing.T) {
	env := setupAPITest(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.NoError(t, env.entClient.Session.UpdateOneID(created.SessionID).
		SetStatus(session.StatusRunning).
		Exec(ctx))

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/emergency-stop",
		models.AbortRequest{Reason: "agent touching billing code"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestCloseSessionLifecycle(t *testing.T) {
	env := setupAPITest(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// A live session cannot be closed.
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, env.entClient.Session.UpdateOneID(created.SessionID).
		SetStatus(session.StatusCompleted).
		Exec(ctx))
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/close", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	env := setupAPITest(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "wave", body["service"])
	assert.NotNil(t, body["database"])
}
