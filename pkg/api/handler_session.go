package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/waveworks/wave/pkg/models"
	"github.com/waveworks/wave/pkg/services"
)

// CreateSession handles POST /api/v1/sessions: it validates the story
// manifest, persists the session, and queues it for a driver.
func (s *Server) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateSessionResponse{SessionID: sess.ID})
}

// ListSessions handles GET /api/v1/sessions with optional status filter
// and pagination.
func (s *Server) ListSessions(c *gin.Context) {
	input := services.ListSessionsInput{
		Status:   c.Query("status"),
		Page:     intQuery(c, "page", 1),
		PageSize: intQuery(c, "page_size", 20),
	}

	result, err := s.sessions.ListSessions(c.Request.Context(), input)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSession handles GET /api/v1/sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	detail, err := s.sessions.GetSessionDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// PauseSession handles POST /api/v1/sessions/:id/pause.
func (s *Server) PauseSession(c *gin.Context) {
	var req models.PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.sessions.Pause(c.Request.Context(), c.Param("id"), req.Reason, actorOrDefault(req.Actor)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pause requested"})
}

// ResumeSession handles POST /api/v1/sessions/:id/resume.
func (s *Server) ResumeSession(c *gin.Context) {
	var req models.PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.sessions.Resume(c.Request.Context(), c.Param("id"), actorOrDefault(req.Actor)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resume requested"})
}

// AbortSession handles POST /api/v1/sessions/:id/abort.
func (s *Server) AbortSession(c *gin.Context) {
	var req models.AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.sessions.Abort(c.Request.Context(), c.Param("id"), req.Reason, actorOrDefault(req.Actor)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "abort requested"})
}

// EmergencyStopSession handles POST /api/v1/sessions/:id/emergency-stop.
// The stop cancels any in-flight dispatch and aborts the session; repeat
// calls are accepted and do nothing.
func (s *Server) EmergencyStopSession(c *gin.Context) {
	var req models.AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.sessions.EmergencyStop(c.Request.Context(), c.Param("id"), req.Reason, actorOrDefault(req.Actor)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "emergency stop requested"})
}

// CloseSession handles POST /api/v1/sessions/:id/close: it prunes the
// signal log of a terminal session and marks it closed.
func (s *Server) CloseSession(c *gin.Context) {
	if err := s.sessions.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "api"
	}
	return actor
}
