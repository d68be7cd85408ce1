// Package api exposes the HTTP control surface: session intake, status
// reads, and control-signal endpoints.
package api

import (
	stdsql "database/sql"

	"github.com/gin-gonic/gin"

	"github.com/waveworks/wave/pkg/queue"
	"github.com/waveworks/wave/pkg/services"
)

// PoolHealthReporter is the slice of the driver pool the health
// endpoint needs.
type PoolHealthReporter interface {
	Health() *queue.PoolHealth
}

// Server wires the service layer to the HTTP routes.
type Server struct {
	sessions *services.SessionService
	pool     PoolHealthReporter
	db       *stdsql.DB
}

// NewServer creates the API server. pool may be nil (health reports the
// driver pool as absent, e.g. in API-only replicas or tests).
func NewServer(sessions *services.SessionService, pool PoolHealthReporter, db *stdsql.DB) *Server {
	return &Server{
		sessions: sessions,
		pool:     pool,
		db:       db,
	}
}

// RegisterRoutes attaches all endpoints to the router.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.CreateSession)
		v1.GET("/sessions", s.ListSessions)
		v1.GET("/sessions/:id", s.GetSession)
		v1.POST("/sessions/:id/pause", s.PauseSession)
		v1.POST("/sessions/:id/resume", s.ResumeSession)
		v1.POST("/sessions/:id/abort", s.AbortSession)
		v1.POST("/sessions/:id/emergency-stop", s.EmergencyStopSession)
		v1.POST("/sessions/:id/close", s.CloseSession)
	}
}

// Router builds a gin engine with the standard middleware and all
// routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.RegisterRoutes(r)
	return r
}
