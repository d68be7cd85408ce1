package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waveworks/wave/pkg/database"
	"github.com/waveworks/wave/pkg/version"
)

// Health handles GET /health: database reachability plus driver pool
// status. Degraded components return 503 so load balancers stop
// routing intake traffic to this replica.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{
		"service": version.AppName,
		"version": version.GitCommit,
	}

	healthy := true

	dbHealth, err := database.Health(ctx, s.db)
	body["database"] = dbHealth
	if err != nil {
		healthy = false
		body["database_error"] = err.Error()
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		body["pool"] = poolHealth
		if !poolHealth.IsHealthy {
			healthy = false
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}
