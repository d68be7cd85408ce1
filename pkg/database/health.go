package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStats is the connection pool slice of the health payload.
type PoolStats struct {
	Open    int `json:"open"`
	InUse   int `json:"in_use"`
	Idle    int `json:"idle"`
	MaxOpen int `json:"max_open"`
}

// HealthStatus reports database reachability for the health endpoint.
type HealthStatus struct {
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolStats `json:"pool"`
}

// Health pings the database and snapshots pool statistics. On ping
// failure the returned status is "unhealthy" and the error is non-nil so
// the caller can degrade the endpoint.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:    "unhealthy",
			LatencyMS: time.Since(start).Milliseconds(),
		}, err
	}

	s := db.Stats()
	return &HealthStatus{
		Status:    "healthy",
		LatencyMS: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:    s.OpenConnections,
			InUse:   s.InUse,
			Idle:    s.Idle,
			MaxOpen: s.MaxOpenConnections,
		},
	}, nil
}
