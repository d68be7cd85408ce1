// Package queue provides the session driver pool: claiming pending
// sessions from the database, driving them, and recovering orphans.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoSessionsAvailable indicates no pending sessions are in the queue.
	ErrNoSessionsAvailable = errors.New("no sessions available")

	// ErrAtCapacity indicates the global concurrent session limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// SessionRunner drives one claimed session until it reaches a terminal
// status or the context is canceled.
//
// The runner owns the session lifecycle internally: it restores state
// from the latest checkpoint, replays signals, and loops
// decide/act/checkpoint. It writes progress durably as it goes, so a
// run interrupted by context cancellation resumes from its last
// checkpoint the next time the session is claimed. The worker only
// handles claiming, timeout bounding, requeueing, and terminal
// fallback.
type SessionRunner interface {
	Run(ctx context.Context, sessionID string) error
}

// PoolHealth contains health information for the entire driver pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveSessions   int            `json:"active_sessions"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"` // "idle" or "working"
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	SessionsDriven   int       `json:"sessions_driven"`
	LastActivity     time.Time `json:"last_activity"`
}
