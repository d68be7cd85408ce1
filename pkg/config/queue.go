package config

import "time"

// QueueConfig contains session queue and driver pool configuration.
// These values control how sessions are polled, claimed, and driven.
type QueueConfig struct {
	// DriverCount is the number of session driver goroutines per replica.
	// Each driver independently polls for and drives one session at a time.
	DriverCount int `yaml:"driver_count"`

	// MaxConcurrentSessions is the global limit of concurrently running
	// sessions across ALL replicas. Enforced by database COUNT(*) check.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// PollInterval is the base interval for checking pending sessions.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// SessionTimeout is the maximum wall-clock time one driving pass may take.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active sessions to
	// checkpoint during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a driver refreshes its session's
	// heartbeat for orphan detection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanDetectionInterval is how often to scan for orphaned sessions.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a session can go without a heartbeat
	// before it is considered orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// VisibilityTimeout is how long a delivered-but-unacknowledged signal
	// remains invisible before redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		DriverCount:             5,
		MaxConcurrentSessions:   5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		SessionTimeout:          30 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
		VisibilityTimeout:       60 * time.Second,
	}
}
