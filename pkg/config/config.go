// Package config loads, merges, and validates WAVE configuration.
package config

// Config is the umbrella configuration object returned by Initialize and
// threaded through all components (no process-wide singletons).
type Config struct {
	configDir string

	// Queue and driver pool configuration
	Queue *QueueConfig

	// Session-level budget caps and per-model rates
	Budget *BudgetConfig

	// Context governor bounds
	Context *ContextConfig

	// Safety evaluator settings (global forbidden paths, client patterns)
	Safety *SafetyConfig

	// External worker service settings (address, per-role models)
	Worker *WorkerConfig

	// Workspace provider settings
	Workspace *WorkspaceConfig

	// Retry controller bounds
	Retry *RetryConfig

	// Background data retention
	Retention *RetentionConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ModelForRole returns the worker model configured for an agent role,
// falling back to the default model.
func (c *Config) ModelForRole(role string) string {
	if m, ok := c.Worker.RoleModels[role]; ok && m != "" {
		return m
	}
	return c.Worker.DefaultModel
}
