package config

import "time"

// BudgetConfig holds session-level budget caps and the per-model rate table.
type BudgetConfig struct {
	// MaxTokens is the default session token cap (in + out).
	MaxTokens int64 `yaml:"max_tokens"`

	// MaxCostUSD is the default session cost cap.
	MaxCostUSD float64 `yaml:"max_cost_usd"`

	// Rates maps model identifier → per-token USD rates.
	Rates map[string]ModelRate `yaml:"rates"`
}

// ModelRate is the cost per token for one model, split by direction.
type ModelRate struct {
	InputPerToken  float64 `yaml:"input_per_token"`
	OutputPerToken float64 `yaml:"output_per_token"`
}

// ContextConfig bounds the per-session context cache.
type ContextConfig struct {
	// MaxTokens is the cache cap, measured in estimated tokens.
	MaxTokens int `yaml:"max_tokens"`
}

// SafetyConfig holds evaluator settings that extend the built-in rule table.
type SafetyConfig struct {
	// GlobalForbiddenPaths are merged into every story's deny-list.
	GlobalForbiddenPaths []string `yaml:"global_forbidden_paths"`

	// ClientPathPatterns classify a file as client-side by path (in addition
	// to the "use client" directive check).
	ClientPathPatterns []string `yaml:"client_path_patterns"`

	// PublicEnvPrefixes are environment variable prefixes that are safe to
	// reference in client-side files (e.g. NEXT_PUBLIC_, VITE_).
	PublicEnvPrefixes []string `yaml:"public_env_prefixes"`
}

// WorkerConfig describes the external worker service the dispatcher invokes.
type WorkerConfig struct {
	// Addr is the gRPC address of the worker service.
	Addr string `yaml:"addr"`

	// DefaultModel is used when a role has no explicit model.
	DefaultModel string `yaml:"default_model"`

	// RoleModels maps agent role → model identifier.
	RoleModels map[string]string `yaml:"role_models"`
}

// WorkspaceConfig holds workspace provider settings.
type WorkspaceConfig struct {
	// Root is the directory under which scratch worktrees are materialized.
	Root string `yaml:"root"`

	// IntegrationBranch is the branch approved story work merges into.
	IntegrationBranch string `yaml:"integration_branch"`

	// AllocRetryJitter bounds the random wait before retrying a lost
	// allocation race on the same story.
	AllocRetryJitter time.Duration `yaml:"alloc_retry_jitter"`
}

// RetryConfig bounds the validate/fix loop.
type RetryConfig struct {
	// MaxAttempts is the system-wide default fix-attempt bound; stories may
	// override it via thresholds.max_retries.
	MaxAttempts int `yaml:"max_attempts"`
}

// RetentionConfig controls background data retention.
type RetentionConfig struct {
	// AutoCloseAfterDays is how long a terminal session keeps its signal
	// log before it is closed automatically.
	AutoCloseAfterDays int `yaml:"auto_close_after_days"`

	// PurgeAfterDays is how long a closed session row (with its stories,
	// checkpoints, and dispatches) is kept before deletion.
	PurgeAfterDays int `yaml:"purge_after_days"`

	// CleanupInterval is how often the retention pass runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}
