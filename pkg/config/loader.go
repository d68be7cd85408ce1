package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// waveYAMLConfig represents the complete wave.yaml file structure.
type waveYAMLConfig struct {
	Queue     *QueueConfig     `yaml:"queue"`
	Budget    *BudgetConfig    `yaml:"budget"`
	Context   *ContextConfig   `yaml:"context"`
	Safety    *SafetyConfig    `yaml:"safety"`
	Worker    *WorkerConfig    `yaml:"worker"`
	Workspace *WorkspaceConfig `yaml:"workspace"`
	Retry     *RetryConfig     `yaml:"retry"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load wave.yaml from configDir (optional — defaults apply without it)
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Validate the result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	user, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	merged := defaultConfig()
	if user != nil {
		if err := mergo.Merge(merged, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	cfg := &Config{
		configDir: configDir,
		Queue:     merged.Queue,
		Budget:    merged.Budget,
		Context:   merged.Context,
		Safety:    merged.Safety,
		Worker:    merged.Worker,
		Workspace: merged.Workspace,
		Retry:     merged.Retry,
		Retention: merged.Retention,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"drivers", cfg.Queue.DriverCount,
		"max_concurrent_sessions", cfg.Queue.MaxConcurrentSessions,
		"context_cap_tokens", cfg.Context.MaxTokens)
	return cfg, nil
}

// load reads and parses wave.yaml from configDir. A missing file is not an
// error: built-in defaults apply.
func load(configDir string) (*waveYAMLConfig, error) {
	path := filepath.Join(configDir, "wave.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No wave.yaml found, using built-in defaults", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	expanded := ExpandEnv(data)

	var cfg waveYAMLConfig
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, path, err)
	}
	return &cfg, nil
}

// validate checks the merged configuration for invalid values.
func (c *Config) validate() error {
	if c.Queue.DriverCount < 1 {
		return &ValidationError{Component: "queue", Field: "driver_count", Err: ErrInvalidValue}
	}
	if c.Queue.MaxConcurrentSessions < 1 {
		return &ValidationError{Component: "queue", Field: "max_concurrent_sessions", Err: ErrInvalidValue}
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return &ValidationError{Component: "queue", Field: "visibility_timeout", Err: ErrInvalidValue}
	}
	if c.Budget.MaxTokens <= 0 {
		return &ValidationError{Component: "budget", Field: "max_tokens", Err: ErrInvalidValue}
	}
	if c.Budget.MaxCostUSD <= 0 {
		return &ValidationError{Component: "budget", Field: "max_cost_usd", Err: ErrInvalidValue}
	}
	if len(c.Budget.Rates) == 0 {
		return &ValidationError{Component: "budget", Field: "rates", Err: ErrMissingRequiredField}
	}
	if _, ok := c.Budget.Rates[c.Worker.DefaultModel]; !ok {
		return &ValidationError{Component: "budget", Field: "rates", Err: fmt.Errorf("%w: no rate for default model %q", ErrMissingRequiredField, c.Worker.DefaultModel)}
	}
	for role, model := range c.Worker.RoleModels {
		if _, ok := c.Budget.Rates[model]; !ok {
			return &ValidationError{Component: "worker", Field: "role_models", Err: fmt.Errorf("%w: no rate for model %q (role %q)", ErrMissingRequiredField, model, role)}
		}
	}
	if c.Context.MaxTokens <= 0 {
		return &ValidationError{Component: "context", Field: "max_tokens", Err: ErrInvalidValue}
	}
	if c.Worker.Addr == "" {
		return &ValidationError{Component: "worker", Field: "addr", Err: ErrMissingRequiredField}
	}
	if c.Workspace.Root == "" {
		return &ValidationError{Component: "workspace", Field: "root", Err: ErrMissingRequiredField}
	}
	if c.Retry.MaxAttempts < 1 {
		return &ValidationError{Component: "retry", Field: "max_attempts", Err: ErrInvalidValue}
	}
	if c.Retention.AutoCloseAfterDays < 1 || c.Retention.PurgeAfterDays < c.Retention.AutoCloseAfterDays {
		return &ValidationError{Component: "retention", Field: "purge_after_days", Err: ErrInvalidValue}
	}
	if c.Retention.CleanupInterval <= 0 {
		return &ValidationError{Component: "retention", Field: "cleanup_interval", Err: ErrInvalidValue}
	}
	return nil
}
