package config

import "time"

// defaultConfig returns the built-in configuration applied beneath any
// user-supplied wave.yaml.
func defaultConfig() *waveYAMLConfig {
	return &waveYAMLConfig{
		Queue: DefaultQueueConfig(),
		Budget: &BudgetConfig{
			MaxTokens:  2_000_000,
			MaxCostUSD: 50,
			Rates: map[string]ModelRate{
				"worker-default": {InputPerToken: 3e-06, OutputPerToken: 1.5e-05},
			},
		},
		Context: &ContextConfig{
			MaxTokens: 100_000,
		},
		Safety: &SafetyConfig{
			GlobalForbiddenPaths: []string{
				".git/**",
				".env",
				".env.*",
				"**/*.pem",
				"**/id_rsa*",
			},
			ClientPathPatterns: []string{
				"**/components/**",
				"**/pages/**",
				"**/app/**/page.*",
				"**/src/client/**",
			},
			PublicEnvPrefixes: []string{
				"NEXT_PUBLIC_",
				"VITE_",
				"REACT_APP_",
				"PUBLIC_",
			},
		},
		Worker: &WorkerConfig{
			Addr:         "localhost:50051",
			DefaultModel: "worker-default",
			RoleModels:   map[string]string{},
		},
		Workspace: &WorkspaceConfig{
			Root:              "/tmp/wave-workspaces",
			IntegrationBranch: "main",
			AllocRetryJitter:  2 * time.Second,
		},
		Retry: &RetryConfig{
			MaxAttempts: 3,
		},
		Retention: &RetentionConfig{
			AutoCloseAfterDays: 30,
			PurgeAfterDays:     90,
			CleanupInterval:    6 * time.Hour,
		},
	}
}
