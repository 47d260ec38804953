// Package config loads and validates the promptarena configuration.
package config

// Config represents the core promptarena configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Budget     BudgetConfig     `mapstructure:"budget"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the progress WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when server.port is unset.
const DefaultServerPort = 8710

// DispatchConfig configures the job dispatch engine (core infrastructure)
type DispatchConfig struct {
	// Worker concurrency configuration
	Workers        int `mapstructure:"workers"`          // Global worker pool size (default: 4)
	PollIntervalMS int `mapstructure:"poll_interval_ms"` // Idle poll interval when the queue is empty (default: 250)

	// Per-job defaults, overridable per run
	DefaultRunConcurrency int `mapstructure:"default_run_concurrency"` // Per-run in-flight cap when the run spec omits one (default: 2)
	DefaultMaxAttempts    int `mapstructure:"default_max_attempts"`    // Attempts before a retryable failure goes DEAD (default: 3)
	JobTimeoutSeconds     int `mapstructure:"job_timeout_seconds"`     // Per-invocation timeout (default: 120)

	// Retry backoff: delay = min(cap, base * 2^(attempts-1)) * (1 ± jitter)
	BackoffBaseMS int     `mapstructure:"backoff_base_ms"` // default: 500
	BackoffCapMS  int     `mapstructure:"backoff_cap_ms"`  // default: 30000
	BackoffJitter float64 `mapstructure:"backoff_jitter"`  // fraction, default: 0.2

	// Maintenance
	CleanupAfterHours int `mapstructure:"cleanup_after_hours"` // Terminal jobs older than this are purged (default: 168)
}

// OpenRouterConfig configures the OpenRouter-backed model invoker
type OpenRouterConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BudgetConfig configures provider-facing rate limiting and spend ceilings
type BudgetConfig struct {
	MaxCallsPerMinute int     `mapstructure:"max_calls_per_minute"` // Global invocation rate toward providers (default: 60)
	DailyBudgetUSD    float64 `mapstructure:"daily_budget_usd"`     // 0 = no ceiling
}
