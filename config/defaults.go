package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "promptarena.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	// Dispatch engine defaults
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.poll_interval_ms", 250)
	v.SetDefault("dispatch.default_run_concurrency", 2) // Conservative per-run cap when unset
	v.SetDefault("dispatch.default_max_attempts", 3)
	v.SetDefault("dispatch.job_timeout_seconds", 120)
	v.SetDefault("dispatch.backoff_base_ms", 500)
	v.SetDefault("dispatch.backoff_cap_ms", 30000)
	v.SetDefault("dispatch.backoff_jitter", 0.2)
	v.SetDefault("dispatch.cleanup_after_hours", 168) // One week of terminal job history

	// OpenRouter defaults
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.timeout_seconds", 120)

	// Budget defaults
	v.SetDefault("budget.max_calls_per_minute", 60)
	v.SetDefault("budget.daily_budget_usd", 0.0) // 0 = unmetered
}
