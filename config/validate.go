package config

import "github.com/promptarena/promptarena/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	// Workers: 0 = no background dispatch, negative = invalid
	if c.Dispatch.Workers < 0 {
		return errors.Newf("dispatch.workers must be >= 0, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.PollIntervalMS <= 0 {
		return errors.Newf("dispatch.poll_interval_ms must be > 0, got %d", c.Dispatch.PollIntervalMS)
	}
	if c.Dispatch.DefaultRunConcurrency < 1 {
		return errors.Newf("dispatch.default_run_concurrency must be >= 1, got %d", c.Dispatch.DefaultRunConcurrency)
	}
	if c.Dispatch.DefaultMaxAttempts < 1 {
		return errors.Newf("dispatch.default_max_attempts must be >= 1, got %d", c.Dispatch.DefaultMaxAttempts)
	}
	if c.Dispatch.JobTimeoutSeconds <= 0 {
		return errors.Newf("dispatch.job_timeout_seconds must be > 0, got %d", c.Dispatch.JobTimeoutSeconds)
	}
	if c.Dispatch.BackoffBaseMS <= 0 || c.Dispatch.BackoffCapMS < c.Dispatch.BackoffBaseMS {
		return errors.Newf("dispatch backoff misconfigured: base=%dms cap=%dms",
			c.Dispatch.BackoffBaseMS, c.Dispatch.BackoffCapMS)
	}
	if c.Dispatch.BackoffJitter < 0 || c.Dispatch.BackoffJitter >= 1 {
		return errors.Newf("dispatch.backoff_jitter must be in [0, 1), got %f", c.Dispatch.BackoffJitter)
	}

	if c.Budget.MaxCallsPerMinute < 0 {
		return errors.Newf("budget.max_calls_per_minute must be >= 0, got %d", c.Budget.MaxCallsPerMinute)
	}
	// Budget: 0 = no ceiling (valid), negative = invalid
	if c.Budget.DailyBudgetUSD < 0 {
		return errors.Newf("budget.daily_budget_usd must be >= 0, got %f", c.Budget.DailyBudgetUSD)
	}

	return nil
}
