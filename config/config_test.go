package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaultsProduceValidConfig(t *testing.T) {
	cfg, err := LoadWithViper(defaultViper())
	require.NoError(t, err)

	assert.Equal(t, "promptarena.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 2, cfg.Dispatch.DefaultRunConcurrency)
	assert.Equal(t, 3, cfg.Dispatch.DefaultMaxAttempts)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouter.BaseURL)
}

func TestValidateRejectsBadDispatch(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"zero run concurrency", "dispatch.default_run_concurrency", 0},
		{"negative workers", "dispatch.workers", -1},
		{"zero max attempts", "dispatch.default_max_attempts", 0},
		{"cap below base", "dispatch.backoff_cap_ms", 1},
		{"jitter out of range", "dispatch.backoff_jitter", 1.5},
		{"zero job timeout", "dispatch.job_timeout_seconds", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := defaultViper()
			v.Set(tc.key, tc.val)
			_, err := LoadWithViper(v)
			assert.Error(t, err)
		})
	}
}

func TestZeroBudgetMeansUnmetered(t *testing.T) {
	v := defaultViper()
	v.Set("budget.daily_budget_usd", 0.0)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Zero(t, cfg.Budget.DailyBudgetUSD)
}
