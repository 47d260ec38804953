package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/promptarena/promptarena/errors"
)

// Load reads the promptarena configuration using Viper.
// Precedence: defaults < config file < PROMPTARENA_* environment variables.
func Load() (*Config, error) {
	return LoadWithViper(initViper())
}

// LoadWithViper loads configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return LoadWithViper(v)
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("PROMPTARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Sensitive values come from the environment, never the config file
	_ = v.BindEnv("openrouter.api_key", "PROMPTARENA_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")

	SetDefaults(v)

	v.SetConfigName("promptarena")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/promptarena")
	// Missing config file is fine; defaults and env vars apply
	_ = v.ReadInConfig()

	return v
}
