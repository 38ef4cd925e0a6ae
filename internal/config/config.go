// Package config provides YAML and environment configuration loading
// for the coxfer command.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. COXFER_LOG_LEVEL.
const EnvPrefix = "COXFER"

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	// Format: console or json
	Format string `mapstructure:"format" validate:"required,oneof=console json"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" validate:"required,min=1,dive,required"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int  `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int  `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool `mapstructure:"compress"`
}

// SchedulerConfig tunes the task scheduler and its transport.
type SchedulerConfig struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	Concurrency int           `mapstructure:"concurrency" validate:"gt=0"`
	Coalesce    bool          `mapstructure:"coalesce"`
}

// HTTPConfig configures HTTP transfers.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Scheduler: SchedulerConfig{
			PollTimeout: 10 * time.Millisecond,
			Concurrency: 128,
		},
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			UserAgent:    "coxfer/1",
			MaxBodyBytes: 16 << 20,
		},
	}
}

// Load reads configuration from path if non-empty, otherwise from
// $COXFER_CONFIG or a coxfer.yaml in the working directory, ./configs
// or ~/.coxfer. A missing file is not an error. Environment variables
// override file values; `.` in keys becomes `_`.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("scheduler.poll_timeout", cfg.Scheduler.PollTimeout)
	v.SetDefault("scheduler.concurrency", cfg.Scheduler.Concurrency)
	v.SetDefault("scheduler.coalesce", cfg.Scheduler.Coalesce)
	v.SetDefault("http.timeout", cfg.HTTP.Timeout)
	v.SetDefault("http.user_agent", cfg.HTTP.UserAgent)
	v.SetDefault("http.max_body_bytes", cfg.HTTP.MaxBodyBytes)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coxfer")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".coxfer"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
