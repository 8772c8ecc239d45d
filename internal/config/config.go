package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents configuration data for the relay checker.
type Config struct {
	DatabasePath      string `yaml:"database_path" validate:"required"`
	DataDirectory     string `yaml:"data_directory" validate:"required"`
	ProxyAddress      string `yaml:"proxy_address" validate:"required,hostname_port"`
	MaxConcurrent     int    `yaml:"max_concurrent" validate:"gt=0,lte=10000"`
	StandardTimeoutS  int    `yaml:"standard_timeout_seconds" validate:"gt=0"`
	AnonymityTimeoutS int    `yaml:"onion_timeout_seconds" validate:"gtefield=StandardTimeoutS"`
	StalenessDays     int    `yaml:"staleness_days" validate:"gt=0"`
	IntervalMinutes   int    `yaml:"interval_minutes" validate:"gt=0"`
	HistoryLimit      int    `yaml:"history_limit" validate:"gte=0"`
	ListenAddr        string `yaml:"listen_addr"`
	LogLevel          string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string `yaml:"log_format" validate:"oneof=text json"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		DatabasePath:      "stats.db",
		DataDirectory:     filepath.Join(".dist", "data"),
		ProxyAddress:      "127.0.0.1:9050",
		MaxConcurrent:     50,
		StandardTimeoutS:  10,
		AnonymityTimeoutS: 60,
		StalenessDays:     7,
		IntervalMinutes:   60,
		HistoryLimit:      500,
		ListenAddr:        ":8080",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StandardTimeout is the deadline budget for directly routed relays.
func (c Config) StandardTimeout() time.Duration {
	return time.Duration(c.StandardTimeoutS) * time.Second
}

// AnonymityTimeout is the deadline budget for proxied (.onion) relays.
func (c Config) AnonymityTimeout() time.Duration {
	return time.Duration(c.AnonymityTimeoutS) * time.Second
}

// StalenessWindow is how long a check stays fresh.
func (c Config) StalenessWindow() time.Duration {
	return time.Duration(c.StalenessDays) * 24 * time.Hour
}

// Interval is the pause between scheduled runs.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// RunHistoryPath is where run summaries are persisted.
func (c Config) RunHistoryPath() string {
	return filepath.Join(c.DataDirectory, "runs.json")
}
