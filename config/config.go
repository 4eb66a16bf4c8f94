package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the runtime settings of the API server and its
// background loops. Every field can be set through the environment;
// a local .env file is honored for development.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	HTTPAddr    string `mapstructure:"http_addr"`
	LogLevel    string `mapstructure:"log_level"`

	BulkWorkers int `mapstructure:"bulk_workers"`

	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	RelayInterval    time.Duration `mapstructure:"relay_interval"`
	RelayMaxAttempts int           `mapstructure:"relay_max_attempts"`

	// SLA windows in hours per scope preset; zero keeps the default.
	SLARushHours     int `mapstructure:"sla_rush_hours"`
	SLAStandardHours int `mapstructure:"sla_standard_hours"`
	SLAExtendedHours int `mapstructure:"sla_extended_hours"`
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"database_url", "jwt_secret", "http_addr", "log_level",
		"bulk_workers", "sweep_interval", "relay_interval",
		"relay_max_attempts", "sla_rush_hours", "sla_standard_hours",
		"sla_extended_hours",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = 8
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.RelayInterval <= 0 {
		cfg.RelayInterval = 15 * time.Second
	}
	if cfg.RelayMaxAttempts <= 0 {
		cfg.RelayMaxAttempts = 5
	}
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	return nil
}
