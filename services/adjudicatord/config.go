package adjudicatord

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for adjudicatord.
type Config struct {
	ListenAddress string `yaml:"listen"`
	DataDir       string `yaml:"data_dir"`
	// BlockInterval, when set, mines one block per interval. Without it the
	// height only moves through POST /admin/mine.
	BlockInterval   Duration        `yaml:"block_interval"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Submissions     RateConfig      `yaml:"submissions"`
	Admin           AdminConfig     `yaml:"admin"`
	Log             LogConfig       `yaml:"log"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// RateConfig throttles transaction submissions across all callers.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AdminConfig captures the JWT settings guarding /admin routes.
type AdminConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	JWTSecretEnv string   `yaml:"jwt_secret_env"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	ClockSkew    Duration `yaml:"clock_skew"`
}

// LogConfig selects the log level and an optional rotated file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/adjudicatord"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Submissions.PerSecond == 0 {
		cfg.Submissions.PerSecond = 50
	}
	if cfg.Submissions.Burst == 0 {
		cfg.Submissions.Burst = 100
	}
	if cfg.Admin.ClockSkew.Duration == 0 {
		cfg.Admin.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 28
		}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("data_dir must be configured")
	}
	if cfg.BlockInterval.Duration < 0 {
		return fmt.Errorf("block_interval must not be negative")
	}
	if cfg.Submissions.PerSecond < 0 || cfg.Submissions.Burst < 0 {
		return fmt.Errorf("submissions limits must not be negative")
	}
	if len(cfg.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin jwt secret must be at least 32 bytes")
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry endpoint must be configured when telemetry is enabled")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	a.JWTSecretEnv = strings.TrimSpace(a.JWTSecretEnv)
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	if a.JWTSecret != "" {
		return nil
	}
	if a.JWTSecretEnv == "" {
		return fmt.Errorf("jwt_secret or jwt_secret_env is required")
	}
	value := strings.TrimSpace(os.Getenv(a.JWTSecretEnv))
	if value == "" {
		return fmt.Errorf("jwt_secret_env %s is empty", a.JWTSecretEnv)
	}
	a.JWTSecret = value
	return nil
}
