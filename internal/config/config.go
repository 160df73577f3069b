// Package config provides configuration management for PolicyGuard.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all PolicyGuard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Detection DetectionConfig `yaml:"detection"`
	Response  ResponseConfig  `yaml:"response"`
	Keys      KeysConfig      `yaml:"keys"`
	MFA       MFAConfig       `yaml:"mfa"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings for the API rate limiter.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// DetectionConfig holds detection and correlation settings.
type DetectionConfig struct {
	RulesPath         string        `yaml:"rules_path"`
	PoliciesPath      string        `yaml:"policies_path"`
	CorrelationWindow time.Duration `yaml:"correlation_window"`
}

// ResponseConfig holds response dispatcher settings.
type ResponseConfig struct {
	RetryCount      int           `yaml:"retry_count"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	EscalateAtLeast string        `yaml:"escalate_at_least"`
	AlertChannel    string        `yaml:"alert_channel"`
}

// KeysConfig holds encryption key lifecycle settings.
type KeysConfig struct {
	RotationInterval time.Duration `yaml:"rotation_interval"`
	WarningWindow    time.Duration `yaml:"warning_window"`
	DueCheckInterval time.Duration `yaml:"due_check_interval"`
	KeyBits          int           `yaml:"key_bits"`
}

// MFAConfig holds enrollment settings.
type MFAConfig struct {
	Issuer          string `yaml:"issuer"`
	MaxAttempts     int    `yaml:"max_attempts"`
	BackupCodeCount int    `yaml:"backup_code_count"`
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Detection: DetectionConfig{
			RulesPath:         "rules/detection.yaml",
			PoliciesPath:      "rules/policies.yaml",
			CorrelationWindow: 15 * time.Minute,
		},
		Response: ResponseConfig{
			RetryCount:      3,
			BaseBackoff:     250 * time.Millisecond,
			ActionTimeout:   10 * time.Second,
			EscalateAtLeast: "high",
			AlertChannel:    "security_team",
		},
		Keys: KeysConfig{
			RotationInterval: 90 * 24 * time.Hour,
			WarningWindow:    7 * 24 * time.Hour,
			DueCheckInterval: 1 * time.Hour,
			KeyBits:          256,
		},
		MFA: MFAConfig{
			Issuer:          "MedSentry",
			MaxAttempts:     3,
			BackupCodeCount: 10,
		},
		Telemetry: TelemetryConfig{
			TracingEnabled: false,
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
