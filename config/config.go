// Package config loads the service configuration from YAML with ${ENV} expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Rules         RulesConfig         `yaml:"rules"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Expiry        ExpiryConfig        `yaml:"expiry"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AppConfig struct {
	Name            string        `yaml:"name"`
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	Migrate         bool          `yaml:"migrate"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// RulesConfig holds the business limits applied by the offer engines.
type RulesConfig struct {
	MaxItems       int             `yaml:"max_items"`
	MaxUnitPrice   decimal.Decimal `yaml:"max_unit_price"`
	MinRetailRatio decimal.Decimal `yaml:"min_retail_ratio"`
	MaxExpiryDays  int             `yaml:"max_expiry_days"`
	RiskThreshold  int             `yaml:"risk_threshold"`
	ReopenWindow   time.Duration   `yaml:"reopen_window"`
	TxMaxRetries   int             `yaml:"tx_max_retries"`
}

type NotificationsConfig struct {
	Workers       int     `yaml:"workers"`
	Capacity      int     `yaml:"capacity"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxRetries    int     `yaml:"max_retries"`
	Outbox        bool    `yaml:"outbox"`
}

type ExpiryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads filename, expands environment references, applies defaults,
// environment overrides and validation.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:            "offerflow",
			HTTPAddr:        ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnIdleTime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Rules: RulesConfig{
			MaxItems:       50,
			MaxUnitPrice:   decimal.NewFromInt(1_000_000),
			MinRetailRatio: decimal.RequireFromString("0.1"),
			MaxExpiryDays:  90,
			RiskThreshold:  75,
			ReopenWindow:   7 * 24 * time.Hour,
			TxMaxRetries:   3,
		},
		Notifications: NotificationsConfig{
			Workers:       4,
			Capacity:      256,
			RatePerSecond: 50,
			Burst:         20,
			MaxRetries:    3,
			Outbox:        true,
		},
		Expiry: ExpiryConfig{
			SweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field string, value interface{}, msg string) {
		if !ok {
			errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
		}
	}

	check(c.App.HTTPAddr != "", "app.http_addr", c.App.HTTPAddr, "must not be empty")
	check(c.App.ShutdownTimeout > 0, "app.shutdown_timeout", c.App.ShutdownTimeout, "must be positive")

	check(c.Database.URL != "", "database.url", c.Database.URL, "required (or set DATABASE_URL)")
	check(c.Database.MaxConns > 0, "database.max_conns", c.Database.MaxConns, "must be positive")

	check(len(c.Auth.JWTSecret) >= 16, "auth.jwt_secret", maskString(c.Auth.JWTSecret), "must be at least 16 characters")
	check(c.Auth.TokenTTL > 0, "auth.token_ttl", c.Auth.TokenTTL, "must be positive")

	check(c.Rules.MaxItems > 0, "rules.max_items", c.Rules.MaxItems, "must be positive")
	check(c.Rules.MaxUnitPrice.IsPositive(), "rules.max_unit_price", c.Rules.MaxUnitPrice, "must be positive")
	check(!c.Rules.MinRetailRatio.IsNegative() && c.Rules.MinRetailRatio.LessThanOrEqual(decimal.NewFromInt(1)),
		"rules.min_retail_ratio", c.Rules.MinRetailRatio, "must be within [0, 1]")
	check(c.Rules.MaxExpiryDays > 0, "rules.max_expiry_days", c.Rules.MaxExpiryDays, "must be positive")
	check(c.Rules.RiskThreshold >= 0 && c.Rules.RiskThreshold <= 100, "rules.risk_threshold", c.Rules.RiskThreshold, "must be within [0, 100]")
	check(c.Rules.ReopenWindow > 0, "rules.reopen_window", c.Rules.ReopenWindow, "must be positive")
	check(c.Rules.TxMaxRetries >= 0, "rules.tx_max_retries", c.Rules.TxMaxRetries, "must not be negative")

	check(c.Notifications.Workers > 0, "notifications.workers", c.Notifications.Workers, "must be positive")
	check(c.Notifications.Capacity > 0, "notifications.capacity", c.Notifications.Capacity, "must be positive")
	check(c.Notifications.RatePerSecond > 0, "notifications.rate_per_second", c.Notifications.RatePerSecond, "must be positive")
	check(c.Notifications.Burst > 0, "notifications.burst", c.Notifications.Burst, "must be positive")

	check(c.Expiry.SweepInterval >= time.Second, "expiry.sweep_interval", c.Expiry.SweepInterval, "must be at least 1s")

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, "logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		check(false, "logging.format", c.Logging.Format, "must be console or json")
	}

	return errors.Join(errs...)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
