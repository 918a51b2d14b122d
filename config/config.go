/*
Package config loads process configuration.

SOURCES (highest wins):
  1. Command-line flags bound by cmd/server
  2. Environment variables
  3. .env file in the working directory, if present
  4. Defaults below

KEYS:
  PORT                  HTTP listen port                    (8080)
  ENV                   development | production            (development)
  LOG_LEVEL             zap level                           (info)
  DB_DRIVER             sqlite | postgres                   (sqlite)
  DB_PATH               SQLite file, or :memory:            (./partner-crm.db)
  DATABASE_URL          PostgreSQL connection string
  JWT_SECRET            HS256 key for bearer tokens
  AUTH_DISABLED         skip bearer auth (local demos)      (false)
  WEBHOOK_SECRET        shared secret for payment webhooks
  SWEEP_ENABLED         run the expiry sweeper in-process   (true)
  SWEEP_SCHEDULE        cron spec for the sweeper           (@daily)
  COMMISSION_MODE       flat | tiered                       (flat)
  CORS_ALLOWED_ORIGINS  comma separated                     (*)
*/
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/warp/partner-crm/crm"
)

const (
	KeyPort           = "PORT"
	KeyEnv            = "ENV"
	KeyLogLevel       = "LOG_LEVEL"
	KeyDBDriver       = "DB_DRIVER"
	KeyDBPath         = "DB_PATH"
	KeyDatabaseURL    = "DATABASE_URL"
	KeyJWTSecret      = "JWT_SECRET"
	KeyAuthDisabled   = "AUTH_DISABLED"
	KeyWebhookSecret  = "WEBHOOK_SECRET"
	KeySweepEnabled   = "SWEEP_ENABLED"
	KeySweepSchedule  = "SWEEP_SCHEDULE"
	KeyCommissionMode = "COMMISSION_MODE"
	KeyAllowedOrigins = "CORS_ALLOWED_ORIGINS"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	DBDriver    string
	DBPath      string
	DatabaseURL string

	JWTSecret     string
	AuthDisabled  bool
	WebhookSecret string

	SweepEnabled  bool
	SweepSchedule string

	CommissionMode string
	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and environment binding.
// Callers may bind cobra flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyPort, "8080")
	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyDBDriver, DriverSQLite)
	v.SetDefault(KeyDBPath, "./partner-crm.db")
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeyJWTSecret, "")
	v.SetDefault(KeyAuthDisabled, false)
	v.SetDefault(KeyWebhookSecret, "")
	v.SetDefault(KeySweepEnabled, true)
	v.SetDefault(KeySweepSchedule, "@daily")
	v.SetDefault(KeyCommissionMode, "flat")
	v.SetDefault(KeyAllowedOrigins, "*")
	v.AutomaticEnv()
	return v
}

// Load reads .env (if any) and builds a validated Config from v.
func Load(v *viper.Viper) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           v.GetString(KeyPort),
		Env:            strings.ToLower(v.GetString(KeyEnv)),
		LogLevel:       v.GetString(KeyLogLevel),
		DBDriver:       strings.ToLower(v.GetString(KeyDBDriver)),
		DBPath:         v.GetString(KeyDBPath),
		DatabaseURL:    v.GetString(KeyDatabaseURL),
		JWTSecret:      v.GetString(KeyJWTSecret),
		AuthDisabled:   v.GetBool(KeyAuthDisabled),
		WebhookSecret:  v.GetString(KeyWebhookSecret),
		SweepEnabled:   v.GetBool(KeySweepEnabled),
		SweepSchedule:  v.GetString(KeySweepSchedule),
		CommissionMode: strings.ToLower(v.GetString(KeyCommissionMode)),
		AllowedOrigins: splitList(v.GetString(KeyAllowedOrigins)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether ENV=production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyPort))
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqlite driver", KeyDBPath))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the postgres driver", KeyDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown driver %q", KeyDBDriver, c.DBDriver))
	}
	if _, err := crm.ResolverForMode(c.CommissionMode); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyCommissionMode, err))
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("%s is required unless %s=true", KeyJWTSecret, KeyAuthDisabled))
	}
	if c.SweepEnabled {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeySweepSchedule, err))
		}
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
