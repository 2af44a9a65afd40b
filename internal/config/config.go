package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Trigger backends for downstream recompute functions
const (
	TriggerHTTP  = "http"
	TriggerKafka = "kafka"
	TriggerLog   = "log"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Database configuration
	DatabaseDriver string
	DatabasePath   string
	PostgresURL    string

	// Internal API configuration
	InternalAPIKey string

	// Google Fit OAuth and API
	GoogleFitClientID     string
	GoogleFitClientSecret string
	GoogleFitAPIURL       string
	GoogleFitTokenURL     string
	GoogleFitAuthURL      string
	OAuthRedirectURL      string

	// Server-mediated token refresh; direct refresh only when unset
	RefreshServiceURL string
	RefreshServiceKey string

	// Token and sync timing
	TokenRefreshTimeout     time.Duration
	ProviderFetchTimeout    time.Duration
	EarlyRefreshProbability float64
	RevalidateInterval      time.Duration
	SyncInterval            time.Duration

	// Timezone used to pick a user's calendar day
	UserTimezone string

	// Downstream recompute triggers
	TriggerBackend string
	TriggerBaseURL string
	TriggerAPIKey  string
	KafkaBrokers   []string

	// Error reporting
	SentryDSN   string
	Environment string

	// Logging configuration
	LogLevel string
}

// Location returns the configured user timezone. It falls back to UTC when
// the name cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.UserTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// UsePostgres reports whether the managed Postgres store is configured
func (c *Config) UsePostgres() bool {
	return c.DatabaseDriver == DriverPostgres
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "localhost")
	v.SetDefault("PORT", 4101)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_HOST", "localhost")
	v.SetDefault("METRICS_PORT", 4102)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DRIVER", DriverSQLite)
	v.SetDefault("DATABASE_PATH", "./data.db")
	v.SetDefault("GOOGLE_FIT_API_URL", "https://www.googleapis.com/fitness/v1")
	v.SetDefault("GOOGLE_FIT_TOKEN_URL", "https://oauth2.googleapis.com/token")
	v.SetDefault("GOOGLE_FIT_AUTH_URL", "https://accounts.google.com/o/oauth2/auth")
	v.SetDefault("TOKEN_REFRESH_TIMEOUT", 45*time.Second)
	v.SetDefault("PROVIDER_FETCH_TIMEOUT", 30*time.Second)
	v.SetDefault("EARLY_REFRESH_PROBABILITY", 0.30)
	v.SetDefault("REVALIDATE_INTERVAL", 5*time.Minute)
	v.SetDefault("SYNC_INTERVAL", 15*time.Minute)
	v.SetDefault("USER_TIMEZONE", "UTC")
	v.SetDefault("TRIGGER_BACKEND", TriggerLog)
	v.SetDefault("ENVIRONMENT", "development")
}

// keys lists every recognised variable so that values from a config file
// and the environment are both visible to Get.
var keys = []string{
	"HOST", "PORT", "METRICS_ENABLED", "METRICS_HOST", "METRICS_PORT", "LOG_LEVEL",
	"DATABASE_DRIVER", "DATABASE_PATH", "POSTGRES_URL", "INTERNAL_API_KEY",
	"GOOGLE_FIT_CLIENT_ID", "GOOGLE_FIT_CLIENT_SECRET", "GOOGLE_FIT_API_URL",
	"GOOGLE_FIT_TOKEN_URL", "GOOGLE_FIT_AUTH_URL", "OAUTH_REDIRECT_URL",
	"REFRESH_SERVICE_URL", "REFRESH_SERVICE_KEY", "TOKEN_REFRESH_TIMEOUT",
	"PROVIDER_FETCH_TIMEOUT", "EARLY_REFRESH_PROBABILITY", "REVALIDATE_INTERVAL",
	"SYNC_INTERVAL", "USER_TIMEZONE", "TRIGGER_BACKEND", "TRIGGER_BASE_URL",
	"TRIGGER_API_KEY", "KAFKA_BROKERS", "SENTRY_DSN", "ENVIRONMENT",
}

// Load reads configuration from environment variables, a config file named
// by CONFIG_FILE, or a .env file in the working directory. Environment
// variables take precedence. It fails fast if required variables are missing.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read .env: %w", err)
		}
	}

	cfg := &Config{
		Host:                    v.GetString("HOST"),
		Port:                    v.GetInt("PORT"),
		MetricsEnabled:          v.GetBool("METRICS_ENABLED"),
		MetricsHost:             v.GetString("METRICS_HOST"),
		MetricsPort:             v.GetInt("METRICS_PORT"),
		LogLevel:                strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseDriver:          strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabasePath:            v.GetString("DATABASE_PATH"),
		PostgresURL:             v.GetString("POSTGRES_URL"),
		InternalAPIKey:          v.GetString("INTERNAL_API_KEY"),
		GoogleFitClientID:       v.GetString("GOOGLE_FIT_CLIENT_ID"),
		GoogleFitClientSecret:   v.GetString("GOOGLE_FIT_CLIENT_SECRET"),
		GoogleFitAPIURL:         v.GetString("GOOGLE_FIT_API_URL"),
		GoogleFitTokenURL:       v.GetString("GOOGLE_FIT_TOKEN_URL"),
		GoogleFitAuthURL:        v.GetString("GOOGLE_FIT_AUTH_URL"),
		OAuthRedirectURL:        v.GetString("OAUTH_REDIRECT_URL"),
		RefreshServiceURL:       v.GetString("REFRESH_SERVICE_URL"),
		RefreshServiceKey:       v.GetString("REFRESH_SERVICE_KEY"),
		TokenRefreshTimeout:     v.GetDuration("TOKEN_REFRESH_TIMEOUT"),
		ProviderFetchTimeout:    v.GetDuration("PROVIDER_FETCH_TIMEOUT"),
		EarlyRefreshProbability: v.GetFloat64("EARLY_REFRESH_PROBABILITY"),
		RevalidateInterval:      v.GetDuration("REVALIDATE_INTERVAL"),
		SyncInterval:            v.GetDuration("SYNC_INTERVAL"),
		UserTimezone:            v.GetString("USER_TIMEZONE"),
		TriggerBackend:          strings.ToLower(v.GetString("TRIGGER_BACKEND")),
		TriggerBaseURL:          v.GetString("TRIGGER_BASE_URL"),
		TriggerAPIKey:           v.GetString("TRIGGER_API_KEY"),
		KafkaBrokers:            splitList(v.GetString("KAFKA_BROKERS")),
		SentryDSN:               v.GetString("SENTRY_DSN"),
		Environment:             v.GetString("ENVIRONMENT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.InternalAPIKey == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if c.GoogleFitClientID == "" {
		missing = append(missing, "GOOGLE_FIT_CLIENT_ID")
	}
	if c.GoogleFitClientSecret == "" {
		missing = append(missing, "GOOGLE_FIT_CLIENT_SECRET")
	}
	if c.UsePostgres() && c.PostgresURL == "" {
		missing = append(missing, "POSTGRES_URL")
	}
	if c.TriggerBackend == TriggerHTTP && c.TriggerBaseURL == "" {
		missing = append(missing, "TRIGGER_BASE_URL")
	}
	if c.TriggerBackend == TriggerKafka && len(c.KafkaBrokers) == 0 {
		missing = append(missing, "KAFKA_BROKERS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("PORT must be between 1 and 65535"))
	}
	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		errs = append(errs, errors.New("METRICS_PORT must be between 1 and 65535"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, errors.New("DATABASE_DRIVER must be one of: sqlite, postgres"))
	}
	switch c.TriggerBackend {
	case TriggerHTTP, TriggerKafka, TriggerLog:
	default:
		errs = append(errs, errors.New("TRIGGER_BACKEND must be one of: http, kafka, log"))
	}
	if c.EarlyRefreshProbability < 0 || c.EarlyRefreshProbability > 1 {
		errs = append(errs, errors.New("EARLY_REFRESH_PROBABILITY must be between 0 and 1"))
	}
	if _, err := time.LoadLocation(c.UserTimezone); err != nil {
		errs = append(errs, fmt.Errorf("USER_TIMEZONE is not a valid timezone: %s", c.UserTimezone))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
