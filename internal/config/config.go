// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port    int    `koanf:"port"`
	Env     string `koanf:"env"`
	BaseURL string `koanf:"url"` // Public URL of the web client

	// Stripe
	StripeSecretKey      string `koanf:"stripe_secret_key"`
	StripePublishableKey string `koanf:"stripe_publishable_key"`
	StripeWebhookSecret  string `koanf:"stripe_webhook_secret"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Hosted auth (Supabase)
	SupabaseURL               string `koanf:"supabase_url"`
	SupabaseJWTSecret         string `koanf:"supabase_jwt_secret"`
	SupabaseJWTPreviousSecret string `koanf:"supabase_jwt_previous_secret"`

	// HTTP behaviour
	CORSAllowedOrigins    []string      `koanf:"cors_allowed_origins"`
	ProcessorTimeout      time.Duration `koanf:"processor_timeout"`
	RequireIdempotencyKey bool          `koanf:"require_idempotency_key"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"otel_exporter_type"`
	TracingEndpoint   string  `koanf:"otel_exporter_otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingStripeSecretKey      = errors.New("STRIPE_SECRET_KEY is required")
	ErrMissingStripePublishableKey = errors.New("STRIPE_PUBLISHABLE_KEY is required")
	ErrPublishableKeyAsSecret      = errors.New("STRIPE_SECRET_KEY must be a secret key, not a publishable key")
	ErrInvalidPort                 = errors.New("PORT must be a valid integer between 1 and 65535")
	ErrInvalidBaseURL              = errors.New("URL must be an absolute http(s) URL")
	ErrInvalidProcessorTimeout     = errors.New("PROCESSOR_TIMEOUT must be between 10s and 30s")
	ErrInvalidSampleRate           = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidDatabaseURL          = errors.New("DATABASE_URL must be a postgres:// or postgresql:// URL")
	ErrInvalidBool                 = errors.New("must be a boolean")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultBaseURL           = "http://localhost:8888"
	DefaultProcessorTimeout  = 20 * time.Second
	DefaultTracingExporter   = "otlp-http"
	DefaultTracingSampleRate = 0.1

	MinProcessorTimeout = 10 * time.Second
	MaxProcessorTimeout = 30 * time.Second
)

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding variables already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvInt("PORT", k.Int("port"), DefaultPort)
	collect(err)

	timeout, err := getEnvDuration("PROCESSOR_TIMEOUT", k.Duration("processor_timeout"), DefaultProcessorTimeout)
	collect(err)

	requireKey, err := getEnvBool("REQUIRE_IDEMPOTENCY_KEY", k.Bool("require_idempotency_key"))
	collect(err)

	tracingEnabled, err := getEnvBool("TRACING_ENABLED", k.Bool("tracing_enabled"))
	collect(err)

	tracingInsecure, err := getEnvBool("TRACING_INSECURE", k.Bool("tracing_insecure"))
	collect(err)

	sampleRate, err := getEnvFloat("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	collect(err)

	origins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	cfg := &Config{
		Port:                      port,
		Env:                       getEnvOrDefaultMulti([]string{"GOJO_ENV", "ENV"}, k.String("env"), DefaultEnv),
		BaseURL:                   strings.TrimRight(getEnvOrDefault("URL", k.String("url"), DefaultBaseURL), "/"),
		StripeSecretKey:           getEnvOrKoanf("STRIPE_SECRET_KEY", k, "stripe_secret_key"),
		StripePublishableKey:      getEnvOrKoanf("STRIPE_PUBLISHABLE_KEY", k, "stripe_publishable_key"),
		StripeWebhookSecret:       getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		DatabaseURL:               getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                  getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		SupabaseURL:               getEnvOrKoanf("SUPABASE_URL", k, "supabase_url"),
		SupabaseJWTSecret:         getEnvOrKoanf("SUPABASE_JWT_SECRET", k, "supabase_jwt_secret"),
		SupabaseJWTPreviousSecret: getEnvOrKoanf("SUPABASE_JWT_PREVIOUS_SECRET", k, "supabase_jwt_previous_secret"),
		CORSAllowedOrigins:        origins,
		ProcessorTimeout:          timeout,
		RequireIdempotencyKey:     requireKey,
		TracingEnabled:            tracingEnabled,
		TracingExporter:           getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("otel_exporter_type"), DefaultTracingExporter),
		TracingEndpoint:           getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		TracingSampleRate:         sampleRate,
		TracingInsecure:           tracingInsecure,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	return getEnvOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int if set, otherwise the koanf value, or default.
// Note: a zero value from a YAML file falls back to the default.
func getEnvInt(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDuration accepts Go durations ("20s") and bare milliseconds ("20000").
func getEnvDuration(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration such as 20s: %w", envKey, err)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

func getEnvBool(envKey string, koanfVal bool) (bool, error) {
	val := os.Getenv(envKey)
	if val == "" {
		return koanfVal, nil
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s %w", envKey, ErrInvalidBool)
}

// getEnvFloat unlike the int variant honours an explicit zero in the file.
func getEnvFloat(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
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

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.StripeSecretKey == "" {
		errs = append(errs, ErrMissingStripeSecretKey)
	} else if strings.HasPrefix(c.StripeSecretKey, "pk_") {
		errs = append(errs, ErrPublishableKeyAsSecret)
	}
	if c.StripePublishableKey == "" {
		errs = append(errs, ErrMissingStripePublishableKey)
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, ErrInvalidBaseURL)
	}
	if c.ProcessorTimeout < MinProcessorTimeout || c.ProcessorTimeout > MaxProcessorTimeout {
		errs = append(errs, ErrInvalidProcessorTimeout)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.DatabaseURL != "" {
		if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, ErrInvalidDatabaseURL)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                         strconv.Itoa(c.Port),
		"env":                          c.Env,
		"url":                          c.BaseURL,
		"stripe_secret_key":            maskStripeKey(c.StripeSecretKey),
		"stripe_publishable_key":       maskStripeKey(c.StripePublishableKey),
		"stripe_webhook_secret":        maskSecret(c.StripeWebhookSecret),
		"database_url":                 maskURLPassword(c.DatabaseURL),
		"redis_url":                    maskURLPassword(c.RedisURL),
		"supabase_url":                 c.SupabaseURL,
		"supabase_jwt_secret":          maskSecret(c.SupabaseJWTSecret),
		"supabase_jwt_previous_secret": maskSecret(c.SupabaseJWTPreviousSecret),
		"cors_allowed_origins":         strings.Join(c.CORSAllowedOrigins, ","),
		"processor_timeout":            c.ProcessorTimeout.String(),
		"require_idempotency_key":      strconv.FormatBool(c.RequireIdempotencyKey),
		"tracing_enabled":              strconv.FormatBool(c.TracingEnabled),
		"otel_exporter_type":           c.TracingExporter,
		"otel_exporter_otlp_endpoint":  c.TracingEndpoint,
		"tracing_sample_rate":          strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, pk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	return maskSecret(s)
}

// maskURLPassword masks the password in a postgres:// or redis:// URL.
func maskURLPassword(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
