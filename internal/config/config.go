// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (rate limiting, health checks). Optional; in-memory fallbacks are used when unset.
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication
	JWTSecret string `koanf:"jwt_secret"`

	// Stripe
	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// Adyen. Optional as a group; if any value is set, the first three are required.
	AdyenAPIKey          string `koanf:"adyen_api_key"`
	AdyenHMACKey         string `koanf:"adyen_hmac_key"` // hex-encoded HMAC key from the Customer Area
	AdyenMerchantAccount string `koanf:"adyen_merchant_account"`
	AdyenAPIBaseURL      string `koanf:"adyen_api_base_url"`

	// Checkout behavior
	DeleteCompletedCheckout bool `koanf:"delete_completed_checkout"`

	// CORS. Empty list disables cross-origin access.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecureMode bool    `koanf:"tracing_insecure_mode"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL          = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret            = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey         = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret  = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingAdyenAPIKey          = errors.New("ADYEN_API_KEY is required")
	ErrMissingAdyenHMACKey         = errors.New("ADYEN_HMAC_KEY is required")
	ErrMissingAdyenMerchantAccount = errors.New("ADYEN_MERCHANT_ACCOUNT is required")
	ErrInvalidPort                 = errors.New("PORT must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultPort                    = 8080
	DefaultEnv                     = "development"
	DefaultAdyenAPIBaseURL         = "https://checkout-test.adyen.com/v71"
	DefaultDeleteCompletedCheckout = true
	DefaultTracingSamplingRate     = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Parse port from env, collecting error if invalid
	// Try PAYGATE_PORT first, then PORT for backward compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"PAYGATE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	// Parse tracing sampling rate with default
	samplingRate, samplingErr := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if samplingErr != nil {
		loadErrs = append(loadErrs, samplingErr)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                    port,
		Env:                     getEnvOrDefaultMulti([]string{"PAYGATE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:             getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:               getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		StripeAPIKey:            getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret:     getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		AdyenAPIKey:             getEnvOrKoanf("ADYEN_API_KEY", k, "adyen_api_key"),
		AdyenHMACKey:            getEnvOrKoanf("ADYEN_HMAC_KEY", k, "adyen_hmac_key"),
		AdyenMerchantAccount:    getEnvOrKoanf("ADYEN_MERCHANT_ACCOUNT", k, "adyen_merchant_account"),
		AdyenAPIBaseURL:         getEnvOrDefault("ADYEN_API_BASE_URL", k.String("adyen_api_base_url"), DefaultAdyenAPIBaseURL),
		DeleteCompletedCheckout: getEnvBoolOrDefault("DELETE_COMPLETED_CHECKOUT", k, "delete_completed_checkout", DefaultDeleteCompletedCheckout),
		CORSAllowedOrigins:      getEnvCSVOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		TracingEnabled:          getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporterType:     getEnvOrKoanf("TRACING_EXPORTER_TYPE", k, "tracing_exporter_type"),
		TracingOTLPEndpoint:     getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSamplingRate:     samplingRate,
		TracingInsecureMode:     getEnvBoolOrDefault("TRACING_INSECURE_MODE", k, "tracing_insecure_mode", false),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
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
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
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

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvCSVOrKoanf returns the environment variable split on commas if set,
// otherwise the koanf string list. Entries are trimmed; empty entries dropped.
func getEnvCSVOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := os.Getenv(envKey)
	var parts []string
	if raw != "" {
		parts = strings.Split(raw, ",")
	} else {
		parts = k.Strings(koanfKey)
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvBoolOrDefault returns the environment variable as bool if set, otherwise the koanf value, or default.
// Unrecognized environment values fall through to the file value or default.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	if k.Exists(koanfKey) {
		return k.Bool(koanfKey)
	}
	return defaultVal
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}

	// Adyen configuration is optional. Only validate fields if any Adyen value is set.
	if c.AdyenAPIKey != "" || c.AdyenHMACKey != "" || c.AdyenMerchantAccount != "" {
		if c.AdyenAPIKey == "" {
			errs = append(errs, ErrMissingAdyenAPIKey)
		}
		if c.AdyenHMACKey == "" {
			errs = append(errs, ErrMissingAdyenHMACKey)
		}
		if c.AdyenMerchantAccount == "" {
			errs = append(errs, ErrMissingAdyenMerchantAccount)
		}
	}

	return errs
}

// AdyenEnabled reports whether the Adyen gateway is fully configured.
func (c *Config) AdyenEnabled() bool {
	return c.AdyenAPIKey != "" && c.AdyenHMACKey != "" && c.AdyenMerchantAccount != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"stripe_api_key":            maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":     maskSecret(c.StripeWebhookSecret),
		"adyen_api_key":             maskSecret(c.AdyenAPIKey),
		"adyen_hmac_key":            maskSecret(c.AdyenHMACKey),
		"adyen_merchant_account":    c.AdyenMerchantAccount,
		"adyen_api_base_url":        c.AdyenAPIBaseURL,
		"delete_completed_checkout": fmt.Sprintf("%t", c.DeleteCompletedCheckout),
		"cors_allowed_origins":      strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":           fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter_type":     c.TracingExporterType,
		"tracing_otlp_endpoint":     c.TracingOTLPEndpoint,
		"tracing_sampling_rate":     fmt.Sprintf("%g", c.TracingSamplingRate),
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

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Stripe keys have format like sk_live_..., sk_test_..., pk_live_..., etc.
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	// Fallback to generic masking
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL.
// Supports postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	// Simple approach: find :// and then mask between : and @
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
