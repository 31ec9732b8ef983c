// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred) or from a
// config.yaml file in the working directory; environment variables take
// precedence. A .env file, when present, is loaded into the environment
// first.
//
// The core consumes these only as already-resolved values — in particular
// CredentialsFile is passed through to the Google SDK untouched; the
// gateway never parses credential files itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/arclight-dev/vertexgw/internal/registry"
)

// Config is the top-level configuration container.
type Config struct {
	// Host is the listen address. Default: 127.0.0.1 — this is a local
	// gateway; bind wider addresses deliberately.
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Project is the Google Cloud project id. Required.
	Project string

	// Location is the default Vertex AI region for models that do not pin
	// one in the registry. Default: "us-west1".
	Location string

	// CredentialsFile is the path to an ambient service-account key file.
	// Forwarded to GOOGLE_APPLICATION_CREDENTIALS for the SDK; empty means
	// whatever ADC finds.
	CredentialsFile string

	// AccessToken, when set, bypasses ADC entirely and sends this bearer
	// token on every upstream call. Meant for short-lived local use.
	AccessToken string

	// UpstreamTimeout is the per-request deadline for upstream calls.
	// Default: 300s — generation calls are slow by nature.
	UpstreamTimeout time.Duration

	// MaxConcurrentUpstream bounds simultaneously open upstream calls.
	// Default: 32.
	MaxConcurrentUpstream int64

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// ModelOverrides extends or replaces entries of the built-in model
	// table (models: section of config.yaml).
	ModelOverrides []registry.Mapping
}

// Load reads configuration from environment variables and (optionally)
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("LISTEN_HOST", "127.0.0.1")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("VERTEX_LOCATION", "us-west1")
	v.SetDefault("UPSTREAM_TIMEOUT", "300s")
	v.SetDefault("MAX_CONCURRENT_UPSTREAM", 32)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Host:     v.GetString("LISTEN_HOST"),
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Project:         v.GetString("VERTEX_PROJECT"),
		Location:        v.GetString("VERTEX_LOCATION"),
		CredentialsFile: v.GetString("GOOGLE_APPLICATION_CREDENTIALS"),
		AccessToken:     v.GetString("VERTEX_ACCESS_TOKEN"),

		UpstreamTimeout:       v.GetDuration("UPSTREAM_TIMEOUT"),
		MaxConcurrentUpstream: v.GetInt64("MAX_CONCURRENT_UPSTREAM"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		ModelOverrides: parseModelOverrides(v),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseModelOverrides reads the optional models: list from config.yaml.
func parseModelOverrides(v *viper.Viper) []registry.Mapping {
	raw := v.Get("models")
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	var out []registry.Mapping
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		m := registry.Mapping{
			ClientID:        stringAt(entry, "client_id"),
			UpstreamModel:   stringAt(entry, "upstream_model"),
			Region:          stringAt(entry, "region"),
			ReasoningEffort: stringAt(entry, "reasoning_effort"),
		}
		if t, ok := entry["temperature"].(float64); ok {
			m.Defaults.Temperature = &t
		}
		if mt, ok := entry["max_tokens"].(int); ok {
			mt32 := int32(mt)
			m.Defaults.MaxTokens = &mt32
		}
		out = append(out, m)
	}
	return out
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.Project == "" {
		return fmt.Errorf(
			"config: VERTEX_PROJECT is required (the Google Cloud project id " +
				"whose Vertex AI API serves the requests)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.MaxConcurrentUpstream < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_UPSTREAM must be ≥ 1, got %d", c.MaxConcurrentUpstream)
	}

	if c.CredentialsFile != "" {
		if _, err := os.Stat(c.CredentialsFile); err != nil {
			return fmt.Errorf("config: GOOGLE_APPLICATION_CREDENTIALS: %w", err)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
