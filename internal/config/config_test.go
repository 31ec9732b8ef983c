package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setup isolates a test from the developer's real environment and working
// directory.
func setup(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"LISTEN_HOST", "PORT", "LOG_LEVEL",
		"VERTEX_PROJECT", "VERTEX_LOCATION",
		"GOOGLE_APPLICATION_CREDENTIALS", "VERTEX_ACCESS_TOKEN",
		"UPSTREAM_TIMEOUT", "MAX_CONCURRENT_UPSTREAM", "CORS_ORIGINS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setup(t)
	t.Setenv("VERTEX_PROJECT", "my-project")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q, want loopback default", cfg.Host)
	}
	if cfg.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Port)
	}
	if cfg.Location != "us-west1" {
		t.Errorf("location = %q, want us-west1", cfg.Location)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.UpstreamTimeout != 300*time.Second {
		t.Errorf("upstream timeout = %v, want 300s", cfg.UpstreamTimeout)
	}
	if cfg.MaxConcurrentUpstream != 32 {
		t.Errorf("max concurrent = %d, want 32", cfg.MaxConcurrentUpstream)
	}
}

func TestLoad_MissingProject(t *testing.T) {
	setup(t)

	if _, err := Load(); err == nil {
		t.Error("expected error when VERTEX_PROJECT is unset")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setup(t)
	t.Setenv("VERTEX_PROJECT", "p")
	t.Setenv("LISTEN_HOST", "0.0.0.0")
	t.Setenv("PORT", "9100")
	t.Setenv("VERTEX_LOCATION", "europe-west4")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("UPSTREAM_TIMEOUT", "45s")
	t.Setenv("VERTEX_ACCESS_TOKEN", "ya29.token")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9100 {
		t.Errorf("addr = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Location != "europe-west4" {
		t.Errorf("location = %q", cfg.Location)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want lower-cased debug", cfg.LogLevel)
	}
	if cfg.UpstreamTimeout != 45*time.Second {
		t.Errorf("timeout = %v", cfg.UpstreamTimeout)
	}
	if cfg.AccessToken != "ya29.token" {
		t.Errorf("access token = %q", cfg.AccessToken)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad log level", "LOG_LEVEL", "loud"},
		{"port zero", "PORT", "0"},
		{"port too large", "PORT", "99999"},
		{"zero timeout", "UPSTREAM_TIMEOUT", "0s"},
		{"zero concurrency", "MAX_CONCURRENT_UPSTREAM", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setup(t)
			t.Setenv("VERTEX_PROJECT", "p")
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoad_MissingCredentialsFile(t *testing.T) {
	setup(t)
	t.Setenv("VERTEX_PROJECT", "p")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/no/such/key.json")

	if _, err := Load(); err == nil {
		t.Error("expected error for nonexistent credentials file")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	setup(t)
	if err := os.WriteFile(".env", []byte("VERTEX_PROJECT=dotenv-project\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project != "dotenv-project" {
		t.Errorf("project = %q, want value from .env", cfg.Project)
	}
}

func TestLoad_ModelOverridesFromYAML(t *testing.T) {
	setup(t)
	t.Setenv("VERTEX_PROJECT", "p")

	yaml := `
models:
  - client_id: acme/custom
    upstream_model: gemini-2.5-pro
    region: us-central1
    reasoning_effort: high
    temperature: 0.3
`
	if err := os.WriteFile(filepath.Join(".", "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.ModelOverrides) != 1 {
		t.Fatalf("overrides = %d, want 1", len(cfg.ModelOverrides))
	}
	m := cfg.ModelOverrides[0]
	if m.ClientID != "acme/custom" || m.UpstreamModel != "gemini-2.5-pro" {
		t.Errorf("override = %+v", m)
	}
	if m.Region != "us-central1" || m.ReasoningEffort != "high" {
		t.Errorf("override = %+v", m)
	}
	if m.Defaults.Temperature == nil || *m.Defaults.Temperature != 0.3 {
		t.Error("temperature default lost")
	}
}
