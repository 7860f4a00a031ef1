package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets all RELAIS_* variables the loader reads so tests are
// isolated from the surrounding environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RELAIS_CONFIG", "RELAIS_BACKEND_URL", "RELAIS_BACKEND_API_KEY",
		"RELAIS_PORT", "RELAIS_STORAGE", "RELAIS_STORAGE_SIZE",
		"RELAIS_POSTGRES_DSN", "RELAIS_AUTH_TYPE", "RELAIS_API_KEYS",
		"RELAIS_JANITOR_INTERVAL", "RELAIS_MAX_CHAT_AGE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected default storage memory, got %q", cfg.Storage.Type)
	}
	if cfg.Auth.Type != "none" {
		t.Errorf("expected default auth none, got %q", cfg.Auth.Type)
	}
	if cfg.Relay.JanitorInterval != 60*time.Second {
		t.Errorf("expected 60s janitor interval, got %v", cfg.Relay.JanitorInterval)
	}
	if cfg.Relay.MaxChatAge != 10*time.Minute {
		t.Errorf("expected 10m max chat age, got %v", cfg.Relay.MaxChatAge)
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Error("expected metrics enabled by default")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
server:
  port: 9090
upstream:
  base_url: http://vllm:8000
relay:
  max_chat_age: 5m
storage:
  type: memory
  max_size: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL != "http://vllm:8000" {
		t.Errorf("unexpected base URL %q", cfg.Upstream.BaseURL)
	}
	if cfg.Relay.MaxChatAge != 5*time.Minute {
		t.Errorf("expected 5m max chat age, got %v", cfg.Relay.MaxChatAge)
	}
	if cfg.Storage.MaxSize != 500 {
		t.Errorf("expected max size 500, got %d", cfg.Storage.MaxSize)
	}
	// Unset fields keep their defaults.
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
upstream:
  base_url: http://from-file:8000
`)
	t.Setenv("RELAIS_BACKEND_URL", "http://from-env:8000")
	t.Setenv("RELAIS_PORT", "7070")
	t.Setenv("RELAIS_JANITOR_INTERVAL", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.Upstream.BaseURL != "http://from-env:8000" {
		t.Errorf("expected env to override file, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Relay.JanitorInterval != 30*time.Second {
		t.Errorf("expected 30s janitor interval, got %v", cfg.Relay.JanitorInterval)
	}
}

func TestConfigDiscoveryViaEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
upstream:
  base_url: http://discovered:8000
`)
	t.Setenv("RELAIS_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Upstream.BaseURL != "http://discovered:8000" {
		t.Errorf("expected discovered config, got %q", cfg.Upstream.BaseURL)
	}
}

func TestAPIKeysFromEnvJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAIS_BACKEND_URL", "http://vllm:8000")
	t.Setenv("RELAIS_AUTH_TYPE", "apikey")
	t.Setenv("RELAIS_API_KEYS", `[{"key":"sk-test","subject":"svc-a","owner_id":"team-1","tier":"pro"}]`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if len(cfg.Auth.APIKeys) != 1 {
		t.Fatalf("expected 1 API key, got %d", len(cfg.Auth.APIKeys))
	}
	k := cfg.Auth.APIKeys[0]
	if k.Key != "sk-test" || k.Subject != "svc-a" || k.OwnerID != "team-1" || k.Tier != "pro" {
		t.Errorf("unexpected API key entry: %+v", k)
	}
}

func TestFileReferenceResolution(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "api-key")
	if err := os.WriteFile(secretPath, []byte("sk-secret\n"), 0o600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}

	path := writeConfigFile(t, `
upstream:
  base_url: http://vllm:8000
  api_key_file: `+secretPath+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-secret" {
		t.Errorf("expected trimmed secret, got %q", cfg.Upstream.APIKey)
	}
}

func TestFileReferenceMissingFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
upstream:
  base_url: http://vllm:8000
  api_key_file: /nonexistent/api-key
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for missing secret file")
	}
}

func TestValidateMissingBackendURL(t *testing.T) {
	cfg := Defaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "upstream.base_url") {
		t.Errorf("expected base_url error, got %v", err)
	}
}

func TestValidateBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad storage type", func(c *Config) { c.Storage.Type = "redis" }, "storage.type"},
		{"postgres without dsn", func(c *Config) { c.Storage.Type = "postgres" }, "storage.postgres.dsn"},
		{"bad auth type", func(c *Config) { c.Auth.Type = "oauth" }, "auth.type"},
		{"apikey without keys", func(c *Config) { c.Auth.Type = "apikey" }, "auth.api_keys"},
		{"jwt without jwks", func(c *Config) { c.Auth.Type = "jwt" }, "auth.jwt.jwks_url"},
		{"bad janitor interval", func(c *Config) { c.Relay.JanitorInterval = 0 }, "relay.janitor_interval"},
		{"bad max chat age", func(c *Config) { c.Relay.MaxChatAge = -time.Minute }, "relay.max_chat_age"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Upstream.BaseURL = "http://vllm:8000"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.BaseURL = "http://vllm:8000"

	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}
