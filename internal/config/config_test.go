package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment does
// not leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "GOOGLE_CLOUD_PROJECT", "GAE_APPLICATION", "GOOGLE_CLOUD_PROJECT_NUMBER",
		"GOOGLE_CLOUD_LOCATION", "GAE_SERVICE", "GAE_VERSION", "GAE_ENV", "APP_ENV",
		"LOG_LEVEL", "STORE_BACKEND", "FIRESTORE_EMULATOR_HOST", "DATASTORE_EMULATOR_HOST",
		"STORAGE_BUCKET", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Fatalf("expected default port %s, got %s", defaultPort, cfg.Server.Port)
	}
	if cfg.Server.ShutdownGracePeriod != 10*time.Second {
		t.Fatalf("unexpected shutdown grace period: %s", cfg.Server.ShutdownGracePeriod)
	}
	if !cfg.IsLocal() || !cfg.Tasks.Local || !cfg.Logging.Development {
		t.Fatalf("expected local defaults, got %+v", cfg)
	}
	if cfg.Tasks.LocalBaseURL != "http://localhost:8080" || cfg.Cron.BaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected local urls %q %q", cfg.Tasks.LocalBaseURL, cfg.Cron.BaseURL)
	}
	if cfg.Tasks.Queue != "default" || cfg.Mutex.Collection != "mutexes" || cfg.Migrations.MutexID != "migrations" {
		t.Fatalf("expected section defaults, got %+v %+v %+v", cfg.Tasks, cfg.Mutex, cfg.Migrations)
	}
}

func TestLoadAppEngineEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("GAE_APPLICATION", "e~demo-project")
	t.Setenv("GAE_SERVICE", "api")
	t.Setenv("GAE_VERSION", "v7")
	t.Setenv("GOOGLE_CLOUD_PROJECT_NUMBER", "123456")
	t.Setenv("GOOGLE_CLOUD_LOCATION", "europe-west1")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != EnvironmentProduction || cfg.IsLocal() {
		t.Fatalf("expected production environment, got %q", cfg.Environment)
	}
	if cfg.ProjectID != "demo-project" || cfg.Service != "api" || cfg.Version != "v7" {
		t.Fatalf("unexpected runtime identity %+v", cfg)
	}
	if cfg.Firestore.ProjectID != "demo-project" || cfg.Tasks.ProjectID != "demo-project" || cfg.Storage.ProjectID != "demo-project" {
		t.Fatalf("expected project id to propagate into sections")
	}
	if cfg.Tasks.Location != "europe-west1" || cfg.Tasks.Service != "api" || cfg.Tasks.Local {
		t.Fatalf("unexpected tasks config %+v", cfg.Tasks)
	}
	if cfg.Auth.IAP.ProjectNumber != "123456" {
		t.Fatalf("expected project number to propagate into IAP config")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected JSON logging on App Engine")
	}
}

func TestLoadYAMLOverlays(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "from-env")
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", `
project_id: from-default
location: us-central1
server:
  rate_limit:
    rps: 5
    burst: 10
tasks:
  queue: work
  throttle: 30s
mutex:
  default_expiry: 2m
`)
	writeFile(t, dir, "staging.yaml", `
project_id: from-staging
auth:
  iap:
    enabled: true
    audience: /projects/1/apps/x
`)

	env := "staging"
	cfg, err := Load(&CLIOverrides{ConfigDir: dir, Environment: &env})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ProjectID != "from-staging" {
		t.Fatalf("expected environment overlay to win, got %q", cfg.ProjectID)
	}
	if cfg.Server.Port != "7000" {
		t.Fatalf("expected env port to survive YAML without port, got %q", cfg.Server.Port)
	}
	if cfg.Server.RateLimit.RPS != 5 || cfg.Server.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit %+v", cfg.Server.RateLimit)
	}
	if cfg.Tasks.Queue != "work" || cfg.Tasks.Throttle != 30*time.Second || cfg.Tasks.Location != "us-central1" {
		t.Fatalf("unexpected tasks config %+v", cfg.Tasks)
	}
	if cfg.Mutex.DefaultExpiry != 2*time.Minute || cfg.Mutex.Collection != "mutexes" {
		t.Fatalf("expected partial section overlay, got %+v", cfg.Mutex)
	}
	if !cfg.Auth.IAP.Enabled {
		t.Fatalf("expected IAP to be enabled")
	}
}

func TestLoadEnvironmentFromDefaultYAMLSelectsOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", "environment: staging\nproject_id: demo\n")
	writeFile(t, dir, "staging.yaml", "server:\n  port: \"9100\"\n")

	cfg, err := Load(&CLIOverrides{ConfigDir: dir})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "staging" || cfg.Server.Port != "9100" {
		t.Fatalf("expected staging overlay, got environment=%q port=%q", cfg.Environment, cfg.Server.Port)
	}
	if cfg.Logging.Development || cfg.Tasks.Local {
		t.Fatalf("expected non-local logging and tasks for staging")
	}
	if cfg.Backend != BackendFirestore {
		t.Fatalf("expected firestore backend outside local, got %q", cfg.Backend)
	}
}

func TestLoadCLIEnvironmentBeatsDefaultYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", "environment: staging\nproject_id: demo\n")
	writeFile(t, dir, "staging.yaml", "server:\n  port: \"9100\"\n")
	writeFile(t, dir, "qa.yaml", "server:\n  port: \"9200\"\n")

	env := "qa"
	cfg, err := Load(&CLIOverrides{ConfigDir: dir, Environment: &env})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Environment != "qa" || cfg.Server.Port != "9200" {
		t.Fatalf("expected qa overlay, got environment=%q port=%q", cfg.Environment, cfg.Server.Port)
	}
}

func TestLoadRejectsEnvironmentInOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", "project_id: demo\n")
	writeFile(t, dir, "staging.yaml", "environment: production\n")

	env := "staging"
	if _, err := Load(&CLIOverrides{ConfigDir: dir, Environment: &env}); err == nil || !strings.Contains(err.Error(), "sets environment") {
		t.Fatalf("expected overlay environment conflict, got %v", err)
	}
}

func TestLoadBackendDefaultsToMemoryLocally(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("expected memory backend locally, got %q", cfg.Backend)
	}

	t.Setenv("STORE_BACKEND", BackendFirestore)
	cfg, err = Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend != BackendFirestore {
		t.Fatalf("expected explicit backend to win, got %q", cfg.Backend)
	}
}

func TestLoadCLIOverridesWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_RPS", "3")
	path := writeFile(t, t.TempDir(), "app.yaml", "server:\n  port: \"8181\"\nlogging:\n  level: warn\n")

	port := "9999"
	level := "debug"
	rps := 12.5
	burst := 4
	cfg, err := Load(&CLIOverrides{ConfigFile: path, Port: &port, LogLevel: &level, RateLimitRPS: &rps, RateLimitBurst: &burst})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9999" || cfg.Logging.Level != "debug" {
		t.Fatalf("expected CLI overrides, got port=%s level=%s", cfg.Server.Port, cfg.Logging.Level)
	}
	if cfg.Server.RateLimit.RPS != 12.5 || cfg.Server.RateLimit.Burst != 4 {
		t.Fatalf("unexpected rate limit %+v", cfg.Server.RateLimit)
	}
	if cfg.Tasks.LocalBaseURL != "http://localhost:9999" {
		t.Fatalf("expected local base url to follow port, got %q", cfg.Tasks.LocalBaseURL)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "bad.yaml", "server: [")

	if _, err := Load(&CLIOverrides{ConfigFile: path}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(&CLIOverrides{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"project required", func(c *Config) { c.Environment = EnvironmentProduction; c.ProjectID = "" }, "project id"},
		{"unknown backend", func(c *Config) { c.Backend = "redis" }, "unknown backend"},
		{"memory outside local", func(c *Config) { c.Environment = EnvironmentProduction; c.Backend = BackendMemory }, "memory backend"},
		{"negative rps", func(c *Config) { c.Server.RateLimit.RPS = -1 }, "RATE_LIMIT_RPS"},
		{"negative burst", func(c *Config) { c.Server.RateLimit.Burst = -1 }, "RATE_LIMIT_BURST"},
		{"negative throttle", func(c *Config) { c.Tasks.Throttle = -time.Second }, "throttle"},
		{"cloud tasks location", func(c *Config) { c.Tasks.Local = false; c.Tasks.Location = "" }, "tasks location"},
		{"target host account", func(c *Config) { c.Tasks.TargetHost = "https://run.app" }, "service account"},
		{"iap audience", func(c *Config) {
			c.Environment = EnvironmentProduction
			c.Auth.IAP.Enabled = true
			c.Auth.IAP.ProjectNumber = ""
		}, "iap"},
		{"oidc audience", func(c *Config) { c.Auth.OIDC.Enabled = true }, "oidc"},
		{"cron file", func(c *Config) { c.Cron.Enabled = true; c.Cron.File = "" }, "cron file"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.ProjectID = "demo"
			finalize(&cfg)
			tc.mutate(&cfg)

			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	cfg := defaultConfig()
	finalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, name string) (string, error) {
	value, ok := m[name]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", name, errors.New("missing"))
	}
	return value, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tasks.ServiceAccount = "SECRET(tasks-sa)"
	cfg.Auth.OIDC.AllowedEmails = []string{"SECRET(scheduler-sa)", "literal@example.com"}

	n, err := ResolveSecrets(context.Background(), &cfg, mapResolver{
		"tasks-sa":     "tasks@demo.iam.gserviceaccount.com",
		"scheduler-sa": "scheduler@demo.iam.gserviceaccount.com",
	})
	if err != nil {
		t.Fatalf("ResolveSecrets returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 replacements, got %d", n)
	}
	if cfg.Tasks.ServiceAccount != "tasks@demo.iam.gserviceaccount.com" || cfg.Auth.OIDC.AllowedEmails[0] != "scheduler@demo.iam.gserviceaccount.com" {
		t.Fatalf("secrets not resolved: %+v", cfg)
	}

	cfg.Storage.Bucket = "SECRET(unknown)"
	if _, err := ResolveSecrets(context.Background(), &cfg, mapResolver{}); err == nil {
		t.Fatalf("expected unresolvable secret to fail")
	}
}
