package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/gaekit/internal/auth"
	"github.com/eugenenazirov/gaekit/internal/bigquery"
	"github.com/eugenenazirov/gaekit/internal/cron"
	"github.com/eugenenazirov/gaekit/internal/datastore"
	"github.com/eugenenazirov/gaekit/internal/firestore"
	"github.com/eugenenazirov/gaekit/internal/logging"
	"github.com/eugenenazirov/gaekit/internal/migrations"
	"github.com/eugenenazirov/gaekit/internal/mutex"
	"github.com/eugenenazirov/gaekit/internal/secrets"
	"github.com/eugenenazirov/gaekit/internal/storage"
	"github.com/eugenenazirov/gaekit/internal/tasks"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50

	// EnvironmentLocal is the environment used off App Engine.
	EnvironmentLocal = tasks.EnvironmentLocal
	// EnvironmentProduction is the default environment on App Engine.
	EnvironmentProduction = "production"

	// Store backends for mutexes and migration results.
	BackendFirestore = "firestore"
	BackendDatastore = "datastore"
	BackendMemory    = "memory"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > <env>.yaml > default.yaml > Environment variables > Defaults
type Config struct {
	ProjectID     string `yaml:"project_id"`
	ProjectNumber string `yaml:"project_number"`
	Location      string `yaml:"location"`
	Environment   string `yaml:"environment"`
	// Service and Version are reported by the App Engine runtime.
	Service string `yaml:"-"`
	Version string `yaml:"-"`
	// Backend stores mutexes and migration results.
	Backend string `yaml:"backend"`

	Server     ServerConfig      `yaml:"server"`
	Logging    logging.Options   `yaml:"logging"`
	Firestore  firestore.Config  `yaml:"firestore"`
	Datastore  datastore.Config  `yaml:"datastore"`
	BigQuery   bigquery.Config   `yaml:"bigquery"`
	Storage    storage.Config    `yaml:"storage"`
	Tasks      tasks.Config      `yaml:"tasks"`
	Auth       auth.Config       `yaml:"auth"`
	Cron       cron.Config       `yaml:"cron"`
	Mutex      mutex.Config      `yaml:"mutex"`
	Migrations migrations.Config `yaml:"migrations"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port                 string          `yaml:"port"`
	ShutdownGracePeriod  time.Duration   `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    time.Duration   `yaml:"read_header_timeout"`
	WriteTimeout         time.Duration   `yaml:"write_timeout"`
	IdleTimeout          time.Duration   `yaml:"idle_timeout"`
	EnableRequestLogging bool            `yaml:"enable_request_logging"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures the token bucket in front of the router.
// Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// IsLocal reports whether the service runs outside App Engine.
func (c Config) IsLocal() bool {
	return c.Environment == EnvironmentLocal
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	// ConfigFile is a single YAML file; it replaces the ConfigDir lookup.
	ConfigFile string
	// ConfigDir holds default.yaml and <environment>.yaml.
	ConfigDir      string
	Environment    *string
	ProjectID      *string
	Port           *string
	LogLevel       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > <env>.yaml > default.yaml > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	applyEnvConfig(&cfg)
	if err := resolveEnvironment(&cfg, overrides); err != nil {
		return Config{}, fmt.Errorf("load YAML config: %w", err)
	}
	if cfg.IsLocal() {
		cfg.Logging.Development = true
	}

	if overrides != nil {
		environment := cfg.Environment
		for i, path := range yamlFiles(overrides, environment) {
			if err := applyYAMLFile(&cfg, path); err != nil {
				return Config{}, fmt.Errorf("load YAML config: %w", err)
			}
			if i > 0 && cfg.Environment != environment {
				return Config{}, fmt.Errorf("load YAML config: %s sets environment %q, %q was selected", path, cfg.Environment, environment)
			}
			cfg.Environment = environment
		}
		applyCLIOverrides(&cfg, overrides)
	}

	finalize(&cfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ResolveSecrets replaces SECRET(name) values in cfg using resolver and
// returns how many were replaced.
func ResolveSecrets(ctx context.Context, cfg *Config, resolver secrets.Resolver) (int, error) {
	n, err := secrets.Expand(ctx, cfg, resolver)
	if err != nil {
		return n, fmt.Errorf("resolve secrets: %w", err)
	}
	return n, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Environment: EnvironmentLocal,
		Server: ServerConfig{
			Port:                 defaultPort,
			ShutdownGracePeriod:  10 * time.Second,
			ReadHeaderTimeout:    5 * time.Second,
			WriteTimeout:         15 * time.Second,
			IdleTimeout:          60 * time.Second,
			EnableRequestLogging: true,
			RateLimit: RateLimitConfig{
				RPS:   defaultRateLimitRPS,
				Burst: defaultRateLimitBurst,
			},
		},
		Logging:    logging.Options{Level: "info"},
		Cron:       cron.Config{File: "cron.yaml"},
		Mutex:      mutex.Config{}.WithDefaults(),
		Migrations: migrations.Config{RunOnStartup: true}.WithDefaults(),
	}
}

// resolveEnvironment settles the environment before any overlay is picked:
// env vars, then an environment key in the base YAML file, then the CLI.
func resolveEnvironment(cfg *Config, overrides *CLIOverrides) error {
	if overrides == nil {
		return nil
	}

	base := overrides.ConfigFile
	if base == "" && overrides.ConfigDir != "" {
		base = filepath.Join(overrides.ConfigDir, "default.yaml")
	}
	if base != "" {
		data, err := os.ReadFile(base)
		switch {
		case err == nil:
			var head struct {
				Environment string `yaml:"environment"`
			}
			if err := yaml.Unmarshal(data, &head); err != nil {
				return fmt.Errorf("parse YAML %s: %w", base, err)
			}
			if head.Environment != "" {
				cfg.Environment = head.Environment
			}
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("read file: %w", err)
		}
	}

	if overrides.Environment != nil && *overrides.Environment != "" {
		cfg.Environment = *overrides.Environment
	}
	return nil
}

// yamlFiles lists the files to overlay, in order.
func yamlFiles(overrides *CLIOverrides, environment string) []string {
	if overrides.ConfigFile != "" {
		return []string{overrides.ConfigFile}
	}
	if overrides.ConfigDir == "" {
		return nil
	}

	var files []string
	for _, name := range []string{"default.yaml", environment + ".yaml"} {
		path := filepath.Join(overrides.ConfigDir, name)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}

// applyYAMLFile decodes path over cfg; keys absent from the file keep their
// current values.
func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse YAML %s: %w", path, err)
	}
	return nil
}

// applyEnvConfig applies environment variable configuration, including the
// variables the App Engine runtime sets.
func applyEnvConfig(cfg *Config) {
	if port := env("PORT"); port != "" {
		cfg.Server.Port = port
	}

	if project := env("GOOGLE_CLOUD_PROJECT"); project != "" {
		cfg.ProjectID = project
	} else if app := env("GAE_APPLICATION"); app != "" {
		// GAE_APPLICATION is "<region>~<project>".
		if _, project, ok := strings.Cut(app, "~"); ok {
			cfg.ProjectID = project
		} else {
			cfg.ProjectID = app
		}
	}
	if number := env("GOOGLE_CLOUD_PROJECT_NUMBER"); number != "" {
		cfg.ProjectNumber = number
	}
	if location := env("GOOGLE_CLOUD_LOCATION"); location != "" {
		cfg.Location = location
	}

	cfg.Service = env("GAE_SERVICE")
	cfg.Version = env("GAE_VERSION")
	if cfg.Service != "" || env("GAE_ENV") != "" {
		cfg.Environment = EnvironmentProduction
	}
	if appEnv := env("APP_ENV"); appEnv != "" {
		cfg.Environment = appEnv
	}

	if level := env("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if backend := env("STORE_BACKEND"); backend != "" {
		cfg.Backend = backend
	}
	if host := env("FIRESTORE_EMULATOR_HOST"); host != "" {
		cfg.Firestore.EmulatorHost = host
	}
	if host := env("DATASTORE_EMULATOR_HOST"); host != "" {
		cfg.Datastore.EmulatorHost = host
	}
	if bucket := env("STORAGE_BUCKET"); bucket != "" {
		cfg.Storage.Bucket = bucket
	}

	if rps := env("RATE_LIMIT_RPS"); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.Server.RateLimit.RPS = value
		}
	}
	if burst := env("RATE_LIMIT_BURST"); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.Server.RateLimit.Burst = value
		}
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Environment != nil && *overrides.Environment != "" {
		cfg.Environment = *overrides.Environment
	}
	if overrides.ProjectID != nil && *overrides.ProjectID != "" {
		cfg.ProjectID = *overrides.ProjectID
	}
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Server.Port = *overrides.Port
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.Logging.Level = *overrides.LogLevel
	}
	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.Server.RateLimit.RPS = *overrides.RateLimitRPS
	}
	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.Server.RateLimit.Burst = *overrides.RateLimitBurst
	}
}

// finalize propagates the top-level project settings into the sections
// that did not set their own.
func finalize(cfg *Config) {
	fill := func(dst *string, value string) {
		if *dst == "" {
			*dst = value
		}
	}

	fill(&cfg.Firestore.ProjectID, cfg.ProjectID)
	fill(&cfg.Datastore.ProjectID, cfg.ProjectID)
	fill(&cfg.BigQuery.ProjectID, cfg.ProjectID)
	fill(&cfg.BigQuery.Location, cfg.Location)
	fill(&cfg.Storage.ProjectID, cfg.ProjectID)
	fill(&cfg.Tasks.ProjectID, cfg.ProjectID)
	fill(&cfg.Tasks.Location, cfg.Location)
	fill(&cfg.Tasks.Service, cfg.Service)
	fill(&cfg.Auth.IAP.ProjectID, cfg.ProjectID)
	fill(&cfg.Auth.IAP.ProjectNumber, cfg.ProjectNumber)

	localURL := "http://localhost:" + cfg.Server.Port
	fill(&cfg.Tasks.LocalBaseURL, localURL)
	fill(&cfg.Cron.BaseURL, localURL)

	if cfg.IsLocal() {
		cfg.Tasks.Local = true
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendFirestore
		if cfg.IsLocal() {
			cfg.Backend = BackendMemory
		}
	}
	cfg.Tasks = cfg.Tasks.WithDefaults()
	cfg.Mutex = cfg.Mutex.WithDefaults()
	cfg.Migrations = cfg.Migrations.WithDefaults()
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	var errs []error

	if cfg.Environment == "" {
		errs = append(errs, errors.New("environment cannot be empty"))
	}
	if !cfg.IsLocal() && cfg.ProjectID == "" {
		errs = append(errs, errors.New("project id is required outside the local environment"))
	}
	switch cfg.Backend {
	case BackendFirestore, BackendDatastore:
	case BackendMemory:
		if !cfg.IsLocal() {
			errs = append(errs, errors.New("memory backend is only allowed in the local environment"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", cfg.Backend))
	}

	if cfg.Server.Port == "" {
		errs = append(errs, errors.New("port cannot be empty"))
	}
	if cfg.Server.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must be >= 0"))
	}
	if cfg.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be >= 0"))
	}

	if cfg.Mutex.DefaultExpiry <= 0 {
		errs = append(errs, errors.New("mutex default expiry must be > 0"))
	}
	if cfg.Migrations.MutexExpiry <= 0 {
		errs = append(errs, errors.New("migrations mutex expiry must be > 0"))
	}
	if cfg.Tasks.Throttle < 0 {
		errs = append(errs, errors.New("task throttle must be >= 0"))
	}
	if !cfg.Tasks.Local && cfg.Tasks.Location == "" {
		errs = append(errs, errors.New("tasks location is required for Cloud Tasks"))
	}
	if cfg.Tasks.TargetHost != "" && cfg.Tasks.ServiceAccount == "" {
		errs = append(errs, errors.New("tasks service account is required with a target host"))
	}

	if cfg.Auth.IAP.Enabled && !cfg.IsLocal() {
		if _, err := cfg.Auth.IAP.ExpectedAudience(); err != nil {
			errs = append(errs, fmt.Errorf("iap: %w", err))
		}
	}
	if cfg.Auth.OIDC.Enabled && cfg.Auth.OIDC.Audience == "" {
		errs = append(errs, fmt.Errorf("oidc: %w", auth.ErrNoAudience))
	}
	if cfg.Cron.Enabled && cfg.Cron.File == "" {
		errs = append(errs, errors.New("cron file is required when local cron is enabled"))
	}

	return errors.Join(errs...)
}
