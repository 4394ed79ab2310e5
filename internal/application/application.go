package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/api"
	"github.com/eugenenazirov/gaekit/internal/auth"
	"github.com/eugenenazirov/gaekit/internal/bigquery"
	"github.com/eugenenazirov/gaekit/internal/config"
	"github.com/eugenenazirov/gaekit/internal/cron"
	"github.com/eugenenazirov/gaekit/internal/datastore"
	"github.com/eugenenazirov/gaekit/internal/firestore"
	"github.com/eugenenazirov/gaekit/internal/migrations"
	"github.com/eugenenazirov/gaekit/internal/mutex"
	"github.com/eugenenazirov/gaekit/internal/secrets"
	"github.com/eugenenazirov/gaekit/internal/storage"
	"github.com/eugenenazirov/gaekit/internal/tasks"
)

const defaultDevEmail = "developer@localhost"

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	firestore *firestore.Provider
	datastore *datastore.Provider
	bigquery  *bigquery.Provider
	storage   *storage.Provider
	tasks     *tasks.Provider

	mutexes *mutex.Service
	runner  *migrations.Runner
	queue   tasks.Queue
	files   *storage.Service
	cron    *cron.Runner

	handler *api.Handler
	router  http.Handler
	server  *http.Server
}

// Option customizes New.
type Option func(*options)

type options struct {
	migrations   []migrations.Migration
	mutexStore   mutex.Store
	resultStore  migrations.Store
	queue        tasks.Queue
	iapVerifier  auth.Verifier
	oidcVerifier auth.Verifier
}

// WithMigrations replaces the built-in migrations.
func WithMigrations(ms ...migrations.Migration) Option {
	return func(o *options) {
		o.migrations = ms
	}
}

// WithStores overrides the backend-selected mutex and migration stores.
func WithStores(mutexStore mutex.Store, resultStore migrations.Store) Option {
	return func(o *options) {
		o.mutexStore = mutexStore
		o.resultStore = resultStore
	}
}

// WithQueue overrides the configured task queue.
func WithQueue(q tasks.Queue) Option {
	return func(o *options) {
		o.queue = q
	}
}

// WithVerifiers overrides the IAP and OIDC verifiers. Nil keeps the
// configured one.
func WithVerifiers(iap, oidc auth.Verifier) Option {
	return func(o *options) {
		o.iapVerifier = iap
		o.oidcVerifier = oidc
	}
}

// New initializes the application with all dependencies from the provided
// configuration. Cloud clients are created lazily on first use.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		firestore: firestore.NewProvider(cfg.Firestore),
		datastore: datastore.NewProvider(cfg.Datastore),
		bigquery:  bigquery.NewProvider(cfg.BigQuery),
		storage:   storage.NewProvider(cfg.Storage),
		tasks:     tasks.NewProvider(),
	}

	mutexStore, resultStore := o.mutexStore, o.resultStore
	if mutexStore == nil || resultStore == nil {
		var err error
		mutexStore, resultStore, err = a.stores()
		if err != nil {
			return nil, err
		}
	}
	a.mutexes = mutex.NewService(mutexStore, cfg.Mutex, logger.Named("mutex"))

	registered := o.migrations
	if registered == nil {
		registered = a.builtinMigrations()
	}
	var runnerOpts []migrations.Option
	if cfg.Migrations.BigQueryTable != "" {
		svc := bigquery.NewService(a.bigquery, cfg.BigQuery.DatasetID)
		runnerOpts = append(runnerOpts, migrations.WithSink(migrations.NewBigQuerySink(svc, cfg.Migrations.BigQueryTable)))
	}
	runner, err := migrations.NewRunner(registered, resultStore, a.mutexes, cfg.Migrations, logger.Named("migrations"), runnerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to register migrations: %w", err)
	}
	a.runner = runner

	a.queue = o.queue
	if a.queue == nil {
		a.queue = tasks.NewQueue(cfg.Tasks, cfg.Environment, a.tasks, logger.Named("tasks"))
	}

	deps := api.Deps{Migrations: a.runner, Queue: a.queue, Mutexes: a.mutexes}
	if _, err := cfg.Storage.URL(); err == nil {
		a.files = storage.NewService(a.storage, cfg.Storage)
		deps.Files = a.files
	} else {
		logger.Info("storage disabled", zap.Error(err))
	}

	iapVerifier, oidcVerifier, err := a.verifiers(ctx, o)
	if err != nil {
		return nil, err
	}

	if cfg.Cron.Enabled && cfg.IsLocal() {
		path, err := resolveProjectPath(cfg.Cron.File)
		if err != nil {
			return nil, err
		}
		entries, err := cron.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load cron file: %w", err)
		}
		a.cron, err = cron.NewRunner(entries, cfg.Cron.BaseURL, logger.Named("cron"))
		if err != nil {
			return nil, fmt.Errorf("failed to schedule cron jobs: %w", err)
		}
	}

	a.handler = api.NewHandler(deps, logger)
	a.router = api.NewRouter(a.handler, logger,
		api.WithLogging(cfg.Server.EnableRequestLogging),
		api.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		api.WithProjectID(cfg.ProjectID),
		api.WithIAPVerifier(iapVerifier),
		api.WithOIDCVerifier(oidcVerifier),
	)
	a.server = NewServer(cfg, a.router)

	return a, nil
}

// stores picks the mutex and migration stores for the configured backend.
func (a *App) stores() (mutex.Store, migrations.Store, error) {
	mutexColl := a.cfg.Mutex.WithDefaults().Collection
	resultColl := a.cfg.Migrations.WithDefaults().Collection

	switch a.cfg.Backend {
	case config.BackendFirestore:
		return mutex.NewFirestoreStore(a.firestore, mutexColl),
			migrations.NewFirestoreStore(a.firestore, resultColl), nil
	case config.BackendDatastore:
		ns := a.cfg.Datastore.Namespace
		return mutex.NewDatastoreStore(a.datastore, mutexColl, ns),
			migrations.NewDatastoreStore(a.datastore, resultColl, ns), nil
	case config.BackendMemory:
		return mutex.NewMemoryStore(), migrations.NewMemoryStore(), nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
}

// verifiers builds the IAP and OIDC verifiers. Locally a static identity
// stands in for IAP.
func (a *App) verifiers(ctx context.Context, o options) (auth.Verifier, auth.Verifier, error) {
	iap, oidc := o.iapVerifier, o.oidcVerifier

	if iap == nil {
		switch {
		case a.cfg.IsLocal():
			email := a.cfg.Auth.DevEmail
			if email == "" {
				email = defaultDevEmail
			}
			iap = auth.NewStaticVerifier(email)
		case a.cfg.Auth.IAP.Enabled:
			v, err := auth.NewIAPVerifier(ctx, a.cfg.Auth.IAP)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create IAP verifier: %w", err)
			}
			iap = v
		default:
			a.logger.Warn("IAP verification disabled, admin routes will reject every request")
		}
	}

	if oidc == nil && a.cfg.Auth.OIDC.Enabled {
		v, err := auth.NewOIDCVerifier(ctx, a.cfg.Auth.OIDC)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OIDC verifier: %w", err)
		}
		oidc = v
	}
	return iap, oidc, nil
}

// resolveProjectPath finds relative in the working directory or the
// closest parent that contains it. Absolute paths are returned unchanged.
func resolveProjectPath(relative string) (string, error) {
	if filepath.IsAbs(relative) {
		return relative, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, relative)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", relative)
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Server.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// Start runs pending migrations when configured, then starts the HTTP
// server in a goroutine and, locally, the cron runner.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Migrations.RunOnStartup {
		if err := a.runner.Bootstrap(ctx); err != nil {
			return fmt.Errorf("startup migrations: %w", err)
		}
	}

	go func() {
		a.logger.Info("server listening",
			zap.String("addr", a.server.Addr),
			zap.String("environment", a.cfg.Environment),
			zap.String("service", a.cfg.Service),
			zap.String("version", a.cfg.Version),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()

	if a.cron != nil {
		a.cron.Start()
	}
	return nil
}

// Migrate runs pending migrations once.
func (a *App) Migrate(ctx context.Context) error {
	return a.runner.Bootstrap(ctx)
}

// Enqueue adds one task and, for the local queue, waits for its delivery.
func (a *App) Enqueue(ctx context.Context, path string, opts ...tasks.Option) error {
	if err := a.queue.Enqueue(ctx, path, opts...); err != nil {
		return err
	}
	if w, ok := a.queue.(interface{ Wait() }); ok {
		w.Wait()
	}
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Router returns the root HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Close stops background work and releases the cloud clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.cron != nil {
		errs = append(errs, a.cron.Stop(ctx))
	}
	if c, ok := a.queue.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	for _, c := range []io.Closer{a.firestore, a.datastore, a.bigquery, a.storage, a.tasks} {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ResolveSecrets replaces SECRET(name) references in cfg, from Secret
// Manager on App Engine and from environment variables locally.
func ResolveSecrets(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var resolver secrets.Resolver = secrets.EnvResolver{}
	if !cfg.IsLocal() {
		p := secrets.NewProvider()
		defer func() {
			_ = p.Close()
		}()
		resolver = secrets.NewManagerResolver(cfg.ProjectID, p)
	}

	n, err := config.ResolveSecrets(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("resolved configuration secrets", zap.Int("count", n))
	}
	return nil
}
