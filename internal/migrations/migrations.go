// Package migrations runs one-off data migrations exactly once across all
// instances of a service. Bootstrap takes a shared mutex, skips migrations
// already recorded as successful and records the outcome of each one it runs.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/metrics"
	"github.com/eugenenazirov/gaekit/internal/mutex"
)

const (
	defaultCollection  = "migrations"
	defaultMutexID     = "migrations"
	defaultMutexExpiry = 10 * time.Minute
)

var (
	// ErrUnknownMigration is returned by Run for an id that is not registered.
	ErrUnknownMigration = errors.New("migrations: unknown migration")
	// ErrInvalidMigration is returned by NewRunner for empty or duplicate ids
	// and missing run functions.
	ErrInvalidMigration = errors.New("migrations: invalid migration")
	// ErrRunning is returned by Run when another holder has the migrations
	// mutex.
	ErrRunning = errors.New("migrations: already running")
)

// Config configures the runner.
type Config struct {
	// RunOnStartup runs Bootstrap when the application starts.
	RunOnStartup  bool          `yaml:"run_on_startup"`
	Collection    string        `yaml:"collection"`
	MutexID       string        `yaml:"mutex_id"`
	MutexExpiry   time.Duration `yaml:"mutex_expiry"`
	BigQueryTable string        `yaml:"bigquery_table"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.MutexID == "" {
		c.MutexID = defaultMutexID
	}
	if c.MutexExpiry <= 0 {
		c.MutexExpiry = defaultMutexExpiry
	}
	return c
}

// Env is handed to every migration.
type Env struct {
	Logger *zap.Logger
}

// Migration is a named, idempotent-by-record unit of work.
type Migration struct {
	ID  string
	Run func(ctx context.Context, env Env) error
}

// Result records one execution.
type Result struct {
	ID         string    `firestore:"id" datastore:"id" bigquery:"id" json:"id"`
	StartedAt  time.Time `firestore:"startedAt" datastore:"startedAt" bigquery:"started_at" json:"startedAt"`
	FinishedAt time.Time `firestore:"finishedAt" datastore:"finishedAt" bigquery:"finished_at" json:"finishedAt"`
	Error      string    `firestore:"error" datastore:"error,noindex" bigquery:"error" json:"error,omitempty"`
}

// Succeeded reports whether the execution finished without error.
func (r Result) Succeeded() bool {
	return r.Error == ""
}

// Store persists results keyed by migration id; Record overwrites.
type Store interface {
	List(ctx context.Context) ([]Result, error)
	Record(ctx context.Context, result Result) error
}

// Sink receives a copy of every result, e.g. for auditing.
type Sink interface {
	Write(ctx context.Context, result Result) error
}

// Runner executes registered migrations.
type Runner struct {
	migrations []Migration
	store      Store
	mutex      *mutex.Service
	cfg        Config
	logger     *zap.Logger
	sink       Sink
	clock      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithSink forwards every result to sink.
func WithSink(sink Sink) Option {
	return func(r *Runner) {
		r.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// NewRunner validates migrations and creates a Runner. Migrations run in
// the order given.
func NewRunner(migrations []Migration, store Store, mutexSvc *mutex.Service, cfg Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	seen := make(map[string]struct{}, len(migrations))
	for _, m := range migrations {
		if m.ID == "" || m.Run == nil {
			return nil, fmt.Errorf("%w: id %q", ErrInvalidMigration, m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidMigration, m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	r := &Runner{
		migrations: append([]Migration(nil), migrations...),
		store:      store,
		mutex:      mutexSvc,
		cfg:        cfg.WithDefaults(),
		logger:     logger,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// IDs returns the registered migration ids in run order.
func (r *Runner) IDs() []string {
	ids := make([]string, len(r.migrations))
	for i, m := range r.migrations {
		ids[i] = m.ID
	}
	return ids
}

// List returns the stored results.
func (r *Runner) List(ctx context.Context) ([]Result, error) {
	results, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list migration results: %w", err)
	}
	return results, nil
}

// Pending returns the ids without a successful result.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range r.migrations {
		if _, ok := applied[m.ID]; !ok {
			pending = append(pending, m.ID)
		}
	}
	return pending, nil
}

// Bootstrap runs every pending migration under the migrations mutex and
// stops at the first failure. When another instance holds the mutex it
// returns nil without running anything.
func (r *Runner) Bootstrap(ctx context.Context) error {
	err := r.locked(ctx, func(ctx context.Context) error {
		pending, err := r.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			r.logger.Info("no pending migrations")
			return nil
		}

		r.logger.Info("running migrations", zap.Strings("pending", pending))
		for _, id := range pending {
			if err := r.runOne(ctx, r.find(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrRunning) {
		r.logger.Info("migrations already running on another instance")
		return nil
	}
	return err
}

// Run executes migration id under the migrations mutex, whether or not it
// has run before.
func (r *Runner) Run(ctx context.Context, id string) error {
	m := r.find(id)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMigration, id)
	}
	return r.locked(ctx, func(ctx context.Context) error {
		return r.runOne(ctx, m)
	})
}

// locked runs fn under the migrations mutex. Only a failure to take that
// mutex becomes ErrRunning; errors from fn come back unchanged even when
// they wrap mutex.ErrUnavailable.
func (r *Runner) locked(ctx context.Context, fn func(ctx context.Context) error) error {
	var fnErr error
	err := r.mutex.WithMutex(ctx, r.cfg.MutexID, r.cfg.MutexExpiry, func(ctx context.Context) error {
		fnErr = fn(ctx)
		return fnErr
	})
	switch {
	case fnErr != nil:
		return fnErr
	case errors.Is(err, mutex.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrRunning, err)
	default:
		return err
	}
}

func (r *Runner) find(id string) *Migration {
	for i := range r.migrations {
		if r.migrations[i].ID == id {
			return &r.migrations[i]
		}
	}
	return nil
}

func (r *Runner) applied(ctx context.Context) (map[string]struct{}, error) {
	results, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]struct{}, len(results))
	for _, res := range results {
		if res.Succeeded() {
			applied[res.ID] = struct{}{}
		}
	}
	return applied, nil
}

func (r *Runner) runOne(ctx context.Context, m *Migration) error {
	logger := r.logger.With(zap.String("migration", m.ID))
	result := Result{ID: m.ID, StartedAt: r.clock()}

	logger.Info("migration started")
	runErr := r.execute(ctx, m, Env{Logger: logger})
	result.FinishedAt = r.clock()
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if err := r.store.Record(ctx, result); err != nil {
		return fmt.Errorf("record migration %s: %w", m.ID, err)
	}
	if r.sink != nil {
		if err := r.sink.Write(ctx, result); err != nil {
			logger.Warn("failed to write migration result to sink", zap.Error(err))
		}
	}

	if runErr != nil {
		metrics.RecordMigration("failed")
		logger.Error("migration failed", zap.Error(runErr))
		return fmt.Errorf("migration %s: %w", m.ID, runErr)
	}
	metrics.RecordMigration("succeeded")
	logger.Info("migration finished", zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))
	return nil
}

func (r *Runner) execute(ctx context.Context, m *Migration, env Env) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return m.Run(ctx, env)
}
