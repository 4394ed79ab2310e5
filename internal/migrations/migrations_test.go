package migrations

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/gaekit/internal/mutex"
)

type recordingSink struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (s *recordingSink) Write(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func newTestRunner(t *testing.T, migrations []Migration, store Store, mutexStore mutex.Store, opts ...Option) *Runner {
	t.Helper()

	logger := zaptest.NewLogger(t)
	mutexSvc := mutex.NewService(mutexStore, mutex.Config{}, logger)
	runner, err := NewRunner(migrations, store, mutexSvc, Config{}, logger, opts...)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	return runner
}

func counting(id string, calls *[]string, err error) Migration {
	return Migration{ID: id, Run: func(context.Context, Env) error {
		*calls = append(*calls, id)
		return err
	}}
}

func TestNewRunnerValidates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mutexSvc := mutex.NewService(mutex.NewMemoryStore(), mutex.Config{}, logger)
	noop := func(context.Context, Env) error { return nil }

	cases := map[string][]Migration{
		"empty id":  {{ID: "", Run: noop}},
		"nil run":   {{ID: "a"}},
		"duplicate": {{ID: "a", Run: noop}, {ID: "a", Run: noop}},
	}
	for name, ms := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewRunner(ms, NewMemoryStore(), mutexSvc, Config{}, logger); !errors.Is(err, ErrInvalidMigration) {
				t.Fatalf("expected ErrInvalidMigration, got %v", err)
			}
		})
	}
}

func TestBootstrapRunsPendingOnceInOrder(t *testing.T) {
	var calls []string
	store := NewMemoryStore()
	sink := &recordingSink{}
	runner := newTestRunner(t, []Migration{
		counting("001-users", &calls, nil),
		counting("002-orders", &calls, nil),
	}, store, mutex.NewMemoryStore(), WithSink(sink))
	ctx := context.Background()

	if err := runner.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap returned error: %v", err)
	}
	if want := []string{"001-users", "002-orders"}; !slices.Equal(calls, want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}

	if err := runner.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap returned error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected applied migrations to be skipped, got %v", calls)
	}

	results, err := runner.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(results) != 2 || !results[0].Succeeded() {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(sink.results) != 2 {
		t.Fatalf("expected sink to receive both results, got %d", len(sink.results))
	}

	pending, err := runner.Pending(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %v (%v)", pending, err)
	}
}

func TestBootstrapStopsAtFailureAndRetriesLater(t *testing.T) {
	var calls []string
	failure := errors.New("bad data")
	store := NewMemoryStore()
	mutexStore := mutex.NewMemoryStore()

	failing := newTestRunner(t, []Migration{
		counting("001", &calls, nil),
		counting("002", &calls, failure),
		counting("003", &calls, nil),
	}, store, mutexStore)

	if err := failing.Bootstrap(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected migration failure, got %v", err)
	}
	if want := []string{"001", "002"}; !slices.Equal(calls, want) {
		t.Fatalf("expected run to stop at failure, got %v", calls)
	}

	results, _ := store.List(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected two recorded results, got %+v", results)
	}
	for _, r := range results {
		if r.ID == "002" && r.Succeeded() {
			t.Fatalf("expected failed result to be recorded, got %+v", r)
		}
	}

	calls = nil
	fixed := newTestRunner(t, []Migration{
		counting("001", &calls, nil),
		counting("002", &calls, nil),
		counting("003", &calls, nil),
	}, store, mutexStore)
	if err := fixed.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap returned error: %v", err)
	}
	if want := []string{"002", "003"}; !slices.Equal(calls, want) {
		t.Fatalf("expected failed migration to be retried, got %v", calls)
	}
}

func TestBootstrapSkipsWhenMutexHeld(t *testing.T) {
	var calls []string
	mutexStore := mutex.NewMemoryStore()
	holder := mutex.NewService(mutexStore, mutex.Config{}, zaptest.NewLogger(t))
	if err := holder.Obtain(context.Background(), defaultMutexID, time.Minute); err != nil {
		t.Fatalf("Obtain returned error: %v", err)
	}

	runner := newTestRunner(t, []Migration{counting("001", &calls, nil)}, NewMemoryStore(), mutexStore)
	if err := runner.Bootstrap(context.Background()); err != nil {
		t.Fatalf("expected nil when another instance migrates, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no migrations to run, got %v", calls)
	}
}

func TestRunForcesSingleMigration(t *testing.T) {
	var calls []string
	runner := newTestRunner(t, []Migration{
		counting("001", &calls, nil),
		counting("002", &calls, nil),
	}, NewMemoryStore(), mutex.NewMemoryStore())
	ctx := context.Background()

	if err := runner.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap returned error: %v", err)
	}
	if err := runner.Run(ctx, "001"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if want := []string{"001", "002", "001"}; !slices.Equal(calls, want) {
		t.Fatalf("expected forced re-run, got %v", calls)
	}

	if err := runner.Run(ctx, "999"); !errors.Is(err, ErrUnknownMigration) {
		t.Fatalf("expected ErrUnknownMigration, got %v", err)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	store := NewMemoryStore()
	runner := newTestRunner(t, []Migration{{ID: "boom", Run: func(context.Context, Env) error {
		panic("kaboom")
	}}}, store, mutex.NewMemoryStore())

	if err := runner.Run(context.Background(), "boom"); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	results, _ := store.List(context.Background())
	if len(results) != 1 || results[0].Error == "" {
		t.Fatalf("expected failed result, got %+v", results)
	}
}

func TestSinkErrorDoesNotFailMigration(t *testing.T) {
	var calls []string
	sink := &recordingSink{err: errors.New("bigquery down")}
	runner := newTestRunner(t, []Migration{counting("001", &calls, nil)}, NewMemoryStore(), mutex.NewMemoryStore(), WithSink(sink))

	if err := runner.Bootstrap(context.Background()); err != nil {
		t.Fatalf("expected sink failure to be logged only, got %v", err)
	}
}

func TestIDsAndDefaults(t *testing.T) {
	var calls []string
	runner := newTestRunner(t, []Migration{counting("a", &calls, nil), counting("b", &calls, nil)}, NewMemoryStore(), mutex.NewMemoryStore())
	if want := []string{"a", "b"}; !slices.Equal(runner.IDs(), want) {
		t.Fatalf("expected %v, got %v", want, runner.IDs())
	}

	cfg := Config{}.WithDefaults()
	if cfg.Collection != defaultCollection || cfg.MutexID != defaultMutexID || cfg.MutexExpiry != defaultMutexExpiry {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestBootstrapReportsMigrationLockFailures(t *testing.T) {
	mutexStore := mutex.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	other := mutex.NewService(mutexStore, mutex.Config{}, logger, mutex.WithOwner("other"))
	if err := other.Obtain(context.Background(), "reports", time.Hour); err != nil {
		t.Fatalf("Obtain returned error: %v", err)
	}

	store := NewMemoryStore()
	locks := mutex.NewService(mutexStore, mutex.Config{}, logger)
	runner := newTestRunner(t, []Migration{{ID: "001", Run: func(ctx context.Context, _ Env) error {
		return locks.Obtain(ctx, "reports", time.Minute)
	}}}, store, mutexStore)

	err := runner.Bootstrap(context.Background())
	if !errors.Is(err, mutex.ErrUnavailable) || errors.Is(err, ErrRunning) {
		t.Fatalf("expected the migration's own lock failure, got %v", err)
	}
	results, _ := store.List(context.Background())
	if len(results) != 1 || results[0].Succeeded() {
		t.Fatalf("expected one failed result, got %+v", results)
	}

	if err := runner.Run(context.Background(), "001"); errors.Is(err, ErrRunning) || err == nil {
		t.Fatalf("expected Run to report a failure rather than a busy runner, got %v", err)
	}
}

func TestRunReturnsErrRunningWhenMutexHeld(t *testing.T) {
	var calls []string
	mutexStore := mutex.NewMemoryStore()
	holder := mutex.NewService(mutexStore, mutex.Config{}, zaptest.NewLogger(t))
	if err := holder.Obtain(context.Background(), defaultMutexID, time.Minute); err != nil {
		t.Fatalf("Obtain returned error: %v", err)
	}

	runner := newTestRunner(t, []Migration{counting("001", &calls, nil)}, NewMemoryStore(), mutexStore)
	if err := runner.Run(context.Background(), "001"); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no migrations to run, got %v", calls)
	}
}
