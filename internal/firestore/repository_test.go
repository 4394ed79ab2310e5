package firestore

import (
	"context"
	"errors"
	"os"
	"testing"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

type widget struct {
	Name  string `firestore:"name"`
	Count int    `firestore:"count"`
}

func newTestRepository(t *testing.T) *Repository[widget] {
	t.Helper()

	host := os.Getenv(emulatorHostEnv)
	if host == "" {
		t.Skip(emulatorHostEnv + " not set")
	}
	p := NewProvider(Config{ProjectID: "gaekit-test", EmulatorHost: host})
	t.Cleanup(func() { _ = p.Close() })

	return NewRepository[widget](p, "widgets-"+uuid.NewString())
}

func TestRepositoryCRUD(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	got, err := repo.Get(ctx, "a")
	if err != nil || got != nil {
		t.Fatalf("expected missing document, got %+v (%v)", got, err)
	}
	if _, err := repo.GetRequired(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := repo.Insert(ctx, "a", &widget{Name: "alpha", Count: 1}); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if err := repo.Insert(ctx, "a", &widget{Name: "again"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := repo.Update(ctx, "a", map[string]any{"count": 5}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if err := repo.Update(ctx, "missing", map[string]any{"count": 5}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}

	got, err = repo.GetRequired(ctx, "a")
	if err != nil {
		t.Fatalf("GetRequired returned error: %v", err)
	}
	if got.Name != "alpha" || got.Count != 5 {
		t.Fatalf("unexpected document %+v", got)
	}

	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if ok, err := repo.Exists(ctx, "a"); err != nil || ok {
		t.Fatalf("expected document to be gone, exists=%v err=%v", ok, err)
	}
}

func TestRepositoryQueryAndCount(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c"} {
		if err := repo.Save(ctx, name, &widget{Name: name, Count: i}); err != nil {
			t.Fatalf("Save returned error: %v", err)
		}
	}

	docs, err := repo.Query(ctx, Query{
		Filters: []Filter{{Field: "count", Op: ">=", Value: 1}},
		Orders:  []Order{{Field: "count", Desc: true}},
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "c" || docs[1].ID != "b" {
		t.Fatalf("unexpected query result %+v", docs)
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 documents, got %d", n)
	}
}

func TestRepositoryTransform(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	increment := func(current *widget) (*widget, error) {
		if current == nil {
			return &widget{Name: "counter", Count: 1}, nil
		}
		current.Count++
		return current, nil
	}
	for range 3 {
		if err := repo.Transform(ctx, "counter", increment); err != nil {
			t.Fatalf("Transform returned error: %v", err)
		}
	}

	got, err := repo.GetRequired(ctx, "counter")
	if err != nil {
		t.Fatalf("GetRequired returned error: %v", err)
	}
	if got.Count != 3 {
		t.Fatalf("expected count 3, got %d", got.Count)
	}

	abort := errors.New("abort")
	err = repo.Transform(ctx, "counter", func(*widget) (*widget, error) { return nil, abort })
	if !errors.Is(err, abort) {
		t.Fatalf("expected fn error to surface, got %v", err)
	}
}

func TestRepositorySurfacesProviderErrors(t *testing.T) {
	errDial := errors.New("dial failed")
	p := provider.New("firestore", func(context.Context) (*gfirestore.Client, error) {
		return nil, errDial
	})
	repo := NewRepository[widget](p, "widgets")
	ctx := context.Background()

	var n int64
	n, err := repo.Count(ctx, Filter{Field: "count", Op: ">", Value: 0})
	if !errors.Is(err, errDial) || n != 0 {
		t.Fatalf("expected dial error from Count, got %d (%v)", n, err)
	}
	if _, err := repo.Query(ctx, Query{}); !errors.Is(err, errDial) {
		t.Fatalf("expected dial error from Query, got %v", err)
	}
	if _, err := repo.Get(ctx, "a"); !errors.Is(err, errDial) {
		t.Fatalf("expected dial error from Get, got %v", err)
	}
	err = repo.Transform(ctx, "a", func(current *widget) (*widget, error) { return current, nil })
	if !errors.Is(err, errDial) {
		t.Fatalf("expected dial error from Transform, got %v", err)
	}
}
