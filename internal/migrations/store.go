package migrations

import (
	"context"
	"sort"
	"sync"

	"github.com/eugenenazirov/gaekit/internal/bigquery"
	"github.com/eugenenazirov/gaekit/internal/datastore"
	"github.com/eugenenazirov/gaekit/internal/firestore"
)

// MemoryStore keeps results in process.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]Result
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]Result)}
}

// List returns results ordered by start time.
func (m *MemoryStore) List(context.Context) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Result, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Record stores result under its id.
func (m *MemoryStore) Record(_ context.Context, result Result) error {
	m.mu.Lock()
	m.results[result.ID] = result
	m.mu.Unlock()
	return nil
}

// FirestoreStore keeps results in a Firestore collection.
type FirestoreStore struct {
	repo *firestore.Repository[Result]
}

// NewFirestoreStore creates a store over collection.
func NewFirestoreStore(p *firestore.Provider, collection string) *FirestoreStore {
	return &FirestoreStore{repo: firestore.NewRepository[Result](p, collection)}
}

// List returns results ordered by start time.
func (f *FirestoreStore) List(ctx context.Context) ([]Result, error) {
	docs, err := f.repo.Query(ctx, firestore.Query{Orders: []firestore.Order{{Field: "startedAt"}}})
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(docs))
	for i, doc := range docs {
		out[i] = *doc.Data
	}
	return out, nil
}

// Record stores result under its id.
func (f *FirestoreStore) Record(ctx context.Context, result Result) error {
	return f.repo.Save(ctx, result.ID, &result)
}

// DatastoreStore keeps results as Datastore entities.
type DatastoreStore struct {
	repo *datastore.Repository[Result]
}

// NewDatastoreStore creates a store over kind in namespace.
func NewDatastoreStore(p *datastore.Provider, kind, namespace string) *DatastoreStore {
	return &DatastoreStore{repo: datastore.NewRepository[Result](p, kind, namespace)}
}

// List returns results ordered by start time.
func (d *DatastoreStore) List(ctx context.Context) ([]Result, error) {
	entities, err := d.repo.Query(ctx, datastore.Query{Orders: []datastore.Order{{Field: "startedAt"}}})
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(entities))
	for i, e := range entities {
		out[i] = *e.Data
	}
	return out, nil
}

// Record stores result under its id.
func (d *DatastoreStore) Record(ctx context.Context, result Result) error {
	return d.repo.Save(ctx, result.ID, &result)
}

// BigQuerySink appends results to a BigQuery table.
type BigQuerySink struct {
	svc   *bigquery.Service
	table string
}

// NewBigQuerySink creates a sink writing to table in the service dataset.
func NewBigQuerySink(svc *bigquery.Service, table string) *BigQuerySink {
	return &BigQuerySink{svc: svc, table: table}
}

// Write streams result into the table.
func (b *BigQuerySink) Write(ctx context.Context, result Result) error {
	return b.svc.Insert(ctx, b.table, []*Result{&result})
}
