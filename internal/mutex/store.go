package mutex

import (
	"context"
	"sync"

	"github.com/eugenenazirov/gaekit/internal/datastore"
	"github.com/eugenenazirov/gaekit/internal/firestore"
)

// MemoryStore keeps records in process. It serializes updates with a mutex
// and suits tests and single-instance local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns a copy of the record.
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Update applies fn atomically.
func (m *MemoryStore) Update(_ context.Context, id string, fn func(current *Record) (*Record, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *Record
	if rec, ok := m.records[id]; ok {
		current = &rec
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next != nil {
		m.records[id] = *next
	}
	return nil
}

// FirestoreStore keeps records in a Firestore collection.
type FirestoreStore struct {
	repo *firestore.Repository[Record]
}

// NewFirestoreStore creates a store over collection.
func NewFirestoreStore(p *firestore.Provider, collection string) *FirestoreStore {
	return &FirestoreStore{repo: firestore.NewRepository[Record](p, collection)}
}

// Get returns the record or nil.
func (f *FirestoreStore) Get(ctx context.Context, id string) (*Record, error) {
	return f.repo.Get(ctx, id)
}

// Update runs fn in a Firestore transaction.
func (f *FirestoreStore) Update(ctx context.Context, id string, fn func(current *Record) (*Record, error)) error {
	return f.repo.Transform(ctx, id, fn)
}

// DatastoreStore keeps records as Datastore entities.
type DatastoreStore struct {
	repo *datastore.Repository[Record]
}

// NewDatastoreStore creates a store over kind in namespace.
func NewDatastoreStore(p *datastore.Provider, kind, namespace string) *DatastoreStore {
	return &DatastoreStore{repo: datastore.NewRepository[Record](p, kind, namespace)}
}

// Get returns the record or nil.
func (d *DatastoreStore) Get(ctx context.Context, id string) (*Record, error) {
	return d.repo.Get(ctx, id)
}

// Update runs fn in a Datastore transaction.
func (d *DatastoreStore) Update(ctx context.Context, id string, fn func(current *Record) (*Record, error)) error {
	return d.repo.Transform(ctx, id, fn)
}
