package datastore

import (
	"context"
	"errors"
	"fmt"

	gdatastore "cloud.google.com/go/datastore"
)

// Filter is a single property filter, e.g. {"Status", "=", "done"}.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Order sorts by Field.
type Order struct {
	Field string
	Desc  bool
}

// Query narrows a kind scan.
type Query struct {
	Filters []Filter
	Orders  []Order
	Limit   int
	Offset  int
}

// Entity pairs a decoded value with its key name.
type Entity[T any] struct {
	Name string
	Data *T
}

// Repository reads and writes entities of one kind. T must be a struct.
type Repository[T any] struct {
	provider  *Provider
	kind      string
	namespace string
}

// NewRepository creates a repository for kind inside namespace.
func NewRepository[T any](p *Provider, kind, namespace string) *Repository[T] {
	return &Repository[T]{provider: p, kind: kind, namespace: namespace}
}

// Kind returns the entity kind.
func (r *Repository[T]) Kind() string {
	return r.kind
}

// Key builds the namespaced key for name.
func (r *Repository[T]) Key(name string) *gdatastore.Key {
	key := gdatastore.NameKey(r.kind, name, nil)
	key.Namespace = r.namespace
	return key
}

// Get returns the entity or nil when it does not exist.
func (r *Repository[T]) Get(ctx context.Context, name string) (*T, error) {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return nil, err
	}

	var value T
	if err := client.Get(ctx, r.Key(name), &value); err != nil {
		if errors.Is(err, gdatastore.ErrNoSuchEntity) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", r.kind, name, err)
	}
	return &value, nil
}

// GetRequired is like Get but returns ErrNotFound for a missing entity.
func (r *Repository[T]) GetRequired(ctx context.Context, name string) (*T, error) {
	value, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%s/%s: %w", r.kind, name, ErrNotFound)
	}
	return value, nil
}

// Exists reports whether the entity exists.
func (r *Repository[T]) Exists(ctx context.Context, name string) (bool, error) {
	value, err := r.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// Save creates or overwrites the entity.
func (r *Repository[T]) Save(ctx context.Context, name string, value *T) error {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Put(ctx, r.Key(name), value); err != nil {
		return fmt.Errorf("save %s/%s: %w", r.kind, name, err)
	}
	return nil
}

// Insert creates the entity inside a transaction and fails with
// ErrAlreadyExists when the key is taken.
func (r *Repository[T]) Insert(ctx context.Context, name string, value *T) error {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return err
	}

	key := r.Key(name)
	_, err = client.RunInTransaction(ctx, func(tx *gdatastore.Transaction) error {
		var existing T
		err := tx.Get(key, &existing)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, gdatastore.ErrNoSuchEntity) {
			return err
		}
		_, err = tx.Put(key, value)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%s/%s: %w", r.kind, name, ErrAlreadyExists)
		}
		return fmt.Errorf("insert %s/%s: %w", r.kind, name, err)
	}
	return nil
}

// Delete removes the entity. Deleting a missing entity is not an error.
func (r *Repository[T]) Delete(ctx context.Context, name string) error {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return err
	}
	if err := client.Delete(ctx, r.Key(name)); err != nil {
		return fmt.Errorf("delete %s/%s: %w", r.kind, name, err)
	}
	return nil
}

// Query returns the entities matching q.
func (r *Repository[T]) Query(ctx context.Context, q Query) ([]Entity[T], error) {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return nil, err
	}

	var values []T
	keys, err := client.GetAll(ctx, r.buildQuery(q), &values)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.kind, err)
	}

	entities := make([]Entity[T], len(keys))
	for i, key := range keys {
		entities[i] = Entity[T]{Name: key.Name, Data: &values[i]}
	}
	return entities, nil
}

// Count returns the number of entities matching filters.
func (r *Repository[T]) Count(ctx context.Context, filters ...Filter) (int64, error) {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return 0, err
	}
	n, err := client.Count(ctx, r.buildQuery(Query{Filters: filters}).KeysOnly())
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r.kind, err)
	}
	return int64(n), nil
}

// Transform reads the entity inside a transaction, passes it (nil when
// missing) to fn and stores whatever fn returns. A nil return leaves the
// entity untouched.
func (r *Repository[T]) Transform(ctx context.Context, name string, fn func(current *T) (*T, error)) error {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return err
	}

	key := r.Key(name)
	_, err = client.RunInTransaction(ctx, func(tx *gdatastore.Transaction) error {
		var (
			stored  T
			current *T
		)
		err := tx.Get(key, &stored)
		switch {
		case err == nil:
			current = &stored
		case errors.Is(err, gdatastore.ErrNoSuchEntity):
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		_, err = tx.Put(key, next)
		return err
	})
	if err != nil {
		return fmt.Errorf("transform %s/%s: %w", r.kind, name, err)
	}
	return nil
}

// RunInTransaction exposes the raw transaction for multi-entity work.
func (r *Repository[T]) RunInTransaction(ctx context.Context, fn func(tx *gdatastore.Transaction) error) error {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return err
	}
	if _, err := client.RunInTransaction(ctx, fn); err != nil {
		return fmt.Errorf("transaction on %s: %w", r.kind, err)
	}
	return nil
}

func (r *Repository[T]) buildQuery(q Query) *gdatastore.Query {
	query := gdatastore.NewQuery(r.kind).Namespace(r.namespace)
	for _, f := range q.Filters {
		query = query.FilterField(f.Field, f.Op, f.Value)
	}
	for _, o := range q.Orders {
		field := o.Field
		if o.Desc {
			field = "-" + field
		}
		query = query.Order(field)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	return query
}
