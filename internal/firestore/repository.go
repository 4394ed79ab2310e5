package firestore

import (
	"context"
	"errors"
	"fmt"

	gfirestore "cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

const countAlias = "count"

// Filter is a single where-clause, e.g. {"status", "==", "done"}.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Order sorts query results by Field.
type Order struct {
	Field string
	Desc  bool
}

// Query narrows a collection scan.
type Query struct {
	Filters []Filter
	Orders  []Order
	Limit   int
	Offset  int
}

// Document pairs a decoded value with its id.
type Document[T any] struct {
	ID   string
	Data *T
}

// Repository reads and writes values of type T in one collection.
type Repository[T any] struct {
	provider   *Provider
	collection string
}

// NewRepository creates a repository over collection.
func NewRepository[T any](p *Provider, collection string) *Repository[T] {
	return &Repository[T]{provider: p, collection: collection}
}

// Collection returns the collection name.
func (r *Repository[T]) Collection() string {
	return r.collection
}

func (r *Repository[T]) ref(ctx context.Context) (*gfirestore.Client, *gfirestore.CollectionRef, error) {
	client, err := r.provider.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(r.collection), nil
}

// Get returns the document or nil when it does not exist.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", r.collection, id, err)
	}
	return decode[T](snap)
}

// GetRequired is like Get but returns ErrNotFound for a missing document.
func (r *Repository[T]) GetRequired(ctx context.Context, id string) (*T, error) {
	value, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%s/%s: %w", r.collection, id, ErrNotFound)
	}
	return value, nil
}

// Exists reports whether the document exists.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	value, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// Save creates or overwrites the document.
func (r *Repository[T]) Save(ctx context.Context, id string, value *T) error {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(id).Set(ctx, value); err != nil {
		return fmt.Errorf("save %s/%s: %w", r.collection, id, err)
	}
	return nil
}

// Insert creates the document and fails with ErrAlreadyExists when taken.
func (r *Repository[T]) Insert(ctx context.Context, id string, value *T) error {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(id).Create(ctx, value); err != nil {
		if isAlreadyExists(err) {
			return fmt.Errorf("%s/%s: %w", r.collection, id, ErrAlreadyExists)
		}
		return fmt.Errorf("insert %s/%s: %w", r.collection, id, err)
	}
	return nil
}

// Update sets the given field paths on an existing document.
func (r *Repository[T]) Update(ctx context.Context, id string, fields map[string]any) error {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return err
	}

	updates := make([]gfirestore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, gfirestore.Update{Path: path, Value: value})
	}

	if _, err := coll.Doc(id).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s/%s: %w", r.collection, id, ErrNotFound)
		}
		return fmt.Errorf("update %s/%s: %w", r.collection, id, err)
	}
	return nil
}

// Delete removes the document. Deleting a missing document is not an error.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", r.collection, id, err)
	}
	return nil
}

// Query returns the documents matching q.
func (r *Repository[T]) Query(ctx context.Context, q Query) ([]Document[T], error) {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return nil, err
	}

	iter := buildQuery(coll, q).Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", r.collection, err)
		}
		value, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document[T]{ID: snap.Ref.ID, Data: value})
	}
	return docs, nil
}

// Count returns the number of documents matching filters.
func (r *Repository[T]) Count(ctx context.Context, filters ...Filter) (int64, error) {
	_, coll, err := r.ref(ctx)
	if err != nil {
		return 0, err
	}

	query := buildQuery(coll, Query{Filters: filters})
	result, err := query.NewAggregationQuery().WithCount(countAlias).Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", r.collection, err)
	}

	value, ok := result[countAlias].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("count %s: unexpected aggregation result %T", r.collection, result[countAlias])
	}
	return value.GetIntegerValue(), nil
}

// Transform reads the document inside a transaction, passes it (nil when
// missing) to fn and writes back whatever fn returns. A nil return leaves the
// document untouched. Firestore retries fn on contention.
func (r *Repository[T]) Transform(ctx context.Context, id string, fn func(current *T) (*T, error)) error {
	client, coll, err := r.ref(ctx)
	if err != nil {
		return err
	}
	doc := coll.Doc(id)

	err = client.RunTransaction(ctx, func(ctx context.Context, tx *gfirestore.Transaction) error {
		var current *T
		snap, err := tx.Get(doc)
		switch {
		case err == nil:
			current, err = decode[T](snap)
			if err != nil {
				return err
			}
		case isNotFound(err):
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
		return tx.Set(doc, next)
	})
	if err != nil {
		return fmt.Errorf("transform %s/%s: %w", r.collection, id, err)
	}
	return nil
}

// RunInTransaction exposes the raw transaction for multi-document work.
func (r *Repository[T]) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx *gfirestore.Transaction, coll *gfirestore.CollectionRef) error) error {
	client, coll, err := r.ref(ctx)
	if err != nil {
		return err
	}
	return client.RunTransaction(ctx, func(ctx context.Context, tx *gfirestore.Transaction) error {
		return fn(ctx, tx, coll)
	})
}

func buildQuery(coll *gfirestore.CollectionRef, q Query) gfirestore.Query {
	query := coll.Query
	for _, f := range q.Filters {
		query = query.Where(f.Field, f.Op, f.Value)
	}
	for _, o := range q.Orders {
		dir := gfirestore.Asc
		if o.Desc {
			dir = gfirestore.Desc
		}
		query = query.OrderBy(o.Field, dir)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	return query
}

func decode[T any](snap *gfirestore.DocumentSnapshot) (*T, error) {
	var value T
	if err := snap.DataTo(&value); err != nil {
		return nil, fmt.Errorf("decode %s: %w", snap.Ref.Path, err)
	}
	return &value, nil
}
