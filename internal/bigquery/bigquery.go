// Package bigquery wires the BigQuery client into a provider and offers a
// thin service for parameterized queries and streaming inserts.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	gbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

// ErrNoDataset is returned when a table is addressed without a dataset.
var ErrNoDataset = errors.New("bigquery: dataset not configured")

// Config describes the BigQuery project and default dataset.
type Config struct {
	ProjectID string `yaml:"project_id"`
	DatasetID string `yaml:"dataset_id"`
	Location  string `yaml:"location"`
}

// Provider is the lazily-initialized BigQuery client.
type Provider = provider.Provider[*gbigquery.Client]

// NewProvider returns a provider that creates the client on first use.
func NewProvider(cfg Config, opts ...option.ClientOption) *Provider {
	return provider.New("bigquery", func(ctx context.Context) (*gbigquery.Client, error) {
		projectID := cfg.ProjectID
		if projectID == "" {
			projectID = gbigquery.DetectProjectID
		}
		client, err := gbigquery.NewClient(ctx, projectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("create bigquery client: %w", err)
		}
		if cfg.Location != "" {
			client.Location = cfg.Location
		}
		return client, nil
	})
}

// Row is a single result row keyed by column name.
type Row = map[string]gbigquery.Value

// Service runs queries and inserts against the configured dataset.
type Service struct {
	provider  *Provider
	datasetID string
}

// NewService creates a Service. datasetID is the default for Insert and Table.
func NewService(p *Provider, datasetID string) *Service {
	return &Service{provider: p, datasetID: datasetID}
}

// Table returns a handle to table in the default dataset.
func (s *Service) Table(ctx context.Context, table string) (*gbigquery.Table, error) {
	if s.datasetID == "" {
		return nil, ErrNoDataset
	}
	client, err := s.provider.Get(ctx)
	if err != nil {
		return nil, err
	}
	return client.Dataset(s.datasetID).Table(table), nil
}

// Query runs sql with named parameters (@name) and returns all rows.
func (s *Service) Query(ctx context.Context, sql string, params map[string]any) ([]Row, error) {
	it, err := s.read(ctx, sql, params)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for {
		row := Row{}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// QueryInto runs sql and decodes each row into T using bigquery struct tags.
func QueryInto[T any](ctx context.Context, s *Service, sql string, params map[string]any) ([]T, error) {
	it, err := s.read(ctx, sql, params)
	if err != nil {
		return nil, err
	}

	var out []T
	for {
		var value T
		err := it.Next(&value)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		out = append(out, value)
	}
	return out, nil
}

// Insert streams rows into table of the default dataset. rows may be
// structs, pointers to structs or ValueSavers.
func (s *Service) Insert(ctx context.Context, table string, rows any) error {
	t, err := s.Table(ctx, table)
	if err != nil {
		return err
	}
	if err := t.Inserter().Put(ctx, rows); err != nil {
		return fmt.Errorf("insert into %s.%s: %w", s.datasetID, table, err)
	}
	return nil
}

func (s *Service) read(ctx context.Context, sql string, params map[string]any) (*gbigquery.RowIterator, error) {
	client, err := s.provider.Get(ctx)
	if err != nil {
		return nil, err
	}

	q := client.Query(sql)
	q.Parameters = namedParameters(params)
	if s.datasetID != "" {
		q.DefaultDatasetID = s.datasetID
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	return it, nil
}

// namedParameters converts params into a deterministic parameter list.
func namedParameters(params map[string]any) []gbigquery.QueryParameter {
	if len(params) == 0 {
		return nil
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gbigquery.QueryParameter, 0, len(names))
	for _, name := range names {
		out = append(out, gbigquery.QueryParameter{Name: name, Value: params[name]})
	}
	return out
}
