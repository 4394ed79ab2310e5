package bigquery

import (
	"context"
	"errors"
	"testing"

	gbigquery "cloud.google.com/go/bigquery"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

func TestNamedParametersSortedByName(t *testing.T) {
	params := namedParameters(map[string]any{
		"status": "done",
		"after":  42,
		"limit":  10,
	})

	want := []string{"after", "limit", "status"}
	if len(params) != len(want) {
		t.Fatalf("expected %d params, got %d", len(want), len(params))
	}
	for i, name := range want {
		if params[i].Name != name {
			t.Fatalf("expected param %d to be %s, got %s", i, name, params[i].Name)
		}
	}
	if params[2].Value != "done" {
		t.Fatalf("expected value to be preserved, got %v", params[2].Value)
	}
}

func TestNamedParametersEmpty(t *testing.T) {
	if params := namedParameters(nil); params != nil {
		t.Fatalf("expected nil params, got %v", params)
	}
}

func TestTableRequiresDataset(t *testing.T) {
	svc := NewService(provider.New[*gbigquery.Client]("bigquery", nil), "")

	if _, err := svc.Table(context.Background(), "events"); !errors.Is(err, ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset, got %v", err)
	}
}

func TestQueryPropagatesProviderError(t *testing.T) {
	svc := NewService(provider.New[*gbigquery.Client]("bigquery", nil), "analytics")

	if _, err := svc.Query(context.Background(), "SELECT 1", nil); !errors.Is(err, provider.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
