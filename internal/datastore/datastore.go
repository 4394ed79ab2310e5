// Package datastore wires the Cloud Datastore (Firestore in Datastore mode)
// client into a provider and exposes a generic, namespace-aware repository
// keyed by entity name.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"os"

	gdatastore "cloud.google.com/go/datastore"
	"google.golang.org/api/option"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

const emulatorHostEnv = "DATASTORE_EMULATOR_HOST"

var (
	// ErrNotFound is returned when a required entity does not exist.
	ErrNotFound = errors.New("datastore: entity not found")
	// ErrAlreadyExists is returned by Insert when the key is taken.
	ErrAlreadyExists = errors.New("datastore: entity already exists")
)

// Config describes how to reach Datastore.
type Config struct {
	ProjectID    string `yaml:"project_id"`
	DatabaseID   string `yaml:"database_id"`
	Namespace    string `yaml:"namespace"`
	EmulatorHost string `yaml:"emulator_host"`
}

// Provider is the lazily-initialized Datastore client.
type Provider = provider.Provider[*gdatastore.Client]

// NewProvider returns a provider that dials Datastore on first use.
func NewProvider(cfg Config, opts ...option.ClientOption) *Provider {
	return provider.New("datastore", func(ctx context.Context) (*gdatastore.Client, error) {
		return NewClient(ctx, cfg, opts...)
	})
}

// NewClient creates a Datastore client for cfg.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*gdatastore.Client, error) {
	if cfg.EmulatorHost != "" && os.Getenv(emulatorHostEnv) == "" {
		if err := os.Setenv(emulatorHostEnv, cfg.EmulatorHost); err != nil {
			return nil, fmt.Errorf("set emulator host: %w", err)
		}
	}

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = gdatastore.DetectProjectID
	}

	client, err := gdatastore.NewClientWithDatabase(ctx, projectID, cfg.DatabaseID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create datastore client: %w", err)
	}
	return client, nil
}
