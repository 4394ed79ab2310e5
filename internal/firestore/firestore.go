// Package firestore wires the Cloud Firestore client into a lazily-created
// provider and exposes a generic repository over a single collection.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"

	gfirestore "cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

const emulatorHostEnv = "FIRESTORE_EMULATOR_HOST"

var (
	// ErrNotFound is returned when a required document does not exist.
	ErrNotFound = errors.New("firestore: document not found")
	// ErrAlreadyExists is returned by Insert when the document id is taken.
	ErrAlreadyExists = errors.New("firestore: document already exists")
)

// Config describes how to reach Firestore.
type Config struct {
	ProjectID    string `yaml:"project_id"`
	DatabaseID   string `yaml:"database_id"`
	EmulatorHost string `yaml:"emulator_host"`
}

// Provider is the lazily-initialized Firestore client.
type Provider = provider.Provider[*gfirestore.Client]

// NewProvider returns a provider that dials Firestore on first use.
func NewProvider(cfg Config, opts ...option.ClientOption) *Provider {
	return provider.New("firestore", func(ctx context.Context) (*gfirestore.Client, error) {
		return NewClient(ctx, cfg, opts...)
	})
}

// NewClient creates a Firestore client for cfg. When an emulator host is
// configured it is exported so the SDK connects without credentials.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*gfirestore.Client, error) {
	if cfg.EmulatorHost != "" && os.Getenv(emulatorHostEnv) == "" {
		if err := os.Setenv(emulatorHostEnv, cfg.EmulatorHost); err != nil {
			return nil, fmt.Errorf("set emulator host: %w", err)
		}
	}

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = gfirestore.DetectProjectID
	}
	databaseID := cfg.DatabaseID
	if databaseID == "" {
		databaseID = gfirestore.DefaultDatabaseID
	}

	client, err := gfirestore.NewClientWithDatabase(ctx, projectID, databaseID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return client, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func isAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
