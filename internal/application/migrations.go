package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/config"
	"github.com/eugenenazirov/gaekit/internal/datastore"
	"github.com/eugenenazirov/gaekit/internal/firestore"
	"github.com/eugenenazirov/gaekit/internal/migrations"
)

const (
	settingsCollection = "settings"
	settingsID         = "app"
)

// appSettings is the singleton settings document seeded on first deploy.
type appSettings struct {
	Version   string    `firestore:"version" datastore:"version"`
	CreatedAt time.Time `firestore:"createdAt" datastore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt" datastore:"updatedAt"`
}

// builtinMigrations returns the migrations registered when none are
// supplied through WithMigrations.
func (a *App) builtinMigrations() []migrations.Migration {
	return []migrations.Migration{
		{ID: "0001-app-settings", Run: a.seedSettings},
	}
}

// seedSettings creates the settings document if it is missing and stamps
// the running version on it.
func (a *App) seedSettings(ctx context.Context, env migrations.Env) error {
	now := time.Now().UTC()
	stamp := func(current *appSettings) (*appSettings, error) {
		if current == nil {
			current = &appSettings{CreatedAt: now}
		}
		current.Version = a.cfg.Version
		current.UpdatedAt = now
		return current, nil
	}

	switch a.cfg.Backend {
	case config.BackendFirestore:
		return firestore.NewRepository[appSettings](a.firestore, settingsCollection).Transform(ctx, settingsID, stamp)
	case config.BackendDatastore:
		return datastore.NewRepository[appSettings](a.datastore, settingsCollection, a.cfg.Datastore.Namespace).Transform(ctx, settingsID, stamp)
	default:
		env.Logger.Info("settings not persisted", zap.String("backend", a.cfg.Backend))
		return nil
	}
}
