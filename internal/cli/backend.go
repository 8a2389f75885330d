package cli

import (
	"context"
	"fmt"

	"github.com/metorial/prankhub/internal/config"
	"github.com/metorial/prankhub/internal/store"
	"github.com/metorial/prankhub/internal/store/pgstore"
	"github.com/metorial/prankhub/internal/store/sqlitestore"
)

// OpenBackend connects to the configured backend and applies the schema.
func OpenBackend(ctx context.Context, cfg config.BackendConfig) (store.Backend, error) {
	var (
		backend store.Backend
		err     error
	)

	switch cfg.Driver {
	case config.DriverSQLite:
		backend, err = sqlitestore.NewDB(cfg.URL, cfg.PollInterval)
	case config.DriverPostgres:
		backend, err = pgstore.Open(ctx, cfg.URL, cfg.Key)
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Driver, err)
	}

	if err := backend.Migrate(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return backend, nil
}
