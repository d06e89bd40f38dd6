package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/ratelimit"
	"github.com/pincer-org/restgate/internal/store"
	"github.com/pincer-org/restgate/internal/store/redisstore"
)

// errNoStore is returned by commands that need persisted state when the
// store driver is none.
var errNoStore = errors.New("no snapshot store configured (store.driver is none)")

// snapshotStore is what every configured backend provides.
type snapshotStore interface {
	ratelimit.Store
	store.Admin
	CheckHealth(ctx context.Context) error
	Close() error
}

// openStore opens the configured backend. It returns nil for driver none.
func openStore(ctx context.Context, cfg config.StoreConfig) (snapshotStore, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverRedis:
		rs, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.DriverLibsql, "":
		db, err := store.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// requireStore opens the store and fails when none is configured.
func requireStore(ctx context.Context) (snapshotStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errNoStore
	}
	return st, nil
}
