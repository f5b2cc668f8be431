package credentials

import (
	"fmt"
	"io"

	"github.com/jrsteele09/go-learn-session/internal/config"
)

// ClosableStore is a Store that holds resources (watchers, connections).
type ClosableStore interface {
	Store
	io.Closer
}

// Open builds the backend named by the storage configuration.
func Open(cfg config.StorageConfig, opts ...Option) (ClosableStore, error) {
	opts = append([]Option{WithPollInterval(cfg.GetStorePollInterval())}, opts...)
	switch cfg.GetStoreBackend() {
	case config.StoreFile:
		return NewFileStore(cfg.GetStorePath(), opts...)
	case config.StoreSQLite:
		return NewSQLiteStore(cfg.GetStorePath(), opts...)
	case config.StoreMemory:
		return NewMemoryOrigin(opts...).Open(), nil
	default:
		return nil, fmt.Errorf("unknown credential store backend %q", cfg.GetStoreBackend())
	}
}
