package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/config"
)

// New creates the storage backend selected by cfg.
func New(cfg *config.AuditConfig) (audit.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, audit.NewStorageError("sqlite", "open", err)
			}
		}
		return NewSQLiteStorage(&SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
			WALMode:      cfg.SQLite.WALMode,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown audit backend: %s", cfg.Backend)
	}
}
