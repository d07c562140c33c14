// Package storage provides storage backends for audit events.
//
// Two implementations of audit.Storage are provided:
//
//   - SQLite: the durable backend, with WAL mode, indexes on the commonly
//     filtered columns and the daily_stats, hourly_stats and recent_blocks
//     reporting views
//   - Memory: an in-memory backend for tests and diskless deployments
//
// Both reject a second event for a request ID with audit.ErrDuplicateRequest,
// so each request appears in the trail exactly once.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
//	    Path:         "/var/db/warden/audit.db",
//	    MaxOpenConns: 10,
//	    WALMode:      true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	events, err := store.Query(ctx, &audit.Query{
//	    EnforcementAction: audit.ActionBlock,
//	    Limit:             50,
//	})
package storage
