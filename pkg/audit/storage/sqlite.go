package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"mercator-hq/warden/pkg/audit"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/audit.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

const eventColumns = `id, request_id, timestamp,
	source_ip, device, user,
	provider, host, method, path, preview,
	status_code, policy_name, policy_decision, policy_mode, enforcement_action,
	reason, latency_ms, error, metadata`

// SQLiteStorage implements audit.Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens the database, creates the schema and verifies its
// version.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "audit.storage.sqlite")

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "open", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}

	s := &SQLiteStorage{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite audit storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)

	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return audit.NewStorageError("sqlite", "enable_wal", err)
		}
	}

	if s.config.BusyTimeout > 0 {
		busyTimeoutMs := s.config.BusyTimeout.Milliseconds()
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeoutMs)); err != nil {
			return audit.NewStorageError("sqlite", "set_busy_timeout", err)
		}
	}

	if _, err := s.db.Exec(Schema); err != nil {
		return audit.NewStorageError("sqlite", "create_schema", err)
	}

	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return audit.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return audit.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	s.logger.Debug("schema version verified", "version", version)
	return nil
}

// Store persists an audit event. A duplicate request ID yields an error
// wrapping audit.ErrDuplicateRequest.
func (s *SQLiteStorage) Store(ctx context.Context, event *audit.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return audit.NewStorageError("sqlite", "store", fmt.Errorf("marshal metadata: %w", err))
	}
	if event.Metadata == nil {
		metadata = []byte("{}")
	}

	var errorVal any
	if event.Error != "" {
		errorVal = event.Error
	}

	query := `INSERT INTO audit_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.RequestID, formatTime(event.Timestamp),
		event.SourceIP, event.Device, event.User,
		event.Provider, event.Host, event.Method, event.Path, event.Preview,
		event.StatusCode, event.PolicyName, event.PolicyDecision, event.PolicyMode, event.EnforcementAction,
		event.Reason, event.LatencyMS, errorVal, string(metadata),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return audit.NewStorageError("sqlite", "store", fmt.Errorf("%w: %s", audit.ErrDuplicateRequest, event.RequestID))
		}
		return audit.NewStorageError("sqlite", "store", err)
	}

	return nil
}

// StoreConfigEvent persists an enforcement configuration event and sets
// its ID.
func (s *SQLiteStorage) StoreConfigEvent(ctx context.Context, event *audit.ConfigEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return audit.NewStorageError("sqlite", "store_config_event", fmt.Errorf("marshal details: %w", err))
	}
	if event.Details == nil {
		details = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO enforcement_events (timestamp, event_type, actor, source_ip, details, success)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(event.Timestamp), event.EventType, event.Actor, event.SourceIP, string(details), event.Success,
	)
	if err != nil {
		return audit.NewStorageError("sqlite", "store_config_event", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// Query retrieves events matching the query filters.
func (s *SQLiteStorage) Query(ctx context.Context, query *audit.Query) ([]*audit.Event, error) {
	whereClause, args := buildWhereClause(query)

	sqlQuery := "SELECT " + eventColumns + " FROM audit_events"
	if whereClause != "" {
		sqlQuery += " WHERE " + whereClause
	}

	sortOrder := "DESC"
	if strings.EqualFold(query.SortOrder, "asc") {
		sortOrder = "ASC"
	}
	sqlQuery += fmt.Sprintf(" ORDER BY timestamp %s, rowid %s", sortOrder, sortOrder)

	limit := audit.DefaultLimit
	if query.Limit > 0 {
		limit = query.Limit
	}
	sqlQuery += fmt.Sprintf(" LIMIT %d", limit)
	if query.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	return s.queryEvents(ctx, "query", sqlQuery, args...)
}

// Count returns the number of events matching the query filters.
func (s *SQLiteStorage) Count(ctx context.Context, query *audit.Query) (int64, error) {
	whereClause, args := buildWhereClause(query)

	sqlQuery := "SELECT COUNT(*) FROM audit_events"
	if whereClause != "" {
		sqlQuery += " WHERE " + whereClause
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, audit.NewStorageError("sqlite", "count", err)
	}
	return count, nil
}

// Stats summarises events in the optional time range.
func (s *SQLiteStorage) Stats(ctx context.Context, since, until *time.Time) (*audit.Stats, error) {
	whereClause, args := buildWhereClause(&audit.Query{StartTime: since, EndTime: until})
	where := ""
	if whereClause != "" {
		where = " WHERE " + whereClause
	}

	stats := &audit.Stats{
		ByAction:       make(map[string]int64),
		ByProvider:     make(map[string]int64),
		BlocksByPolicy: make(map[string]int64),
	}

	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM audit_events"+where, args...,
	).Scan(&stats.Total, &first, &last)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "stats", err)
	}
	if first.Valid {
		stats.First = parseTime(first.String)
	}
	if last.Valid {
		stats.Last = parseTime(last.String)
	}

	if err := s.groupCount(ctx, "enforcement_action", where, args, stats.ByAction); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "provider", where, args, stats.ByProvider); err != nil {
		return nil, err
	}
	blockWhere, blockArgs := blockFilter(where, args)
	if err := s.groupCount(ctx, "policy_name", blockWhere, blockArgs, stats.BlocksByPolicy); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		stats.BlockRate = float64(stats.ByAction[audit.ActionBlock]) / float64(stats.Total)
	}
	return stats, nil
}

func (s *SQLiteStorage) groupCount(ctx context.Context, column, where string, args []any, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_events%s GROUP BY %s", column, where, column), args...)
	if err != nil {
		return audit.NewStorageError("sqlite", "stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return audit.NewStorageError("sqlite", "stats", err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return audit.NewStorageError("sqlite", "stats", err)
	}
	return nil
}

// deviceKeyColumn mirrors audit.Event.DeviceKey.
const deviceKeyColumn = "CASE WHEN device != '' THEN device ELSE source_ip END"

// blockFilter narrows where to blocks attributed to a named policy.
func blockFilter(where string, args []any) (string, []any) {
	cond := "enforcement_action = ? AND policy_name != ''"
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	return where, append(slices.Clone(args), audit.ActionBlock)
}

// DailyStats reads the daily_stats view from the day of since onward.
func (s *SQLiteStorage) DailyStats(ctx context.Context, since *time.Time) ([]audit.DailyStats, error) {
	query := `SELECT day, total, allowed, alerted, blocked, overrides, bypasses, errors, devices FROM daily_stats`
	var args []any
	if since != nil {
		query += " WHERE day >= ?"
		args = append(args, since.UTC().Format(time.DateOnly))
	}
	query += " ORDER BY day"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "daily_stats", err)
	}
	defer rows.Close()

	days := []audit.DailyStats{}
	for rows.Next() {
		var d audit.DailyStats
		if err := rows.Scan(&d.Day, &d.Total, &d.Allowed, &d.Alerted, &d.Blocked,
			&d.Overrides, &d.Bypasses, &d.Errors, &d.Devices); err != nil {
			return nil, audit.NewStorageError("sqlite", "daily_stats", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "daily_stats", err)
	}
	return days, nil
}

// TopBlockingPolicies ranks policies by blocks since the cutoff.
func (s *SQLiteStorage) TopBlockingPolicies(ctx context.Context, since *time.Time, limit int) ([]audit.PolicyBlocks, error) {
	if limit <= 0 {
		limit = audit.DefaultLimit
	}
	whereClause, args := buildWhereClause(&audit.Query{StartTime: since})
	where := ""
	if whereClause != "" {
		where = " WHERE " + whereClause
	}
	where, args = blockFilter(where, args)

	rows, err := s.db.QueryContext(ctx,
		"SELECT policy_name, COUNT(*) AS blocks, COUNT(DISTINCT "+deviceKeyColumn+") FROM audit_events"+where+
			" GROUP BY policy_name ORDER BY blocks DESC, policy_name LIMIT ?",
		append(args, limit)...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "top_blocking_policies", err)
	}
	defer rows.Close()

	policies := []audit.PolicyBlocks{}
	for rows.Next() {
		var p audit.PolicyBlocks
		if err := rows.Scan(&p.Policy, &p.Blocks, &p.Devices); err != nil {
			return nil, audit.NewStorageError("sqlite", "top_blocking_policies", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "top_blocking_policies", err)
	}
	return policies, nil
}

// RecentBlocks returns up to limit of the most recent blocked events.
func (s *SQLiteStorage) RecentBlocks(ctx context.Context, limit int) ([]*audit.Event, error) {
	if limit <= 0 {
		limit = audit.DefaultLimit
	}
	return s.queryEvents(ctx, "recent_blocks",
		"SELECT "+eventColumns+" FROM audit_events WHERE enforcement_action = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?",
		audit.ActionBlock, limit)
}

// ConfigEvents returns up to limit of the most recent configuration events,
// optionally of one type.
func (s *SQLiteStorage) ConfigEvents(ctx context.Context, eventType string, limit int) ([]*audit.ConfigEvent, error) {
	if limit <= 0 {
		limit = audit.DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, actor, source_ip, details, success
		FROM enforcement_events
		WHERE ? = '' OR event_type = ?
		ORDER BY id DESC LIMIT ?`, eventType, eventType, limit)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "config_events", err)
	}
	defer rows.Close()

	events := []*audit.ConfigEvent{}
	for rows.Next() {
		var ev audit.ConfigEvent
		var ts, details string
		if err := rows.Scan(&ev.ID, &ts, &ev.EventType, &ev.Actor, &ev.SourceIP, &details, &ev.Success); err != nil {
			return nil, audit.NewStorageError("sqlite", "scan", err)
		}
		ev.Timestamp = parseTime(ts)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				s.logger.Warn("discarding unreadable event details", "id", ev.ID, "error", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "config_events", err)
	}
	return events, nil
}

// Delete removes audit events and configuration events recorded before the
// cutoff. It returns the number of audit events removed.
func (s *SQLiteStorage) Delete(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	defer tx.Rollback()

	cutoff := formatTime(before)
	result, err := tx.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM enforcement_events WHERE timestamp < ?", cutoff); err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	return count, nil
}

// Trim keeps only the newest max events. A max of zero or less is unlimited.
func (s *SQLiteStorage) Trim(ctx context.Context, max int64) (int64, error) {
	if max <= 0 {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_events WHERE rowid NOT IN (
			SELECT rowid FROM audit_events ORDER BY timestamp DESC, rowid DESC LIMIT ?
		)`, max)
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "trim", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "trim", err)
	}
	return count, nil
}

// Close releases resources held by the storage backend.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return audit.NewStorageError("sqlite", "close", err)
	}
	s.logger.Info("SQLite audit storage closed")
	return nil
}

func (s *SQLiteStorage) queryEvents(ctx context.Context, op, sqlQuery string, args ...any) ([]*audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", op, err)
	}
	defer rows.Close()

	events := []*audit.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, audit.NewStorageError("sqlite", "scan", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", op, err)
	}
	return events, nil
}

// buildWhereClause builds a SQL WHERE clause from query filters.
// Returns the clause (without "WHERE") and its arguments.
func buildWhereClause(query *audit.Query) (string, []any) {
	var conditions []string
	var args []any

	if query.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTime(*query.StartTime))
	}
	if query.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, formatTime(*query.EndTime))
	}

	filters := []struct {
		column string
		value  string
	}{
		{"request_id", query.RequestID},
		{"source_ip", query.SourceIP},
		{"device", query.Device},
		{"provider", query.Provider},
		{"policy_name", query.PolicyName},
		{"enforcement_action", query.EnforcementAction},
	}
	for _, f := range filters {
		if f.value != "" {
			conditions = append(conditions, f.column+" = ?")
			args = append(args, f.value)
		}
	}

	return strings.Join(conditions, " AND "), args
}

func scanEvent(rows *sql.Rows) (*audit.Event, error) {
	var event audit.Event
	var ts, metadata string
	var errorVal sql.NullString

	err := rows.Scan(
		&event.ID, &event.RequestID, &ts,
		&event.SourceIP, &event.Device, &event.User,
		&event.Provider, &event.Host, &event.Method, &event.Path, &event.Preview,
		&event.StatusCode, &event.PolicyName, &event.PolicyDecision, &event.PolicyMode, &event.EnforcementAction,
		&event.Reason, &event.LatencyMS, &errorVal, &metadata,
	)
	if err != nil {
		return nil, err
	}

	event.Timestamp = parseTime(ts)
	if errorVal.Valid {
		event.Error = errorVal.String
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &event, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
