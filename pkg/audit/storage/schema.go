package storage

// SchemaVersion is the current version of the audit database schema.
const SchemaVersion = 2

// timeLayout is how timestamps are stored. Values are UTC so that text
// order is time order and SQLite's date functions can read them.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Schema creates the audit tables, indexes and reporting views.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL UNIQUE,
    timestamp TEXT NOT NULL,

    source_ip TEXT NOT NULL DEFAULT '',
    device TEXT NOT NULL DEFAULT '',
    user TEXT NOT NULL DEFAULT '',

    provider TEXT NOT NULL DEFAULT '',
    host TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',

    status_code INTEGER NOT NULL DEFAULT 0,
    policy_name TEXT NOT NULL DEFAULT '',
    policy_decision TEXT NOT NULL DEFAULT '',
    policy_mode TEXT NOT NULL DEFAULT '',
    enforcement_action TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT,

    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_provider ON audit_events(provider);
CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_events(device);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(enforcement_action);

CREATE TABLE IF NOT EXISTS enforcement_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    source_ip TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    success INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_enforcement_events_timestamp ON enforcement_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_enforcement_events_type ON enforcement_events(event_type);

DROP VIEW IF EXISTS daily_stats;
CREATE VIEW daily_stats AS
SELECT
    date(timestamp) AS day,
    COUNT(*) AS total,
    SUM(CASE WHEN enforcement_action = 'allow' THEN 1 ELSE 0 END) AS allowed,
    SUM(CASE WHEN enforcement_action = 'alert' THEN 1 ELSE 0 END) AS alerted,
    SUM(CASE WHEN enforcement_action = 'block' THEN 1 ELSE 0 END) AS blocked,
    SUM(CASE WHEN enforcement_action = 'override' THEN 1 ELSE 0 END) AS overrides,
    SUM(CASE WHEN enforcement_action = 'allowlist_bypass' THEN 1 ELSE 0 END) AS bypasses,
    SUM(CASE WHEN enforcement_action = 'error' THEN 1 ELSE 0 END) AS errors,
    COUNT(DISTINCT CASE WHEN device != '' THEN device ELSE source_ip END) AS devices
FROM audit_events
GROUP BY date(timestamp);

CREATE VIEW IF NOT EXISTS hourly_stats AS
SELECT
    strftime('%Y-%m-%d %H:00', timestamp) AS hour,
    provider,
    COUNT(*) AS total,
    SUM(CASE WHEN enforcement_action = 'block' THEN 1 ELSE 0 END) AS blocked
FROM audit_events
GROUP BY strftime('%Y-%m-%d %H:00', timestamp), provider;

CREATE VIEW IF NOT EXISTS recent_blocks AS
SELECT id, request_id, timestamp, source_ip, device, provider, host, policy_name, reason
FROM audit_events
WHERE enforcement_action = 'block'
ORDER BY timestamp DESC
LIMIT 100;

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// InsertSchemaVersion records the schema version.
const InsertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`

// GetSchemaVersion retrieves the current schema version.
const GetSchemaVersion = `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`
