package audit

import (
	"context"
	"maps"
	"time"
)

// Enforcement actions recorded on an Event.
const (
	ActionAllow           = "allow"
	ActionAlert           = "alert"
	ActionBlock           = "block"
	ActionOverride        = "override"
	ActionAllowlistBypass = "allowlist_bypass"
	ActionError           = "error"
)

// Configuration event types recorded by the enforcement engine.
const (
	EventModeChange          = "mode_change"
	EventDeviceAdd           = "allowlist_add"
	EventDeviceRemove        = "allowlist_remove"
	EventGroupAdd            = "group_add"
	EventTimeExceptionAdd    = "time_exception_add"
	EventOverrideGrant       = "override_grant"
	EventOverrideRevoke      = "override_revoke"
	EventOverrideAttempt     = "override_attempt"
	EventEmergencyActivate   = "emergency_activate"
	EventEmergencyDeactivate = "emergency_deactivate"
	EventStateRestore        = "state_restore"
)

// Event is the append-only record of one gateway decision. Exactly one
// event is written per request ID.
type Event struct {
	// Identity
	ID        string    `json:"id"`         // UUID v4
	RequestID string    `json:"request_id"` // From the pipeline
	Timestamp time.Time `json:"timestamp"`  // When the request arrived

	// Source
	SourceIP string `json:"source_ip"`
	Device   string `json:"device,omitempty"`
	User     string `json:"user,omitempty"`

	// Destination
	Provider string `json:"provider"`
	Host     string `json:"host"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Preview  string `json:"preview,omitempty"` // Truncated, redacted prompt

	// Outcome
	StatusCode        int    `json:"status_code"`
	PolicyName        string `json:"policy_name,omitempty"`
	PolicyDecision    string `json:"policy_decision,omitempty"` // "allow" or "deny"
	PolicyMode        string `json:"policy_mode,omitempty"`
	EnforcementAction string `json:"enforcement_action"`
	Reason            string `json:"reason,omitempty"`
	LatencyMS         int64  `json:"latency_ms"`
	Error             string `json:"error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy of e with its own metadata map.
func (e *Event) Clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}

// DeviceKey returns the identity events are ordered by: the device when
// known, otherwise the source address.
func (e *Event) DeviceKey() string {
	if e.Device != "" {
		return e.Device
	}
	return e.SourceIP
}

// ConfigEvent records a change to enforcement state or an attempt to make one.
type ConfigEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
}

// Query defines filter parameters for querying audit events.
type Query struct {
	// Time range
	StartTime *time.Time `json:"start_time,omitempty"` // Inclusive start time
	EndTime   *time.Time `json:"end_time,omitempty"`   // Inclusive end time

	// Filters
	RequestID         string `json:"request_id,omitempty"`
	SourceIP          string `json:"source_ip,omitempty"`
	Device            string `json:"device,omitempty"`
	Provider          string `json:"provider,omitempty"`
	PolicyName        string `json:"policy_name,omitempty"`
	EnforcementAction string `json:"enforcement_action,omitempty"`

	// Pagination
	Limit  int `json:"limit,omitempty"`  // Max events to return
	Offset int `json:"offset,omitempty"` // Skip N events

	// SortOrder is "asc" or "desc" by timestamp. Default: "desc".
	SortOrder string `json:"sort_order,omitempty"`
}

// Stats summarises stored events.
type Stats struct {
	Total          int64            `json:"total"`
	ByAction       map[string]int64 `json:"by_action"`
	ByProvider     map[string]int64 `json:"by_provider"`
	BlocksByPolicy map[string]int64 `json:"blocks_by_policy"` // Blocks attributed to a named policy
	BlockRate      float64          `json:"block_rate"`       // Blocks over total, 0..1
	First          time.Time        `json:"first,omitempty"`
	Last           time.Time        `json:"last,omitempty"`
}

// DailyStats is one UTC day of the enforcement trend.
type DailyStats struct {
	Day       string `json:"day"` // YYYY-MM-DD
	Total     int64  `json:"total"`
	Allowed   int64  `json:"allowed"`
	Alerted   int64  `json:"alerted"`
	Blocked   int64  `json:"blocked"`
	Overrides int64  `json:"overrides"`
	Bypasses  int64  `json:"bypasses"`
	Errors    int64  `json:"errors"`
	Devices   int64  `json:"devices"` // Distinct device keys
}

// PolicyBlocks counts the blocks one policy caused.
type PolicyBlocks struct {
	Policy  string `json:"policy"`
	Blocks  int64  `json:"blocks"`
	Devices int64  `json:"devices"` // Distinct device keys blocked
}

// Storage defines the interface for audit storage backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Store persists a request event. A second event with the same
	// request ID is rejected.
	Store(ctx context.Context, event *Event) error

	// StoreConfigEvent persists an enforcement configuration event.
	StoreConfigEvent(ctx context.Context, event *ConfigEvent) error

	// Query returns events matching q. An empty slice means no match.
	Query(ctx context.Context, q *Query) ([]*Event, error)

	// Count returns the number of events matching q.
	Count(ctx context.Context, q *Query) (int64, error)

	// Stats summarises events in the optional time range.
	Stats(ctx context.Context, since, until *time.Time) (*Stats, error)

	// RecentBlocks returns up to limit of the most recent blocked events.
	RecentBlocks(ctx context.Context, limit int) ([]*Event, error)

	// DailyStats returns one row per UTC day from the day of since onward,
	// oldest first. A nil since returns every day.
	DailyStats(ctx context.Context, since *time.Time) ([]DailyStats, error)

	// TopBlockingPolicies returns up to limit policies ordered by the number
	// of blocks they caused since the cutoff, most first.
	TopBlockingPolicies(ctx context.Context, since *time.Time, limit int) ([]PolicyBlocks, error)

	// ConfigEvents returns up to limit of the most recent configuration
	// events, restricted to eventType unless it is empty.
	ConfigEvents(ctx context.Context, eventType string, limit int) ([]*ConfigEvent, error)

	// Delete removes events recorded before the cutoff and returns the
	// number removed.
	Delete(ctx context.Context, before time.Time) (int64, error)

	// Trim keeps only the newest max events and returns the number removed.
	Trim(ctx context.Context, max int64) (int64, error)

	// Close releases any resources held by the backend.
	Close() error
}
