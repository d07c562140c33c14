package config

import "time"

// Config is the root configuration structure for Warden.
// It contains every section consumed by the gateway: the listener, the
// intercepted endpoints, policy loading, enforcement state, audit storage,
// alert delivery, and telemetry.
type Config struct {
	// Server contains HTTP listener and upstream forwarding settings.
	Server ServerConfig `yaml:"server"`

	// Mode is the global enforcement posture.
	// Valid values: "observe", "advisory", "enforce"
	// Default: "observe"
	Mode string `yaml:"mode"`

	// Endpoints lists the LLM API domains intercepted by the gateway.
	// Hosts that are not listed are only let through in observe mode.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Policies contains policy source, reload and cache settings.
	Policies PolicyConfig `yaml:"policies"`

	// Enforcement contains allowlist, override and fail-mode settings.
	Enforcement EnforcementConfig `yaml:"enforcement"`

	// Usage contains per-device usage thresholds passed to policies.
	Usage UsageConfig `yaml:"usage"`

	// Audit contains audit trail storage and retention settings.
	Audit AuditConfig `yaml:"audit"`

	// Alerts contains alert channel settings.
	Alerts AlertsConfig `yaml:"alerts"`

	// Telemetry contains logging, metrics and tracing settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Secrets configures where ${secret:name} references are resolved.
	Secrets SecretsConfig `yaml:"secrets"`
}

// ServerConfig contains configuration for the HTTP listener and the
// upstream forwarding client.
type ServerConfig struct {
	// ListenAddress is the address the gateway listens on.
	// Default: "0.0.0.0:8443"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out response writes.
	// Streaming completions can take minutes, so this should stay generous.
	// Default: 10m
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes is the largest request body buffered for classification.
	// Default: 10 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// UpstreamTimeout bounds every forwarded call, including streamed bodies.
	// Default: 5m
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// UpstreamScheme is the scheme used to reach the intercepted host.
	// Default: "https"
	UpstreamScheme string `yaml:"upstream_scheme"`

	// ResponsePreviewBytes is how much of the upstream response is kept for audit.
	// Default: 4096
	ResponsePreviewBytes int `yaml:"response_preview_bytes"`
}

// EndpointConfig describes one intercepted LLM API domain.
type EndpointConfig struct {
	// Domain is the host name (e.g., "api.openai.com").
	Domain string `yaml:"domain"`

	// Enabled controls whether requests to this domain are evaluated.
	// Disabled endpoints are passed through untouched.
	Enabled bool `yaml:"enabled"`
}

// PolicyConfig contains configuration for loading and evaluating policies.
type PolicyConfig struct {
	// Directory holds the .rego policy files.
	// Default: "/usr/local/etc/warden/policies"
	Directory string `yaml:"directory"`

	// Watch enables hot reload when files in Directory change.
	// Default: false
	Watch bool `yaml:"watch"`

	// WatchDebounce coalesces bursts of file events.
	// Default: 100ms
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// EvalTimeout bounds a single policy evaluation.
	// Default: 50ms
	EvalTimeout time.Duration `yaml:"eval_timeout"`

	// TTLs overrides the cache TTL for individual policies by name.
	TTLs map[string]time.Duration `yaml:"ttls"`

	// Cache contains the decision cache settings.
	Cache CacheConfig `yaml:"cache"`

	// Git optionally pulls policies from a Git repository into Directory.
	Git GitPolicyConfig `yaml:"git"`
}

// CacheConfig contains configuration for the policy decision cache.
type CacheConfig struct {
	// Enabled turns caching on.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Capacity is the maximum number of resident entries.
	// Default: 10000
	Capacity int `yaml:"capacity"`

	// TTL is the default entry lifetime.
	// Default: 60s
	TTL time.Duration `yaml:"ttl"`

	// Shards is the number of lock shards, rounded up to a power of two.
	// Default: 32
	Shards int `yaml:"shards"`

	// SweepInterval is how often expired entries are physically removed.
	// Default: TTL/2
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// IsEnabled reports whether caching is enabled, treating an unset value as true.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// GitPolicyConfig contains configuration for a Git-backed policy source.
type GitPolicyConfig struct {
	// Enabled turns on Git synchronisation.
	Enabled bool `yaml:"enabled"`

	// Repository is the clone URL.
	Repository string `yaml:"repository"`

	// Branch to track.
	// Default: "main"
	Branch string `yaml:"branch"`

	// Path is the subdirectory inside the repository holding policies.
	Path string `yaml:"path"`

	// Token is an HTTPS access token. Prefer WARDEN_POLICIES_GIT_TOKEN.
	Token string `yaml:"token"`

	// PollInterval is how often the repository is pulled.
	// Default: 5m
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout bounds clone and pull operations.
	// Default: 60s
	Timeout time.Duration `yaml:"timeout"`
}

// EnforcementConfig contains configuration for the enforcement engine.
type EnforcementConfig struct {
	// ConsentAccepted must be true before enforce mode can block traffic.
	// Without it enforce is downgraded to advisory.
	ConsentAccepted bool `yaml:"consent_accepted"`

	// FailMode selects what happens when policy evaluation fails.
	// "open" allows the request, "closed" blocks it in enforce mode.
	// Default: "open"
	FailMode string `yaml:"fail_mode"`

	// PolicyActions caps the action each policy may take, keyed by policy name.
	PolicyActions map[string]PolicyActionConfig `yaml:"policy_actions"`

	// Allowlist contains standing device exceptions.
	Allowlist AllowlistConfig `yaml:"allowlist"`

	// TimeExceptions lists recurring windows during which devices bypass policy.
	TimeExceptions []TimeExceptionConfig `yaml:"time_exceptions"`

	// Override contains settings for time-boxed override grants.
	Override OverrideConfig `yaml:"override"`

	// Emergency contains the emergency kill switch settings.
	Emergency EmergencyConfig `yaml:"emergency"`

	// BlockPage contains settings for the rejection response.
	BlockPage BlockPageConfig `yaml:"block_page"`

	// StatePath is the SQLite file holding enforcement state across restarts.
	// Empty keeps state in memory only.
	StatePath string `yaml:"state_path"`
}

// PolicyActionConfig caps the action of a single policy.
type PolicyActionConfig struct {
	// Action is the strongest action the policy may take.
	// Valid values: "allow", "alert", "block"
	Action string `yaml:"action"`

	// Enabled turns the policy on. Disabled policies are treated as allow.
	// Default: true
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the policy is enabled, treating unset as true.
func (p PolicyActionConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AllowlistConfig contains allowlisted devices and device groups.
type AllowlistConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
	Groups  []GroupConfig  `yaml:"groups"`
}

// DeviceConfig describes an allowlisted device.
type DeviceConfig struct {
	// Name is a human-friendly label.
	Name string `yaml:"name"`

	// IP is the device address. Either IP or MAC must be set.
	IP string `yaml:"ip"`

	// MAC is the device hardware address in any common notation.
	MAC string `yaml:"mac"`

	// Enabled turns the entry on.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Permanent entries ignore ExpiresAt.
	Permanent bool `yaml:"permanent"`

	// ExpiresAt ends a temporary exception.
	ExpiresAt *time.Time `yaml:"expires_at"`

	// Notes is free text.
	Notes string `yaml:"notes"`
}

// GroupConfig describes a named set of allowlisted device addresses.
type GroupConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	DeviceIPs   []string `yaml:"device_ips"`
}

// TimeExceptionConfig describes a recurring allowlist window.
type TimeExceptionConfig struct {
	// Name identifies the exception in audit records.
	Name string `yaml:"name"`

	// Days are lower-case weekday names ("monday", ...).
	Days []string `yaml:"days"`

	// Start and End are "HH:MM" in local time. End before Start spans midnight.
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	// DeviceIPs restricts the exception. Empty applies to every device.
	DeviceIPs []string `yaml:"device_ips"`

	// Enabled turns the exception on.
	// Default: true
	Enabled *bool `yaml:"enabled"`
}

// OverrideConfig contains settings for override grants.
type OverrideConfig struct {
	// PasswordHash verifies self-service override attempts.
	// Format: "sha256:<hex>". Empty disables self-service overrides.
	PasswordHash string `yaml:"password_hash"`

	// DefaultDuration is the lifetime of a granted override.
	// Default: 10m
	DefaultDuration time.Duration `yaml:"default_duration"`

	// MaxAttempts is the number of attempts allowed per source per window.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// AttemptWindow is the rate-limit window for override attempts.
	// Default: 60s
	AttemptWindow time.Duration `yaml:"attempt_window"`
}

// EmergencyConfig contains settings for the emergency kill switch.
type EmergencyConfig struct {
	// PasswordHash guards activation. Format: "sha256:<hex>".
	PasswordHash string `yaml:"password_hash"`

	// Active starts the gateway with enforcement disabled.
	Active bool `yaml:"active"`
}

// BlockPageConfig contains settings for blocked-request responses.
type BlockPageConfig struct {
	// HTML serves a rendered page to clients that accept text/html.
	// Default: true
	HTML *bool `yaml:"html"`

	// Title is the page heading.
	// Default: "Request Blocked"
	Title string `yaml:"title"`

	// Messages maps policy names to custom explanations.
	Messages map[string]string `yaml:"messages"`
}

// IsHTML reports whether HTML block pages are enabled, treating unset as true.
func (b BlockPageConfig) IsHTML() bool {
	return b.HTML == nil || *b.HTML
}

// UsageConfig contains usage thresholds exposed to policies.
type UsageConfig struct {
	// DailyThreshold is the per-device daily request budget.
	// Zero means any request exceeds it.
	// Default: 100
	DailyThreshold int `yaml:"daily_threshold"`
}

// AuditConfig contains configuration for the audit trail.
type AuditConfig struct {
	// Backend selects the storage implementation.
	// Valid values: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite-specific settings.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Recorder contains async recorder settings.
	Recorder RecorderConfig `yaml:"recorder"`

	// Retention contains pruning settings.
	Retention RetentionConfig `yaml:"retention"`
}

// SQLiteConfig contains SQLite storage settings.
type SQLiteConfig struct {
	// Path is the database file.
	// Default: "/var/db/warden/audit.db"
	Path string `yaml:"path"`

	// MaxOpenConns limits open connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns limits idle connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RecorderConfig contains async audit recorder settings.
type RecorderConfig struct {
	// BufferSize is the queue depth of each lane.
	// Default: 1000
	BufferSize int `yaml:"buffer_size"`

	// Lanes is the number of ordered worker lanes. Events for one device
	// always use the same lane.
	// Default: 4
	Lanes int `yaml:"lanes"`

	// WriteTimeout bounds a single storage write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RetentionConfig contains audit retention settings.
type RetentionConfig struct {
	// RetentionDays removes events older than this. Zero keeps forever.
	// Default: 365
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a standard cron expression.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`

	// MaxRecords caps the events table. Zero is unlimited.
	MaxRecords int64 `yaml:"max_records"`
}

// AlertsConfig contains alert delivery settings.
type AlertsConfig struct {
	// Enabled turns alert delivery on.
	Enabled bool `yaml:"enabled"`

	// Timeout bounds a single channel delivery.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// MaxInFlight bounds concurrent deliveries across all channels.
	// Alerts beyond it are dropped and counted.
	// Default: 64
	MaxInFlight int `yaml:"max_in_flight"`

	// Webhooks receive the alert as JSON.
	Webhooks []WebhookConfig `yaml:"webhooks"`

	// Gotify pushes to a Gotify server.
	Gotify GotifyConfig `yaml:"gotify"`

	// Pushover pushes through the Pushover API.
	Pushover PushoverConfig `yaml:"pushover"`

	// Email sends alerts over SMTP.
	Email EmailConfig `yaml:"email"`

	// NATS publishes alerts on a subject.
	NATS NATSConfig `yaml:"nats"`
}

// WebhookConfig describes a JSON webhook target.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// GotifyConfig contains Gotify settings.
type GotifyConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Priority int    `yaml:"priority"`
}

// PushoverConfig contains Pushover settings.
type PushoverConfig struct {
	// URL defaults to the public Pushover messages endpoint.
	URL      string `yaml:"url"`
	UserKey  string `yaml:"user_key"`
	APIToken string `yaml:"api_token"`
}

// EmailConfig contains SMTP settings.
type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// NATSConfig contains NATS publishing settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// SecretsConfig contains the sources of ${secret:name} references in
// credential fields.
type SecretsConfig struct {
	// Directory holds one file per secret, named after the secret.
	// Files must be mode 0600 or 0400. Empty disables file secrets.
	Directory string `yaml:"directory"`

	// EnvPrefix is prepended to the upper-cased secret name to form the
	// environment variable consulted after the directory.
	// Default: "WARDEN_SECRET_"
	EnvPrefix string `yaml:"env_prefix"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled exposes metrics.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path of the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace prefixes every metric.
	// Default: "warden"
	Namespace string `yaml:"namespace"`

	// Subsystem optionally follows the namespace.
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	// Enabled turns on span export.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the reported service name.
	// Default: "warden"
	ServiceName string `yaml:"service_name"`

	// SampleRatio is the fraction of traces kept, between 0 and 1.
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds exporter calls.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}
