package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress        = "0.0.0.0:8443"
	DefaultReadTimeout          = 30 * time.Second
	DefaultWriteTimeout         = 10 * time.Minute
	DefaultIdleTimeout          = 120 * time.Second
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultMaxBodyBytes         = int64(10 << 20)
	DefaultUpstreamTimeout      = 5 * time.Minute
	DefaultUpstreamScheme       = "https"
	DefaultResponsePreviewBytes = 4096

	// Mode defaults
	DefaultMode = "observe"

	// Policy defaults
	DefaultPolicyDirectory     = "/usr/local/etc/warden/policies"
	DefaultPolicyWatchDebounce = 100 * time.Millisecond
	DefaultPolicyEvalTimeout   = 50 * time.Millisecond
	DefaultCacheCapacity       = 10000
	DefaultCacheTTL            = 60 * time.Second
	DefaultCacheShards         = 32
	DefaultGitBranch           = "main"
	DefaultGitPollInterval     = 5 * time.Minute
	DefaultGitTimeout          = 60 * time.Second

	// Enforcement defaults
	DefaultFailMode                = "open"
	DefaultOverrideDuration        = 10 * time.Minute
	DefaultOverrideMaxAttempts     = 3
	DefaultOverrideAttemptWindow   = 60 * time.Second
	DefaultBlockPageTitle          = "Request Blocked"
	DefaultDailyThreshold          = 100
	DefaultAuditBackend            = "sqlite"
	DefaultAuditSQLitePath         = "/var/db/warden/audit.db"
	DefaultAuditSQLiteMaxOpenConns = 10
	DefaultAuditSQLiteMaxIdleConns = 5
	DefaultAuditSQLiteWALMode      = true
	DefaultAuditSQLiteBusyTimeout  = 5 * time.Second
	DefaultRecorderBufferSize      = 1000
	DefaultRecorderLanes           = 4
	DefaultRecorderWriteTimeout    = 5 * time.Second
	DefaultRetentionDays           = 365
	DefaultRetentionSchedule       = "0 3 * * *"

	// Alert defaults
	DefaultAlertTimeout     = 10 * time.Second
	DefaultAlertMaxInFlight = 64
	DefaultPushoverURL      = "https://api.pushover.net/1/messages.json"
	DefaultSMTPPort         = 587
	DefaultNATSSubject      = "warden.alerts"

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsEnabled     = true
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "warden"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingServiceName = "warden"
	DefaultTracingSampleRatio = 1.0
	DefaultTracingTimeout     = 10 * time.Second

	// Secrets defaults
	DefaultSecretsEnvPrefix = "WARDEN_SECRET_"
)

// DefaultEndpoints returns the LLM domains intercepted when none are configured.
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Domain: "api.openai.com", Enabled: true},
		{Domain: "api.anthropic.com", Enabled: true},
		{Domain: "gemini.google.com", Enabled: true},
		{Domain: "generativelanguage.googleapis.com", Enabled: true},
		{Domain: "api.mistral.ai", Enabled: true},
	}
}

// Default returns a configuration with every field set to its default.
// LoadConfig decodes YAML on top of this value so that boolean fields
// whose default is true survive when the file omits them.
func Default() *Config {
	cfg := &Config{}
	cfg.Audit.SQLite.WALMode = DefaultAuditSQLiteWALMode
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	// Zero is meaningful for these, so they are only defaulted here.
	cfg.Usage.DailyThreshold = DefaultDailyThreshold
	cfg.Audit.Retention.RetentionDays = DefaultRetentionDays
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)

	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints()
	}

	applyPolicyDefaults(&cfg.Policies)
	applyEnforcementDefaults(&cfg.Enforcement)

	applyAuditDefaults(&cfg.Audit)

	if cfg.Alerts.Timeout == 0 {
		cfg.Alerts.Timeout = DefaultAlertTimeout
	}
	if cfg.Alerts.MaxInFlight == 0 {
		cfg.Alerts.MaxInFlight = DefaultAlertMaxInFlight
	}
	if cfg.Alerts.Pushover.URL == "" {
		cfg.Alerts.Pushover.URL = DefaultPushoverURL
	}
	if cfg.Alerts.Email.SMTPPort == 0 {
		cfg.Alerts.Email.SMTPPort = DefaultSMTPPort
	}
	if cfg.Alerts.NATS.Subject == "" {
		cfg.Alerts.NATS.Subject = DefaultNATSSubject
	}

	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretsEnvPrefix
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.UpstreamTimeout == 0 {
		s.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if s.UpstreamScheme == "" {
		s.UpstreamScheme = DefaultUpstreamScheme
	}
	if s.ResponsePreviewBytes == 0 {
		s.ResponsePreviewBytes = DefaultResponsePreviewBytes
	}
}

func applyPolicyDefaults(p *PolicyConfig) {
	if p.Directory == "" {
		p.Directory = DefaultPolicyDirectory
	}
	if p.WatchDebounce == 0 {
		p.WatchDebounce = DefaultPolicyWatchDebounce
	}
	if p.EvalTimeout == 0 {
		p.EvalTimeout = DefaultPolicyEvalTimeout
	}
	if p.Cache.Capacity == 0 {
		p.Cache.Capacity = DefaultCacheCapacity
	}
	if p.Cache.TTL == 0 {
		p.Cache.TTL = DefaultCacheTTL
	}
	if p.Cache.Shards == 0 {
		p.Cache.Shards = DefaultCacheShards
	}
	if p.Cache.SweepInterval == 0 {
		p.Cache.SweepInterval = p.Cache.TTL / 2
		if p.Cache.SweepInterval < time.Second {
			p.Cache.SweepInterval = time.Second
		}
	}
	if p.Git.Branch == "" {
		p.Git.Branch = DefaultGitBranch
	}
	if p.Git.PollInterval == 0 {
		p.Git.PollInterval = DefaultGitPollInterval
	}
	if p.Git.Timeout == 0 {
		p.Git.Timeout = DefaultGitTimeout
	}
}

func applyEnforcementDefaults(e *EnforcementConfig) {
	if e.FailMode == "" {
		e.FailMode = DefaultFailMode
	}
	if e.Override.DefaultDuration == 0 {
		e.Override.DefaultDuration = DefaultOverrideDuration
	}
	if e.Override.MaxAttempts == 0 {
		e.Override.MaxAttempts = DefaultOverrideMaxAttempts
	}
	if e.Override.AttemptWindow == 0 {
		e.Override.AttemptWindow = DefaultOverrideAttemptWindow
	}
	if e.BlockPage.Title == "" {
		e.BlockPage.Title = DefaultBlockPageTitle
	}
}

func applyAuditDefaults(a *AuditConfig) {
	if a.Backend == "" {
		a.Backend = DefaultAuditBackend
	}
	if a.SQLite.Path == "" {
		a.SQLite.Path = DefaultAuditSQLitePath
	}
	if a.SQLite.MaxOpenConns == 0 {
		a.SQLite.MaxOpenConns = DefaultAuditSQLiteMaxOpenConns
	}
	if a.SQLite.MaxIdleConns == 0 {
		a.SQLite.MaxIdleConns = DefaultAuditSQLiteMaxIdleConns
	}
	if a.SQLite.BusyTimeout == 0 {
		a.SQLite.BusyTimeout = DefaultAuditSQLiteBusyTimeout
	}
	if a.Recorder.BufferSize == 0 {
		a.Recorder.BufferSize = DefaultRecorderBufferSize
	}
	if a.Recorder.Lanes == 0 {
		a.Recorder.Lanes = DefaultRecorderLanes
	}
	if a.Recorder.WriteTimeout == 0 {
		a.Recorder.WriteTimeout = DefaultRecorderWriteTimeout
	}
	if a.Retention.PruneSchedule == "" {
		a.Retention.PruneSchedule = DefaultRetentionSchedule
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}
}
