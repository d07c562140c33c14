package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

var (
	validModes     = map[string]bool{"observe": true, "advisory": true, "enforce": true}
	validFailModes = map[string]bool{"open": true, "closed": true}
	validActions   = map[string]bool{"allow": true, "alert": true, "block": true}
	validBackends  = map[string]bool{"sqlite": true, "memory": true}
	validWeekdays  = map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	}
)

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)

	if !validModes[cfg.Mode] {
		errs = append(errs, FieldError{
			Field:   "mode",
			Message: fmt.Sprintf("invalid mode %q: must be 'observe', 'advisory' or 'enforce'", cfg.Mode),
		})
	}

	for i, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep.Domain) == "" {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("endpoints[%d].domain", i),
				Message: "domain is required",
			})
		}
	}

	errs = append(errs, validatePolicies(&cfg.Policies)...)
	errs = append(errs, validateEnforcement(&cfg.Enforcement)...)

	if cfg.Usage.DailyThreshold < 0 {
		errs = append(errs, FieldError{
			Field:   "usage.daily_threshold",
			Message: "must not be negative",
		})
	}

	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateAlerts(&cfg.Alerts)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid address %q: %v", cfg.ListenAddress, err),
		})
	}
	if cfg.UpstreamScheme != "http" && cfg.UpstreamScheme != "https" {
		errs = append(errs, FieldError{
			Field:   "server.upstream_scheme",
			Message: fmt.Sprintf("invalid scheme %q: must be 'http' or 'https'", cfg.UpstreamScheme),
		})
	}
	if cfg.UpstreamTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.upstream_timeout", Message: "must not be negative"})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "must not be negative"})
	}

	return errs
}

func validatePolicies(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	if cfg.Directory == "" {
		errs = append(errs, FieldError{Field: "policies.directory", Message: "directory is required"})
	}
	if cfg.EvalTimeout <= 0 {
		errs = append(errs, FieldError{Field: "policies.eval_timeout", Message: "must be positive"})
	}
	if cfg.Cache.Capacity < 1 {
		errs = append(errs, FieldError{Field: "policies.cache.capacity", Message: "must be at least 1"})
	}
	if cfg.Cache.TTL <= 0 {
		errs = append(errs, FieldError{Field: "policies.cache.ttl", Message: "must be positive"})
	}
	for name, ttl := range cfg.TTLs {
		if ttl <= 0 {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("policies.ttls.%s", name),
				Message: "must be positive",
			})
		}
	}

	if cfg.Git.Enabled {
		if cfg.Git.Repository == "" {
			errs = append(errs, FieldError{
				Field:   "policies.git.repository",
				Message: "repository is required when git is enabled",
			})
		}
		if cfg.Git.PollInterval < 10*time.Second {
			errs = append(errs, FieldError{
				Field:   "policies.git.poll_interval",
				Message: "must be at least 10s",
			})
		}
	}

	return errs
}

func validateEnforcement(cfg *EnforcementConfig) []FieldError {
	var errs []FieldError

	if !validFailModes[cfg.FailMode] {
		errs = append(errs, FieldError{
			Field:   "enforcement.fail_mode",
			Message: fmt.Sprintf("invalid fail mode %q: must be 'open' or 'closed'", cfg.FailMode),
		})
	}

	for name, pa := range cfg.PolicyActions {
		if pa.Action != "" && !validActions[pa.Action] {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("enforcement.policy_actions.%s.action", name),
				Message: fmt.Sprintf("invalid action %q: must be 'allow', 'alert' or 'block'", pa.Action),
			})
		}
	}

	for i, d := range cfg.Allowlist.Devices {
		field := fmt.Sprintf("enforcement.allowlist.devices[%d]", i)
		if d.IP == "" && d.MAC == "" {
			errs = append(errs, FieldError{Field: field, Message: "ip or mac is required"})
		}
		if d.IP != "" && net.ParseIP(d.IP) == nil {
			errs = append(errs, FieldError{Field: field + ".ip", Message: fmt.Sprintf("invalid ip %q", d.IP)})
		}
		if d.MAC != "" {
			if _, err := net.ParseMAC(d.MAC); err != nil {
				errs = append(errs, FieldError{Field: field + ".mac", Message: fmt.Sprintf("invalid mac %q", d.MAC)})
			}
		}
	}

	for i, g := range cfg.Allowlist.Groups {
		if g.Name == "" {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("enforcement.allowlist.groups[%d].name", i),
				Message: "name is required",
			})
		}
	}

	for i, te := range cfg.TimeExceptions {
		field := fmt.Sprintf("enforcement.time_exceptions[%d]", i)
		if _, err := ParseClock(te.Start); err != nil {
			errs = append(errs, FieldError{Field: field + ".start", Message: err.Error()})
		}
		if _, err := ParseClock(te.End); err != nil {
			errs = append(errs, FieldError{Field: field + ".end", Message: err.Error()})
		}
		for _, day := range te.Days {
			if !validWeekdays[strings.ToLower(day)] {
				errs = append(errs, FieldError{Field: field + ".days", Message: fmt.Sprintf("invalid day %q", day)})
			}
		}
	}

	if cfg.Override.PasswordHash != "" {
		if err := ValidatePasswordHash(cfg.Override.PasswordHash); err != nil {
			errs = append(errs, FieldError{Field: "enforcement.override.password_hash", Message: err.Error()})
		}
	}
	if cfg.Emergency.PasswordHash != "" {
		if err := ValidatePasswordHash(cfg.Emergency.PasswordHash); err != nil {
			errs = append(errs, FieldError{Field: "enforcement.emergency.password_hash", Message: err.Error()})
		}
	}
	if cfg.Override.MaxAttempts < 1 {
		errs = append(errs, FieldError{Field: "enforcement.override.max_attempts", Message: "must be at least 1"})
	}

	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	if !validBackends[cfg.Backend] {
		errs = append(errs, FieldError{
			Field:   "audit.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'sqlite' or 'memory'", cfg.Backend),
		})
	}
	if cfg.Backend == "sqlite" && cfg.SQLite.Path == "" {
		errs = append(errs, FieldError{Field: "audit.sqlite.path", Message: "path is required for sqlite backend"})
	}
	if cfg.Recorder.Lanes < 1 {
		errs = append(errs, FieldError{Field: "audit.recorder.lanes", Message: "must be at least 1"})
	}
	if cfg.Retention.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "audit.retention.retention_days", Message: "must not be negative"})
	}
	if _, err := cron.ParseStandard(cfg.Retention.PruneSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "audit.retention.prune_schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Retention.PruneSchedule, err),
		})
	}

	return errs
}

func validateAlerts(cfg *AlertsConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxInFlight < 0 {
		errs = append(errs, FieldError{Field: "alerts.max_in_flight", Message: "must not be negative"})
	}

	for i, wh := range cfg.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("alerts.webhooks[%d].url", i),
				Message: fmt.Sprintf("invalid url %q", wh.URL),
			})
		}
	}
	if cfg.Gotify.URL != "" && cfg.Gotify.Token == "" {
		errs = append(errs, FieldError{Field: "alerts.gotify.token", Message: "token is required with url"})
	}
	if cfg.Pushover.UserKey != "" && cfg.Pushover.APIToken == "" {
		errs = append(errs, FieldError{Field: "alerts.pushover.api_token", Message: "api token is required with user key"})
	}
	if cfg.Email.SMTPHost != "" && (cfg.Email.From == "" || len(cfg.Email.To) == 0) {
		errs = append(errs, FieldError{Field: "alerts.email", Message: "from and to are required with smtp_host"})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid level %q", cfg.Logging.Level),
		})
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0 and 1"})
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}

	return errs
}

// ParseClock parses an "HH:MM" string into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidatePasswordHash checks the "sha256:<hex>" format used for override
// and emergency passwords.
func ValidatePasswordHash(h string) error {
	digest, ok := strings.CutPrefix(h, "sha256:")
	if !ok {
		return fmt.Errorf("hash must start with sha256:")
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("hash must contain 64 hex characters")
	}
	return nil
}
