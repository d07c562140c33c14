package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "WARDEN_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is decoded on top of Default, remaining zero values are
// defaulted, and the result is validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention WARDEN_SECTION_FIELD (e.g., WARDEN_SERVER_LISTEN_ADDRESS) and
// always take precedence over the file.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_UPSTREAM_TIMEOUT", &cfg.Server.UpstreamTimeout)
	envString("SERVER_UPSTREAM_SCHEME", &cfg.Server.UpstreamScheme)

	envString("MODE", &cfg.Mode)

	envString("POLICIES_DIRECTORY", &cfg.Policies.Directory)
	envBool("POLICIES_WATCH", &cfg.Policies.Watch)
	envDuration("POLICIES_EVAL_TIMEOUT", &cfg.Policies.EvalTimeout)
	envInt("POLICIES_CACHE_CAPACITY", &cfg.Policies.Cache.Capacity)
	envDuration("POLICIES_CACHE_TTL", &cfg.Policies.Cache.TTL)
	envBool("POLICIES_GIT_ENABLED", &cfg.Policies.Git.Enabled)
	envString("POLICIES_GIT_REPOSITORY", &cfg.Policies.Git.Repository)
	envString("POLICIES_GIT_BRANCH", &cfg.Policies.Git.Branch)
	envString("POLICIES_GIT_TOKEN", &cfg.Policies.Git.Token)

	envBool("ENFORCEMENT_CONSENT_ACCEPTED", &cfg.Enforcement.ConsentAccepted)
	envString("ENFORCEMENT_FAIL_MODE", &cfg.Enforcement.FailMode)
	envString("ENFORCEMENT_STATE_PATH", &cfg.Enforcement.StatePath)
	envString("ENFORCEMENT_OVERRIDE_PASSWORD_HASH", &cfg.Enforcement.Override.PasswordHash)
	envString("ENFORCEMENT_EMERGENCY_PASSWORD_HASH", &cfg.Enforcement.Emergency.PasswordHash)
	envBool("ENFORCEMENT_EMERGENCY_ACTIVE", &cfg.Enforcement.Emergency.Active)

	envInt("USAGE_DAILY_THRESHOLD", &cfg.Usage.DailyThreshold)

	envString("AUDIT_BACKEND", &cfg.Audit.Backend)
	envString("AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	envInt("AUDIT_RETENTION_DAYS", &cfg.Audit.Retention.RetentionDays)
	envString("AUDIT_RETENTION_PRUNE_SCHEDULE", &cfg.Audit.Retention.PruneSchedule)

	envBool("ALERTS_ENABLED", &cfg.Alerts.Enabled)
	envString("ALERTS_NATS_URL", &cfg.Alerts.NATS.URL)
	envString("ALERTS_GOTIFY_TOKEN", &cfg.Alerts.Gotify.Token)
	envString("ALERTS_PUSHOVER_API_TOKEN", &cfg.Alerts.Pushover.APIToken)
	envString("ALERTS_EMAIL_PASSWORD", &cfg.Alerts.Email.Password)

	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)

	envString("SECRETS_DIRECTORY", &cfg.Secrets.Directory)
}
