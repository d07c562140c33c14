package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
mode: enforce
server:
  listen_address: "127.0.0.1:9443"
  upstream_timeout: 30s
endpoints:
  - domain: api.openai.com
    enabled: true
  - domain: api.anthropic.com
    enabled: false
policies:
  directory: /tmp/policies
  cache:
    capacity: 50
    ttl: 5s
enforcement:
  consent_accepted: true
  fail_mode: closed
  allowlist:
    devices:
      - name: laptop
        ip: 192.168.1.10
      - name: phone
        mac: AA-BB-CC-DD-EE-FF
  time_exceptions:
    - name: homework
      days: [monday, tuesday]
      start: "15:00"
      end: "18:00"
audit:
  backend: memory
telemetry:
  logging:
    level: debug
    format: text
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Mode != "enforce" {
		t.Errorf("expected mode enforce, got %q", cfg.Mode)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9443" {
		t.Errorf("expected listen address 127.0.0.1:9443, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.UpstreamTimeout != 30*time.Second {
		t.Errorf("expected upstream timeout 30s, got %v", cfg.Server.UpstreamTimeout)
	}
	if len(cfg.Endpoints) != 2 || cfg.Endpoints[1].Enabled {
		t.Errorf("unexpected endpoints: %+v", cfg.Endpoints)
	}
	if cfg.Policies.Cache.Capacity != 50 || cfg.Policies.Cache.TTL != 5*time.Second {
		t.Errorf("unexpected cache config: %+v", cfg.Policies.Cache)
	}
	if cfg.Policies.Cache.SweepInterval != 2500*time.Millisecond {
		t.Errorf("expected sweep interval derived from ttl, got %v", cfg.Policies.Cache.SweepInterval)
	}
	if len(cfg.Enforcement.Allowlist.Devices) != 2 {
		t.Errorf("expected 2 allowlisted devices, got %d", len(cfg.Enforcement.Allowlist.Devices))
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("expected metrics to stay enabled when omitted")
	}
	if !cfg.Audit.SQLite.WALMode {
		t.Error("expected WAL mode to stay enabled when omitted")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "{}\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Mode != DefaultMode {
		t.Errorf("expected default mode, got %q", cfg.Mode)
	}
	if len(cfg.Endpoints) != len(DefaultEndpoints()) {
		t.Errorf("expected default endpoints, got %d", len(cfg.Endpoints))
	}
	if cfg.Usage.DailyThreshold != DefaultDailyThreshold {
		t.Errorf("expected default threshold, got %d", cfg.Usage.DailyThreshold)
	}
	if cfg.Enforcement.FailMode != "open" {
		t.Errorf("expected fail_mode open, got %q", cfg.Enforcement.FailMode)
	}
	if cfg.Audit.Retention.RetentionDays != DefaultRetentionDays {
		t.Errorf("expected default retention, got %d", cfg.Audit.Retention.RetentionDays)
	}
}

func TestLoadConfig_ZeroValuesKept(t *testing.T) {
	path := writeConfig(t, `
usage:
  daily_threshold: 0
audit:
  backend: memory
  retention:
    retention_days: 0
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Usage.DailyThreshold != 0 {
		t.Errorf("expected explicit zero threshold to be kept, got %d", cfg.Usage.DailyThreshold)
	}
	if cfg.Audit.Retention.RetentionDays != 0 {
		t.Errorf("expected explicit zero retention to be kept, got %d", cfg.Audit.Retention.RetentionDays)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "mode: [unclosed"},
		{"invalid mode", "mode: panic\n"},
		{"invalid fail mode", "enforcement:\n  fail_mode: sideways\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected not-exist error, got %v", err)
		}
	})
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, "mode: observe\n")

	t.Setenv("WARDEN_MODE", "advisory")
	t.Setenv("WARDEN_SERVER_LISTEN_ADDRESS", "127.0.0.1:7000")
	t.Setenv("WARDEN_POLICIES_CACHE_CAPACITY", "42")
	t.Setenv("WARDEN_POLICIES_CACHE_TTL", "not-a-duration")
	t.Setenv("WARDEN_ENFORCEMENT_CONSENT_ACCEPTED", "true")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Mode != "advisory" {
		t.Errorf("expected mode advisory, got %q", cfg.Mode)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:7000" {
		t.Errorf("expected overridden listen address, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Policies.Cache.Capacity != 42 {
		t.Errorf("expected capacity 42, got %d", cfg.Policies.Cache.Capacity)
	}
	if cfg.Policies.Cache.TTL != DefaultCacheTTL {
		t.Errorf("expected invalid duration to be ignored, got %v", cfg.Policies.Cache.TTL)
	}
	if !cfg.Enforcement.ConsentAccepted {
		t.Error("expected consent override")
	}
}

func TestSingleton(t *testing.T) {
	SetConfig(nil)
	if GetConfig() != nil {
		t.Fatal("expected nil config")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected MustGetConfig to panic")
		}
		SetConfig(nil)
	}()

	cfg := Default()
	SetConfig(cfg)
	if GetConfig() != cfg {
		t.Fatal("expected stored config")
	}

	path := writeConfig(t, "mode: advisory\n")
	reloaded, err := ReloadConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if GetConfig() != reloaded || reloaded.Mode != "advisory" {
		t.Fatal("expected reloaded config to be stored")
	}

	if _, err := ReloadConfig(writeConfig(t, "mode: bogus\n")); err == nil {
		t.Fatal("expected reload error")
	}
	if GetConfig() != reloaded {
		t.Fatal("failed reload must keep previous config")
	}

	SetConfig(nil)
	MustGetConfig()
}
