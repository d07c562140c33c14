package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"mercator-hq/warden/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"chatty", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("visible", "component", "test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if rec["msg"] != "visible" || rec["service"] != "warden" || rec["component"] != "test" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "nope"}, nil); err == nil {
		t.Error("expected level error")
	}
	if _, err := New(config.LoggingConfig{Format: "xml"}, nil); err == nil {
		t.Error("expected format error")
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name    string
		in      string
		leaks   string
		expects string
	}{
		{"openai key", "use sk-proj-abcdefghijklmnop please", "abcdefghijklmnop", "sk-***"},
		{"bearer", "Authorization: Bearer eyJhbGciOi.abc", "eyJhbGciOi", "Bearer ***"},
		{"password", "my password=hunter2 ok", "hunter2", "password: ***"},
		{"email", "mail kid@example.com now", "kid@example.com", "***@***"},
		{"ssn", "ssn 123-45-6789", "123-45-6789", "***-**-****"},
		{"card", "card 4111 1111 1111 1111", "4111 1111", "****-****-****-****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.RedactString(tt.in)
			if strings.Contains(got, tt.leaks) {
				t.Errorf("RedactString(%q) = %q leaks %q", tt.in, got, tt.leaks)
			}
			if !strings.Contains(got, tt.expects) {
				t.Errorf("RedactString(%q) = %q, want it to contain %q", tt.in, got, tt.expects)
			}
		})
	}
}

func TestRedactor_Skip(t *testing.T) {
	r := NewRedactor(PatternEmail)
	if got := r.RedactString("kid@example.com"); got != "kid@example.com" {
		t.Errorf("expected email to be kept, got %q", got)
	}

	var nilRedactor *Redactor
	if got := nilRedactor.RedactString("sk-abcdefghijkl"); got != "sk-abcdefghijkl" {
		t.Errorf("nil redactor must be a no-op, got %q", got)
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"Authorization", "x-api-key", "Cookie", "client_secret"} {
		if !IsSensitiveKey(k) {
			t.Errorf("expected %q to be sensitive", k)
		}
	}
	if IsSensitiveKey("Content-Type") {
		t.Error("Content-Type is not sensitive")
	}
}
