package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"
)

const bedtimePolicy = `
package bedtime

import rego.v1

default allow := true

allow := false if {
	input.hour >= 21
}

mode := "enforce"

reason := "LLM access is disabled after 9pm" if not allow

metadata := {"severity": "high", "hour": input.hour}
`

const piiPolicy = `
package privacy

import rego.v1

default allow := true

violation if "email" in input.pii

reason := "prompt contains an email address" if violation

metadata := {"severity": 2}
`

func compile(t *testing.T, name, src string) (*RegoCapability, Unit) {
	t.Helper()
	c := NewRegoCapability()
	u, err := c.Compile(context.Background(), name, src)
	if err != nil {
		t.Fatalf("Compile(%s): %v", name, err)
	}
	return c, u
}

func TestRegoCapability_Compile(t *testing.T) {
	_, u := compile(t, "bedtime", bedtimePolicy)
	if u.Name() != "bedtime" {
		t.Errorf("Name() = %q", u.Name())
	}
	if q := u.(*regoUnit).Query(); q != "data.bedtime" {
		t.Errorf("Query() = %q, want data.bedtime", q)
	}
}

func TestRegoCapability_CompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		source string
	}{
		{"empty source", "p", "   "},
		{"empty name", "", bedtimePolicy},
		{"syntax", "broken", "package broken\n\nallow := {"},
		{"unsafe var", "unsafe", "package unsafe\n\nimport rego.v1\n\nallow if x > 1\n"},
	}

	c := NewRegoCapability()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(context.Background(), tt.policy, tt.source)
			if err == nil {
				t.Fatal("expected compile error")
			}
			if !IsCompileError(err) {
				t.Errorf("expected *CompileError, got %T: %v", err, err)
			}
		})
	}
}

func TestRegoCapability_Evaluate(t *testing.T) {
	c, u := compile(t, "bedtime", bedtimePolicy)

	tests := []struct {
		name      string
		hour      int
		wantAllow bool
		wantRsn   string
	}{
		{"afternoon", 14, true, ""},
		{"bedtime", 22, false, "LLM access is disabled after 9pm"},
		{"boundary", 21, false, "LLM access is disabled after 9pm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Hour: tt.hour, Config: UsageConfig{Mode: ModeEnforce}}
			res, err := c.Evaluate(context.Background(), u, in.Document(true))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if res.Allow != tt.wantAllow || res.Reason != tt.wantRsn {
				t.Errorf("got allow=%v reason=%q", res.Allow, res.Reason)
			}
			if res.Mode != ModeEnforce {
				t.Errorf("Mode = %q, want enforce", res.Mode)
			}
			if res.Severity != 4 {
				t.Errorf("Severity = %d, want 4", res.Severity)
			}
		})
	}
}

func TestRegoCapability_Violation(t *testing.T) {
	c, u := compile(t, "privacy", piiPolicy)

	res, err := c.Evaluate(context.Background(), u, Input{PII: []string{"email"}}.Document(false))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Allow || !res.Violation || !res.Denied() {
		t.Errorf("expected allowed violation, got %+v", res)
	}
	if res.Mode != "" {
		t.Errorf("absent mode must stay empty, got %q", res.Mode)
	}
	if res.Severity != 2 {
		t.Errorf("Severity = %d, want 2", res.Severity)
	}

	res, err = c.Evaluate(context.Background(), u, Input{}.Document(false))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Violation || res.Denied() {
		t.Errorf("expected clean result, got %+v", res)
	}
}

func TestRegoCapability_EvaluationErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"missing allow", "package noallow\n\nreason := \"x\"\n"},
		{"allow not bool", "package strallow\n\nallow := \"yes\"\n"},
		{"bad mode", "package badmode\n\nallow := true\n\nmode := \"lockdown\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRegoCapability()
			u, err := c.Compile(context.Background(), tt.name, tt.source)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			_, err = c.Evaluate(context.Background(), u, Input{}.Document(false))
			var ee *EvaluationError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *EvaluationError, got %T: %v", err, err)
			}
			if ee.Policy != tt.name {
				t.Errorf("Policy = %q, want %q", ee.Policy, tt.name)
			}
		})
	}
}

type foreignUnit struct{}

func (foreignUnit) Name() string { return "foreign" }

func TestRegoCapability_ForeignUnit(t *testing.T) {
	_, err := NewRegoCapability().Evaluate(context.Background(), foreignUnit{}, nil)
	var ee *EvaluationError
	if !errors.As(err, &ee) || ee.Policy != "foreign" {
		t.Errorf("expected evaluation error for foreign unit, got %v", err)
	}
}

func TestDecodeResult_Severity(t *testing.T) {
	tests := []struct {
		name     string
		severity any
		want     int
	}{
		{"json number", json.Number("3"), 3},
		{"float", float64(5), 5},
		{"int", 2, 2},
		{"name", "Critical", 5},
		{"unknown name", "spicy", 0},
		{"absent", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := map[string]any{
				"allow":    false,
				"metadata": map[string]any{"severity": tt.severity},
			}
			res, err := DecodeResult("p", doc)
			if err != nil {
				t.Fatalf("DecodeResult: %v", err)
			}
			if res.Severity != tt.want {
				t.Errorf("Severity = %d, want %d", res.Severity, tt.want)
			}
		})
	}

	if _, err := DecodeResult("p", []any{true}); err == nil {
		t.Error("expected error for non-object decision")
	}
}

func TestSeverityName(t *testing.T) {
	tests := []struct {
		rank int
		want string
	}{
		{0, ""},
		{-1, ""},
		{1, "info"},
		{3, "medium"},
		{5, "critical"},
		{9, "critical"},
	}
	for _, tt := range tests {
		if got := SeverityName(tt.rank); got != tt.want {
			t.Errorf("SeverityName(%d) = %q, want %q", tt.rank, got, tt.want)
		}
	}
}

func TestMode(t *testing.T) {
	tests := []struct {
		a, b, want Mode
	}{
		{ModeEnforce, ModeObserve, ModeObserve},
		{ModeAdvisory, ModeEnforce, ModeAdvisory},
		{ModeEnforce, "", ModeEnforce},
		{"", ModeAdvisory, ModeAdvisory},
		{ModeObserve, ModeObserve, ModeObserve},
	}
	for _, tt := range tests {
		if got := MinMode(tt.a, tt.b); got != tt.want {
			t.Errorf("MinMode(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}

	if m, err := ParseMode(" Enforce "); err != nil || m != ModeEnforce {
		t.Errorf("ParseMode = %q, %v", m, err)
	}
	if _, err := ParseMode("strict"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestInput_Document(t *testing.T) {
	in := Input{
		User:      "alice",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Hour:      3,
		Config:    UsageConfig{Mode: ModeAdvisory, DailyThreshold: 50, UsagePercent: 10},
		Extra:     map[string]any{"user": "mallory", "team": "blue"},
	}

	doc := in.Document(false)
	if _, ok := doc["timestamp"]; ok {
		t.Error("timestamp must be omitted from key documents")
	}
	if doc["user"] != "alice" {
		t.Errorf("extra fields must not replace core fields, user = %v", doc["user"])
	}
	if doc["team"] != "blue" {
		t.Error("extra fields must be merged")
	}
	cfg := doc["config"].(map[string]any)
	if cfg["mode"] != "advisory" || cfg["daily_threshold"] != 50 {
		t.Errorf("unexpected config %v", cfg)
	}

	doc = in.Document(true)
	if doc["timestamp"] != "2025-01-02T03:04:05Z" {
		t.Errorf("timestamp = %v", doc["timestamp"])
	}
}

func TestResult_Clone(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"top-level key", func(m map[string]any) { m["k"] = "changed" }},
		{"nested map", func(m map[string]any) { m["usage"].(map[string]any)["count"] = 99.0 }},
		{"nested slice", func(m map[string]any) { m["tags"].([]any)[0] = "changed" }},
		{"map inside slice", func(m map[string]any) { m["hits"].([]any)[0].(map[string]any)["rule"] = "changed" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Result{Metadata: map[string]any{
				"k":     "v",
				"usage": map[string]any{"count": 3.0},
				"tags":  []any{"pii"},
				"hits":  []any{map[string]any{"rule": "email"}},
			}}
			c := r.Clone()
			tt.mutate(c.Metadata)

			if r.Metadata["k"] != "v" ||
				r.Metadata["usage"].(map[string]any)["count"] != 3.0 ||
				r.Metadata["tags"].([]any)[0] != "pii" ||
				r.Metadata["hits"].([]any)[0].(map[string]any)["rule"] != "email" {
				t.Errorf("clone shares state with the original: %v", r.Metadata)
			}
		})
	}

	if (Result{}).Clone().Metadata != nil {
		t.Error("nil metadata must stay nil")
	}
}

func TestRegoUnit_InputPaths(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{"bedtime", bedtimePolicy, []string{"hour"}},
		{"privacy", piiPolicy, []string{"pii"}},
		{"config fields", `
package budget

import rego.v1

default allow := true

allow := false if input.config.threshold_exceeded

metadata := {"device": input.device, "mode": input.config.mode}
`, []string{"config.mode", "config.threshold_exceeded", "device"}},
		{"iterated messages", `
package words

import rego.v1

default allow := true

allow := false if {
	some m in input.messages
	contains(m.content, "secret")
}
`, []string{"messages"}},
		{"whole config", `
package whole

import rego.v1

default allow := true

allow := false if count(input.config) > 10
`, []string{"config"}},
		{"computed key", `
package dyn

import rego.v1

default allow := true

field := "hour"

allow := false if input[field] > 20
`, nil},
		{"whole input", `
package raw

import rego.v1

default allow := true

allow := false if count(input) == 0
`, nil},
		{"no input", `
package fixed

import rego.v1

allow := true
`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, u := compile(t, tt.name, tt.source)
			got := u.(InputReader).InputPaths()
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("InputPaths() = %#v, want %#v", got, tt.want)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("InputPaths() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNarrow(t *testing.T) {
	doc := Input{
		Device:       "laptop",
		Hour:         22,
		RequestCount: 17,
		Config:       UsageConfig{Mode: ModeEnforce, DailyThreshold: 50, ThresholdExceeded: true, UsagePercent: 34},
		Extra:        map[string]any{"team": "blue"},
	}.Document(false)

	tests := []struct {
		name  string
		paths []string
		want  map[string]any
	}{
		{"unknown reads", nil, doc},
		{"no reads", []string{}, map[string]any{}},
		{"top-level", []string{"device", "hour", "team"}, map[string]any{"device": "laptop", "hour": 22, "team": "blue"}},
		{
			"config field",
			[]string{"config.threshold_exceeded", "hour"},
			map[string]any{"hour": 22, "config": map[string]any{"threshold_exceeded": true}},
		},
		{"whole config wins", []string{"config", "config.mode"}, map[string]any{"config": doc["config"]}},
		{"missing field", []string{"nope", "config.nope"}, map[string]any{"config": map[string]any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Narrow(doc, tt.paths); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Narrow() = %v, want %v", got, tt.want)
			}
		})
	}
}
