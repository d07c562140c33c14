package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"mercator-hq/warden/pkg/audit"
)

func TestParseTimeRange(t *testing.T) {
	start := time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		in        string
		wantStart *time.Time
		wantEnd   *time.Time
		wantErr   string
	}{
		{name: "empty", in: ""},
		{name: "closed", in: "2025-11-19T00:00:00Z/2025-11-20T00:00:00Z", wantStart: &start, wantEnd: &end},
		{name: "open end", in: "2025-11-19T00:00:00Z/", wantStart: &start},
		{name: "open start", in: "/2025-11-20T00:00:00Z", wantEnd: &end},
		{name: "no separator", in: "2025-11-19T00:00:00Z", wantErr: "must be start/end"},
		{name: "bad start", in: "yesterday/2025-11-20T00:00:00Z", wantErr: "invalid range start"},
		{name: "bad end", in: "2025-11-19T00:00:00Z/tomorrow", wantErr: "invalid range end"},
		{name: "reversed", in: "2025-11-20T00:00:00Z/2025-11-19T00:00:00Z", wantErr: "ends before it starts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd, err := parseTimeRange(tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTimeRange: %v", err)
			}
			if !sameTime(gotStart, tt.wantStart) {
				t.Errorf("start = %v, want %v", gotStart, tt.wantStart)
			}
			if !sameTime(gotEnd, tt.wantEnd) {
				t.Errorf("end = %v, want %v", gotEnd, tt.wantEnd)
			}
		})
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func TestTimeWindow_SinceOverridesStart(t *testing.T) {
	orig := auditFlags
	t.Cleanup(func() { auditFlags = orig })

	auditFlags.timeRange = "2025-11-19T00:00:00Z/2025-11-20T00:00:00Z"
	auditFlags.since = time.Hour
	now := time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)

	start, end, err := timeWindow(now)
	if err != nil {
		t.Fatalf("timeWindow: %v", err)
	}
	if want := now.Add(-time.Hour); start == nil || !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
	if end == nil || !end.Equal(time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}
}

func TestEventTable(t *testing.T) {
	events := eventTable{
		{
			Timestamp:         time.Date(2025, 3, 14, 22, 5, 0, 0, time.Local),
			SourceIP:          "192.168.1.20",
			Provider:          "openai",
			Host:              "api.openai.com",
			StatusCode:        403,
			PolicyName:        "bedtime",
			EnforcementAction: audit.ActionBlock,
			LatencyMS:         3,
			Reason:            "too late",
		},
		{
			Timestamp:         time.Date(2025, 3, 14, 10, 0, 0, 0, time.Local),
			SourceIP:          "192.168.1.21",
			Device:            "aa:bb:cc:dd:ee:ff",
			Provider:          "anthropic",
			Host:              "api.anthropic.com",
			StatusCode:        200,
			EnforcementAction: audit.ActionAllow,
			LatencyMS:         120,
		},
	}

	rows := events.Rows()
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if len(r) != len(events.Header()) {
			t.Fatalf("row has %d columns, header has %d", len(r), len(events.Header()))
		}
	}

	want := []string{"2025-03-14 22:05:00", "192.168.1.20", "openai", "api.openai.com", "block", "bedtime", "403", "3ms", "too late"}
	if !reflect.DeepEqual(rows[0], want) {
		t.Errorf("row 0 = %v, want %v", rows[0], want)
	}
	if rows[1][1] != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("source = %q, want the device key", rows[1][1])
	}
	if rows[1][5] != "-" {
		t.Errorf("policy = %q, want -", rows[1][5])
	}
}

func TestStatsTable(t *testing.T) {
	st := statsTable{&audit.Stats{
		Total:          5,
		ByAction:       map[string]int64{"block": 2, "allow": 3},
		ByProvider:     map[string]int64{"openai": 5},
		BlocksByPolicy: map[string]int64{"no-secrets": 1, "budget": 1},
	}}

	want := [][]string{
		{"total", "", "5"},
		{"action", "allow", "3"},
		{"action", "block", "2"},
		{"provider", "openai", "5"},
		{"blocked_by_policy", "budget", "1"},
		{"blocked_by_policy", "no-secrets", "1"},
	}
	if got := st.Rows(); !reflect.DeepEqual(got, want) {
		t.Errorf("Rows() = %v, want %v", got, want)
	}
}

func TestChangeTable(t *testing.T) {
	ct := changeTable{{
		Timestamp: time.Date(2025, 3, 14, 22, 5, 0, 0, time.Local),
		EventType: audit.EventOverrideGrant,
		Actor:     "cli:parent",
		SourceIP:  "192.168.1.20",
		Success:   true,
		Details:   map[string]any{"target": "*", "id": "abc"},
	}}

	rows := ct.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if got := rows[0][5]; got != "id=abc target=*" {
		t.Errorf("details = %q, want sorted key=value pairs", got)
	}
	if rows[0][4] != "true" {
		t.Errorf("success = %q", rows[0][4])
	}
}

func TestDailyAndPolicyTables(t *testing.T) {
	tests := []struct {
		name  string
		table interface {
			Header() []string
			Rows() [][]string
		}
		want [][]string
	}{
		{
			name:  "daily",
			table: dailyTable{{Day: "2026-03-04", Total: 9, Allowed: 5, Alerted: 1, Blocked: 2, Overrides: 1, Devices: 3}},
			want:  [][]string{{"2026-03-04", "9", "5", "1", "2", "1", "0", "0", "3"}},
		},
		{
			name:  "policies",
			table: policyTable{{Policy: "no-secrets", Blocks: 4, Devices: 2}, {Policy: "budget", Blocks: 1, Devices: 1}},
			want:  [][]string{{"no-secrets", "4", "2"}, {"budget", "1", "1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.table.Rows()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Rows() = %v, want %v", got, tt.want)
			}
			for _, row := range got {
				if len(row) != len(tt.table.Header()) {
					t.Errorf("row %v does not match header %v", row, tt.table.Header())
				}
			}
		})
	}
}

func TestWriteReport(t *testing.T) {
	now := time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)
	block := &audit.Event{
		Timestamp:         now.Add(-time.Hour),
		Device:            "tablet",
		Provider:          "openai",
		Host:              "api.openai.com",
		EnforcementAction: audit.ActionBlock,
		PolicyName:        "no-secrets",
		StatusCode:        403,
	}

	tests := []struct {
		name   string
		report *audit.Report
		want   []string
	}{
		{
			name: "populated",
			report: &audit.Report{
				Days:  7,
				Start: now.AddDate(0, 0, -7),
				End:   now,
				Summary: &audit.Stats{
					Total:     4,
					ByAction:  map[string]int64{audit.ActionBlock: 1, audit.ActionAllow: 3},
					BlockRate: 0.25,
				},
				Daily:        []audit.DailyStats{{Day: "2026-05-10", Total: 4, Allowed: 3, Blocked: 1, Devices: 2}},
				TopPolicies:  []audit.PolicyBlocks{{Policy: "no-secrets", Blocks: 1, Devices: 1}},
				RecentBlocks: []*audit.Event{block},
				Timeline:     []*audit.Event{block},
				ModeChanges: []*audit.ConfigEvent{{
					Timestamp: now.Add(-2 * time.Hour),
					EventType: audit.EventModeChange,
					Actor:     "cli",
					Details:   map[string]any{"to": "enforce"},
					Success:   true,
				}},
			},
			want: []string{"(7 days)", "Block rate: 25.0%", "Most blocked device: tablet", "2026-05-10", "no-secrets", "to=enforce"},
		},
		{
			name: "empty",
			report: &audit.Report{
				Days:    30,
				Start:   now.AddDate(0, 0, -30),
				End:     now,
				Summary: &audit.Stats{},
			},
			want: []string{"(30 days)", "No traffic in this period.", "No blocks in this period.", "has not been changed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeReport(&buf, tt.report); err != nil {
				t.Fatalf("writeReport: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("report missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}
