package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/config"
)

// createTempDB creates a temporary SQLite database for testing.
func createTempDB(t *testing.T) (*SQLiteStorage, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	storage, err := NewSQLiteStorage(&SQLiteConfig{
		Path:         dbPath,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create SQLite storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage, dbPath
}

// backends runs fn against every storage implementation.
func backends(t *testing.T, fn func(t *testing.T, s audit.Storage)) {
	t.Run("sqlite", func(t *testing.T) {
		s, _ := createTempDB(t)
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStorage())
	})
}

var base = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func event(n int, action, provider, device string) *audit.Event {
	return &audit.Event{
		ID:                fmt.Sprintf("evt-%d", n),
		RequestID:         fmt.Sprintf("req-%d", n),
		Timestamp:         base.Add(time.Duration(n) * time.Minute),
		SourceIP:          "192.168.1.50",
		Device:            device,
		Provider:          provider,
		Host:              "api.openai.com",
		Method:            "POST",
		Path:              "/v1/chat/completions",
		StatusCode:        200,
		EnforcementAction: action,
	}
}

func seed(t *testing.T, s audit.Storage) {
	t.Helper()
	ctx := context.Background()
	events := []*audit.Event{
		event(1, audit.ActionAllow, "openai", "laptop"),
		event(2, audit.ActionBlock, "openai", "tablet"),
		event(3, audit.ActionAlert, "anthropic", "laptop"),
		event(4, audit.ActionBlock, "anthropic", "tablet"),
		event(5, audit.ActionAllow, "gemini", "laptop"),
	}
	for _, e := range events {
		if err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store(%s) failed: %v", e.RequestID, err)
		}
	}
}

func TestStorage_StoreAndQuery(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		ctx := context.Background()

		e := event(1, audit.ActionBlock, "openai", "laptop")
		e.PolicyName = "bedtime"
		e.PolicyDecision = "deny"
		e.PolicyMode = "enforce"
		e.Reason = "after hours"
		e.LatencyMS = 12
		e.Error = "boom"
		e.Metadata = map[string]any{"severity": "high"}

		if err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store() failed: %v", err)
		}

		got, err := s.Query(ctx, &audit.Query{RequestID: "req-1"})
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("Query() returned %d events, want 1", len(got))
		}

		r := got[0]
		if !r.Timestamp.Equal(e.Timestamp) {
			t.Errorf("Timestamp = %v, want %v", r.Timestamp, e.Timestamp)
		}
		if r.PolicyName != "bedtime" || r.PolicyMode != "enforce" || r.Reason != "after hours" {
			t.Errorf("policy fields not round-tripped: %+v", r)
		}
		if r.Error != "boom" || r.LatencyMS != 12 {
			t.Errorf("Error = %q, LatencyMS = %d", r.Error, r.LatencyMS)
		}
		if r.Metadata["severity"] != "high" {
			t.Errorf("Metadata = %v", r.Metadata)
		}
	})
}

func TestStorage_DuplicateRequest(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		ctx := context.Background()
		if err := s.Store(ctx, event(1, audit.ActionAllow, "openai", "")); err != nil {
			t.Fatalf("Store() failed: %v", err)
		}

		dup := event(1, audit.ActionBlock, "openai", "")
		dup.ID = "another-id"
		err := s.Store(ctx, dup)
		if !errors.Is(err, audit.ErrDuplicateRequest) {
			t.Fatalf("Store(duplicate) error = %v, want ErrDuplicateRequest", err)
		}

		var storageErr *audit.StorageError
		if !errors.As(err, &storageErr) {
			t.Errorf("error should be a StorageError, got %T", err)
		}

		n, _ := s.Count(ctx, &audit.Query{})
		if n != 1 {
			t.Errorf("Count() = %d, want 1", n)
		}
	})
}

func TestStorage_Filters(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seed(t, s)
		ctx := context.Background()

		start := base.Add(2 * time.Minute)
		end := base.Add(4 * time.Minute)

		tests := []struct {
			name  string
			query audit.Query
			want  []string
			count int64
		}{
			{"all newest first", audit.Query{}, []string{"req-5", "req-4", "req-3", "req-2", "req-1"}, 5},
			{"ascending", audit.Query{SortOrder: "asc", Limit: 2}, []string{"req-1", "req-2"}, 5},
			{"by action", audit.Query{EnforcementAction: audit.ActionBlock}, []string{"req-4", "req-2"}, 2},
			{"by provider", audit.Query{Provider: "anthropic"}, []string{"req-4", "req-3"}, 2},
			{"by device", audit.Query{Device: "laptop", Limit: 2}, []string{"req-5", "req-3"}, 3},
			{"time range", audit.Query{StartTime: &start, EndTime: &end}, []string{"req-4", "req-3", "req-2"}, 3},
			{"offset", audit.Query{Limit: 2, Offset: 3}, []string{"req-2", "req-1"}, 5},
			{"offset past end", audit.Query{Offset: 10}, nil, 5},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				q := tt.query
				got, err := s.Query(ctx, &q)
				if err != nil {
					t.Fatalf("Query() failed: %v", err)
				}
				if got == nil {
					t.Fatal("Query() returned nil slice")
				}
				if len(got) != len(tt.want) {
					t.Fatalf("Query() returned %d events, want %d", len(got), len(tt.want))
				}
				for i, e := range got {
					if e.RequestID != tt.want[i] {
						t.Errorf("event[%d] = %s, want %s", i, e.RequestID, tt.want[i])
					}
				}

				q.Limit, q.Offset = 0, 0
				n, err := s.Count(ctx, &q)
				if err != nil {
					t.Fatalf("Count() failed: %v", err)
				}
				if n != tt.count {
					t.Errorf("Count() = %d, want %d", n, tt.count)
				}
			})
		}
	})
}

func TestStorage_Stats(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seed(t, s)
		ctx := context.Background()

		stats, err := s.Stats(ctx, nil, nil)
		if err != nil {
			t.Fatalf("Stats() failed: %v", err)
		}
		if stats.Total != 5 {
			t.Errorf("Total = %d, want 5", stats.Total)
		}
		if stats.ByAction[audit.ActionBlock] != 2 || stats.ByAction[audit.ActionAllow] != 2 {
			t.Errorf("ByAction = %v", stats.ByAction)
		}
		if stats.ByProvider["anthropic"] != 2 || stats.ByProvider["gemini"] != 1 {
			t.Errorf("ByProvider = %v", stats.ByProvider)
		}
		if stats.BlockRate != 0.4 {
			t.Errorf("BlockRate = %v, want 0.4", stats.BlockRate)
		}
		if !stats.First.Equal(base.Add(time.Minute)) || !stats.Last.Equal(base.Add(5*time.Minute)) {
			t.Errorf("First/Last = %v/%v", stats.First, stats.Last)
		}

		since := base.Add(4 * time.Minute)
		ranged, err := s.Stats(ctx, &since, nil)
		if err != nil {
			t.Fatalf("Stats(since) failed: %v", err)
		}
		if ranged.Total != 2 || ranged.BlockRate != 0.5 {
			t.Errorf("ranged Total = %d, BlockRate = %v", ranged.Total, ranged.BlockRate)
		}
	})
}

func TestStorage_RecentBlocks(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seed(t, s)

		blocks, err := s.RecentBlocks(context.Background(), 1)
		if err != nil {
			t.Fatalf("RecentBlocks() failed: %v", err)
		}
		if len(blocks) != 1 || blocks[0].RequestID != "req-4" {
			t.Errorf("RecentBlocks(1) = %v", blocks)
		}
	})
}

func TestStorage_ConfigEvents(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		ctx := context.Background()

		for i, typ := range []string{audit.EventModeChange, audit.EventOverrideAttempt, audit.EventOverrideGrant} {
			ev := &audit.ConfigEvent{
				Timestamp: base.Add(time.Duration(i) * time.Second),
				EventType: typ,
				Actor:     "admin",
				SourceIP:  "10.0.0.1",
				Details:   map[string]any{"n": float64(i)},
				Success:   i != 1,
			}
			if err := s.StoreConfigEvent(ctx, ev); err != nil {
				t.Fatalf("StoreConfigEvent() failed: %v", err)
			}
			if ev.ID == 0 {
				t.Error("StoreConfigEvent() did not assign an ID")
			}
		}

		events, err := s.ConfigEvents(ctx, "", 2)
		if err != nil {
			t.Fatalf("ConfigEvents() failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("ConfigEvents(2) returned %d", len(events))
		}
		if events[0].EventType != audit.EventOverrideGrant || !events[0].Success {
			t.Errorf("events[0] = %+v", events[0])
		}
		if events[1].EventType != audit.EventOverrideAttempt || events[1].Success {
			t.Errorf("events[1] = %+v", events[1])
		}
		if events[1].Details["n"] != float64(1) {
			t.Errorf("Details = %v", events[1].Details)
		}

		modes, err := s.ConfigEvents(ctx, audit.EventModeChange, 10)
		if err != nil {
			t.Fatalf("ConfigEvents(mode_change) failed: %v", err)
		}
		if len(modes) != 1 || modes[0].EventType != audit.EventModeChange {
			t.Errorf("ConfigEvents(mode_change) = %v", modes)
		}
	})
}

func seedPolicies(t *testing.T, s audit.Storage) {
	t.Helper()
	ctx := context.Background()

	rows := []struct {
		day    int
		action string
		policy string
		device string
	}{
		{0, audit.ActionBlock, "no-secrets", "laptop"},
		{0, audit.ActionBlock, "no-secrets", "tablet"},
		{0, audit.ActionAllow, "", "laptop"},
		{1, audit.ActionBlock, "budget", "laptop"},
		{1, audit.ActionBlock, "no-secrets", "laptop"},
		{1, audit.ActionAlert, "budget", "phone"},
		{2, audit.ActionBlock, "budget", ""},
		{2, audit.ActionOverride, "budget", "laptop"},
	}
	for i, r := range rows {
		e := event(i+1, r.action, "openai", r.device)
		e.Timestamp = base.AddDate(0, 0, r.day).Add(time.Duration(i) * time.Minute)
		e.PolicyName = r.policy
		if err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store(%s) failed: %v", e.RequestID, err)
		}
	}
}

func TestStorage_BlocksByPolicy(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seedPolicies(t, s)

		stats, err := s.Stats(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("Stats() failed: %v", err)
		}
		want := map[string]int64{"no-secrets": 3, "budget": 2}
		if len(stats.BlocksByPolicy) != len(want) {
			t.Fatalf("BlocksByPolicy = %v, want %v", stats.BlocksByPolicy, want)
		}
		for policy, n := range want {
			if stats.BlocksByPolicy[policy] != n {
				t.Errorf("BlocksByPolicy[%s] = %d, want %d", policy, stats.BlocksByPolicy[policy], n)
			}
		}
	})
}

func TestStorage_DailyStats(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seedPolicies(t, s)
		ctx := context.Background()

		tests := []struct {
			name  string
			since *time.Time
			want  []audit.DailyStats
		}{
			{
				name: "all days",
				want: []audit.DailyStats{
					{Day: "2026-03-04", Total: 3, Allowed: 1, Blocked: 2, Devices: 2},
					{Day: "2026-03-05", Total: 3, Alerted: 1, Blocked: 2, Devices: 2},
					{Day: "2026-03-06", Total: 2, Blocked: 1, Overrides: 1, Devices: 2},
				},
			},
			{
				name:  "since the last day",
				since: ptr(base.AddDate(0, 0, 2).Add(-time.Hour)),
				want: []audit.DailyStats{
					{Day: "2026-03-06", Total: 2, Blocked: 1, Overrides: 1, Devices: 2},
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				days, err := s.DailyStats(ctx, tt.since)
				if err != nil {
					t.Fatalf("DailyStats() failed: %v", err)
				}
				if len(days) != len(tt.want) {
					t.Fatalf("DailyStats() = %+v, want %+v", days, tt.want)
				}
				for i := range tt.want {
					if days[i] != tt.want[i] {
						t.Errorf("day %d = %+v, want %+v", i, days[i], tt.want[i])
					}
				}
			})
		}
	})
}

func TestStorage_TopBlockingPolicies(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seedPolicies(t, s)
		ctx := context.Background()

		tests := []struct {
			name  string
			since *time.Time
			limit int
			want  []audit.PolicyBlocks
		}{
			{
				name:  "all",
				limit: 10,
				want: []audit.PolicyBlocks{
					{Policy: "no-secrets", Blocks: 3, Devices: 2},
					{Policy: "budget", Blocks: 2, Devices: 2},
				},
			},
			{
				name:  "limited",
				limit: 1,
				want:  []audit.PolicyBlocks{{Policy: "no-secrets", Blocks: 3, Devices: 2}},
			},
			{
				name:  "since second day",
				since: ptr(base.AddDate(0, 0, 1).Add(-time.Hour)),
				limit: 10,
				want: []audit.PolicyBlocks{
					{Policy: "budget", Blocks: 2, Devices: 2},
					{Policy: "no-secrets", Blocks: 1, Devices: 1},
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.TopBlockingPolicies(ctx, tt.since, tt.limit)
				if err != nil {
					t.Fatalf("TopBlockingPolicies() failed: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("TopBlockingPolicies() = %+v, want %+v", got, tt.want)
				}
				for i := range tt.want {
					if got[i] != tt.want[i] {
						t.Errorf("row %d = %+v, want %+v", i, got[i], tt.want[i])
					}
				}
			})
		}
	})
}

func ptr[T any](v T) *T { return &v }

func TestStorage_DeleteAndTrim(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		seed(t, s)
		ctx := context.Background()

		removed, err := s.Delete(ctx, base.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if removed != 2 {
			t.Errorf("Delete() removed %d, want 2", removed)
		}

		// A deleted request ID may be recorded again.
		if err := s.Store(ctx, event(1, audit.ActionAllow, "openai", "")); err != nil {
			t.Errorf("Store() after Delete failed: %v", err)
		}

		trimmed, err := s.Trim(ctx, 2)
		if err != nil {
			t.Fatalf("Trim() failed: %v", err)
		}
		if trimmed != 2 {
			t.Errorf("Trim() removed %d, want 2", trimmed)
		}

		left, _ := s.Query(ctx, &audit.Query{})
		if len(left) != 2 || left[0].RequestID != "req-5" || left[1].RequestID != "req-4" {
			t.Errorf("remaining = %v", left)
		}

		if n, _ := s.Trim(ctx, 0); n != 0 {
			t.Errorf("Trim(0) removed %d, want 0", n)
		}
	})
}

func TestSQLiteStorage_Views(t *testing.T) {
	s, _ := createTempDB(t)
	seed(t, s)

	var blocked int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM recent_blocks").Scan(&blocked); err != nil {
		t.Fatalf("query recent_blocks: %v", err)
	}
	if blocked != 2 {
		t.Errorf("recent_blocks rows = %d, want 2", blocked)
	}

	var day string
	var total, dayBlocked int
	if err := s.db.QueryRow("SELECT day, total, blocked FROM daily_stats").Scan(&day, &total, &dayBlocked); err != nil {
		t.Fatalf("query daily_stats: %v", err)
	}
	if day != "2026-03-04" || total != 5 || dayBlocked != 2 {
		t.Errorf("daily_stats = %s %d %d", day, total, dayBlocked)
	}

	var hours int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM hourly_stats").Scan(&hours); err != nil {
		t.Fatalf("query hourly_stats: %v", err)
	}
	if hours != 3 {
		t.Errorf("hourly_stats rows = %d, want 3 (one per provider)", hours)
	}
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	s, path := createTempDB(t)
	seed(t, s)
	s.Close()

	reopened, err := NewSQLiteStorage(&SQLiteConfig{Path: path, WALMode: true})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Count(context.Background(), &audit.Query{})
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count() after reopen = %d, want 5", n)
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.AuditConfig
		wantErr bool
	}{
		{"memory", config.AuditConfig{Backend: "memory"}, false},
		{"sqlite creates directory", config.AuditConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "nested", "audit.db")}}, false},
		{"unknown", config.AuditConfig{Backend: "postgres"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}

func TestStorage_EmptyStats(t *testing.T) {
	backends(t, func(t *testing.T, s audit.Storage) {
		stats, err := s.Stats(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("Stats() failed: %v", err)
		}
		if stats.Total != 0 || stats.BlockRate != 0 || !stats.First.IsZero() {
			t.Errorf("empty stats = %+v", stats)
		}
	})
}
