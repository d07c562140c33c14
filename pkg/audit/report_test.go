package audit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/audit/storage"
)

func TestBuildReport(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)
	s := storage.NewMemoryStorage()

	rows := []struct {
		age    time.Duration
		action string
		policy string
		device string
	}{
		{40 * 24 * time.Hour, audit.ActionBlock, "old-policy", "laptop"},
		{5 * 24 * time.Hour, audit.ActionBlock, "no-secrets", "laptop"},
		{3 * 24 * time.Hour, audit.ActionBlock, "no-secrets", "tablet"},
		{50 * time.Hour, audit.ActionAllow, "", "tablet"},
		{2 * time.Hour, audit.ActionBlock, "budget", "tablet"},
		{time.Hour, audit.ActionAlert, "budget", "phone"},
	}
	for i, r := range rows {
		e := &audit.Event{
			ID:                fmt.Sprintf("evt-%d", i),
			RequestID:         fmt.Sprintf("req-%d", i),
			Timestamp:         now.Add(-r.age),
			SourceIP:          "10.0.0.2",
			Device:            r.device,
			Host:              "api.openai.com",
			EnforcementAction: r.action,
			PolicyName:        r.policy,
		}
		if err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store() failed: %v", err)
		}
	}
	for i, typ := range []string{audit.EventModeChange, audit.EventOverrideGrant, audit.EventModeChange} {
		err := s.StoreConfigEvent(ctx, &audit.ConfigEvent{
			Timestamp: now.Add(time.Duration(i-10) * time.Hour),
			EventType: typ,
			Details:   map[string]any{"n": float64(i)},
			Success:   true,
		})
		if err != nil {
			t.Fatalf("StoreConfigEvent() failed: %v", err)
		}
	}

	tests := []struct {
		name        string
		days        int
		wantTotal   int64
		wantBlocks  int
		wantDaily   int
		wantTop     string
		wantDevice  string
		wantTimeRow int
	}{
		{"weekly", 7, 5, 3, 4, "no-secrets", "tablet", 2},
		{"two days", 2, 2, 1, 2, "budget", "tablet", 2},
		{"monthly", 30, 5, 3, 4, "no-secrets", "tablet", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := audit.BuildReport(ctx, s, tt.days, now)
			if err != nil {
				t.Fatalf("BuildReport() failed: %v", err)
			}
			if r.Days != tt.days || !r.End.Equal(now) || !r.Start.Equal(now.AddDate(0, 0, -tt.days)) {
				t.Errorf("period = %d %s..%s", r.Days, r.Start, r.End)
			}
			if r.Summary.Total != tt.wantTotal {
				t.Errorf("Summary.Total = %d, want %d", r.Summary.Total, tt.wantTotal)
			}
			if len(r.RecentBlocks) != tt.wantBlocks {
				t.Errorf("RecentBlocks = %d, want %d", len(r.RecentBlocks), tt.wantBlocks)
			}
			if len(r.Daily) != tt.wantDaily {
				t.Errorf("Daily = %+v, want %d days", r.Daily, tt.wantDaily)
			}
			if len(r.TopPolicies) == 0 || r.TopPolicies[0].Policy != tt.wantTop {
				t.Errorf("TopPolicies = %+v, want %s first", r.TopPolicies, tt.wantTop)
			}
			if got := r.MostBlockedDevice(); got != tt.wantDevice {
				t.Errorf("MostBlockedDevice() = %q, want %q", got, tt.wantDevice)
			}
			if len(r.Timeline) != tt.wantTimeRow {
				t.Errorf("Timeline = %d events, want %d", len(r.Timeline), tt.wantTimeRow)
			}
			if len(r.ModeChanges) != 2 {
				t.Fatalf("ModeChanges = %d, want 2", len(r.ModeChanges))
			}
			for _, c := range r.ModeChanges {
				if c.EventType != audit.EventModeChange {
					t.Errorf("ModeChanges holds %s", c.EventType)
				}
			}
		})
	}
}

func TestBuildReport_InvalidDays(t *testing.T) {
	for _, days := range []int{0, -7} {
		t.Run(fmt.Sprint(days), func(t *testing.T) {
			if _, err := audit.BuildReport(context.Background(), storage.NewMemoryStorage(), days, time.Now()); err == nil {
				t.Error("BuildReport() succeeded")
			}
		})
	}
}
