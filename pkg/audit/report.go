package audit

import (
	"context"
	"fmt"
	"time"
)

// Report sizes.
const (
	ReportTopPolicies  = 10
	ReportRecentBlocks = 10
	ReportModeChanges  = 20
	ReportTimeline     = 50

	// ReportTimelineWindow is how far back the decision timeline reaches.
	ReportTimelineWindow = 24 * time.Hour
)

// Report is an enforcement summary over a period of whole days, typically 7
// for a weekly report or 30 for a monthly one.
type Report struct {
	Days        int       `json:"days"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	GeneratedAt time.Time `json:"generated_at"`

	Summary      *Stats         `json:"summary"`
	Daily        []DailyStats   `json:"daily"`
	TopPolicies  []PolicyBlocks `json:"top_policies"`
	RecentBlocks []*Event       `json:"recent_blocks"`

	// Timeline holds the latest decisions of the last 24 hours, newest first.
	Timeline []*Event `json:"timeline"`

	// ModeChanges is the enforcement mode history, newest first. It is not
	// limited to the period.
	ModeChanges []*ConfigEvent `json:"mode_changes"`
}

// BuildReport summarises the days before now from s.
func BuildReport(ctx context.Context, s Storage, days int, now time.Time) (*Report, error) {
	if days <= 0 {
		return nil, fmt.Errorf("report period must be at least one day, got %d", days)
	}

	start := now.AddDate(0, 0, -days)
	r := &Report{
		Days:        days,
		Start:       start,
		End:         now,
		GeneratedAt: now,
	}

	var err error
	if r.Summary, err = s.Stats(ctx, &start, &now); err != nil {
		return nil, err
	}
	if r.Daily, err = s.DailyStats(ctx, &start); err != nil {
		return nil, err
	}
	if r.TopPolicies, err = s.TopBlockingPolicies(ctx, &start, ReportTopPolicies); err != nil {
		return nil, err
	}
	if r.RecentBlocks, err = s.Query(ctx, &Query{
		StartTime:         &start,
		EnforcementAction: ActionBlock,
		Limit:             ReportRecentBlocks,
	}); err != nil {
		return nil, err
	}

	since := now.Add(-ReportTimelineWindow)
	if r.Timeline, err = s.Query(ctx, &Query{StartTime: &since, Limit: ReportTimeline}); err != nil {
		return nil, err
	}
	if r.ModeChanges, err = s.ConfigEvents(ctx, EventModeChange, ReportModeChanges); err != nil {
		return nil, err
	}
	return r, nil
}

// MostBlockedDevice returns the device key with the most blocks among the
// recent blocks, or "" when there are none.
func (r *Report) MostBlockedDevice() string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, e := range r.RecentBlocks {
		k := e.DeviceKey()
		counts[k]++
		if n := counts[k]; n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}
