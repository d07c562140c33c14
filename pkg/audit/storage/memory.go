package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"mercator-hq/warden/pkg/audit"
)

// MemoryStorage implements audit.Storage with in-memory slices. It keeps
// the same ordering and uniqueness rules as the SQLite backend and is used
// when no database is configured and in tests.
type MemoryStorage struct {
	mu       sync.RWMutex
	events   []*audit.Event
	requests map[string]struct{}
	config   []*audit.ConfigEvent
	nextID   int64
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		requests: make(map[string]struct{}),
	}
}

// Store persists a copy of the event.
func (s *MemoryStorage) Store(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[event.RequestID]; ok {
		return audit.NewStorageError("memory", "store", fmt.Errorf("%w: %s", audit.ErrDuplicateRequest, event.RequestID))
	}
	s.requests[event.RequestID] = struct{}{}
	s.events = append(s.events, event.Clone())
	return nil
}

// StoreConfigEvent persists a copy of the configuration event and sets its ID.
func (s *MemoryStorage) StoreConfigEvent(_ context.Context, event *audit.ConfigEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event.ID = s.nextID
	c := *event
	c.Details = maps.Clone(event.Details)
	s.config = append(s.config, &c)
	return nil
}

// Query retrieves events matching the query filters.
func (s *MemoryStorage) Query(_ context.Context, query *audit.Query) ([]*audit.Event, error) {
	s.mu.RLock()
	results := s.filter(query)
	s.mu.RUnlock()

	asc := query.SortOrder == "asc"
	sort.SliceStable(results, func(i, j int) bool {
		if asc {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if !asc {
		// Equal timestamps come back newest insert first, as in SQLite.
		sortStableReverseTies(results)
	}

	start := query.Offset
	if start > len(results) {
		return []*audit.Event{}, nil
	}
	limit := audit.DefaultLimit
	if query.Limit > 0 {
		limit = query.Limit
	}
	end := start + limit
	if end > len(results) {
		end = len(results)
	}
	return results[start:end], nil
}

// Count returns the number of events matching the query filters.
func (s *MemoryStorage) Count(_ context.Context, query *audit.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filter(query))), nil
}

// Stats summarises events in the optional time range.
func (s *MemoryStorage) Stats(_ context.Context, since, until *time.Time) (*audit.Stats, error) {
	s.mu.RLock()
	events := s.filter(&audit.Query{StartTime: since, EndTime: until})
	s.mu.RUnlock()

	stats := &audit.Stats{
		ByAction:       make(map[string]int64),
		ByProvider:     make(map[string]int64),
		BlocksByPolicy: make(map[string]int64),
	}
	for _, e := range events {
		stats.Total++
		stats.ByAction[e.EnforcementAction]++
		stats.ByProvider[e.Provider]++
		if e.EnforcementAction == audit.ActionBlock && e.PolicyName != "" {
			stats.BlocksByPolicy[e.PolicyName]++
		}
		if stats.First.IsZero() || e.Timestamp.Before(stats.First) {
			stats.First = e.Timestamp
		}
		if e.Timestamp.After(stats.Last) {
			stats.Last = e.Timestamp
		}
	}
	if stats.Total > 0 {
		stats.BlockRate = float64(stats.ByAction[audit.ActionBlock]) / float64(stats.Total)
	}
	return stats, nil
}

// DailyStats buckets events by UTC day from the day of since onward.
func (s *MemoryStorage) DailyStats(_ context.Context, since *time.Time) ([]audit.DailyStats, error) {
	var from string
	if since != nil {
		from = since.UTC().Format(time.DateOnly)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[string]*audit.DailyStats)
	devices := make(map[string]map[string]struct{})
	for _, e := range s.events {
		day := e.Timestamp.UTC().Format(time.DateOnly)
		if day < from {
			continue
		}
		d, ok := byDay[day]
		if !ok {
			d = &audit.DailyStats{Day: day}
			byDay[day] = d
			devices[day] = make(map[string]struct{})
		}
		d.Total++
		switch e.EnforcementAction {
		case audit.ActionAllow:
			d.Allowed++
		case audit.ActionAlert:
			d.Alerted++
		case audit.ActionBlock:
			d.Blocked++
		case audit.ActionOverride:
			d.Overrides++
		case audit.ActionAllowlistBypass:
			d.Bypasses++
		case audit.ActionError:
			d.Errors++
		}
		devices[day][e.DeviceKey()] = struct{}{}
	}

	days := make([]audit.DailyStats, 0, len(byDay))
	for day, d := range byDay {
		d.Devices = int64(len(devices[day]))
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })
	return days, nil
}

// TopBlockingPolicies ranks policies by blocks since the cutoff.
func (s *MemoryStorage) TopBlockingPolicies(_ context.Context, since *time.Time, limit int) ([]audit.PolicyBlocks, error) {
	if limit <= 0 {
		limit = audit.DefaultLimit
	}

	s.mu.RLock()
	events := s.filter(&audit.Query{StartTime: since, EnforcementAction: audit.ActionBlock})
	s.mu.RUnlock()

	counts := make(map[string]*audit.PolicyBlocks)
	devices := make(map[string]map[string]struct{})
	for _, e := range events {
		if e.PolicyName == "" {
			continue
		}
		p, ok := counts[e.PolicyName]
		if !ok {
			p = &audit.PolicyBlocks{Policy: e.PolicyName}
			counts[e.PolicyName] = p
			devices[e.PolicyName] = make(map[string]struct{})
		}
		p.Blocks++
		devices[e.PolicyName][e.DeviceKey()] = struct{}{}
	}

	policies := make([]audit.PolicyBlocks, 0, len(counts))
	for name, p := range counts {
		p.Devices = int64(len(devices[name]))
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Blocks != policies[j].Blocks {
			return policies[i].Blocks > policies[j].Blocks
		}
		return policies[i].Policy < policies[j].Policy
	})
	if len(policies) > limit {
		policies = policies[:limit]
	}
	return policies, nil
}

// RecentBlocks returns up to limit of the most recent blocked events.
func (s *MemoryStorage) RecentBlocks(ctx context.Context, limit int) ([]*audit.Event, error) {
	return s.Query(ctx, &audit.Query{EnforcementAction: audit.ActionBlock, Limit: limit})
}

// ConfigEvents returns up to limit of the most recent configuration events,
// optionally of one type.
func (s *MemoryStorage) ConfigEvents(_ context.Context, eventType string, limit int) ([]*audit.ConfigEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = audit.DefaultLimit
	}
	out := []*audit.ConfigEvent{}
	for i := len(s.config) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType != "" && s.config[i].EventType != eventType {
			continue
		}
		c := *s.config[i]
		c.Details = maps.Clone(s.config[i].Details)
		out = append(out, &c)
	}
	return out, nil
}

// Delete removes events recorded before the cutoff.
func (s *MemoryStorage) Delete(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.events[:0]
	for _, e := range s.events {
		if e.Timestamp.Before(before) {
			delete(s.requests, e.RequestID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept

	keptConfig := s.config[:0]
	for _, c := range s.config {
		if !c.Timestamp.Before(before) {
			keptConfig = append(keptConfig, c)
		}
	}
	s.config = keptConfig

	return removed, nil
}

// Trim keeps only the newest max events. A max of zero or less is unlimited.
func (s *MemoryStorage) Trim(_ context.Context, max int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || int64(len(s.events)) <= max {
		return 0, nil
	}

	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].Timestamp.Before(s.events[j].Timestamp)
	})
	cut := int64(len(s.events)) - max
	for _, e := range s.events[:cut] {
		delete(s.requests, e.RequestID)
	}
	s.events = append([]*audit.Event(nil), s.events[cut:]...)
	return cut, nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

// filter returns copies of matching events in insertion order.
// Callers must hold s.mu.
func (s *MemoryStorage) filter(q *audit.Query) []*audit.Event {
	results := []*audit.Event{}
	for _, e := range s.events {
		if matches(e, q) {
			results = append(results, e.Clone())
		}
	}
	return results
}

func matches(e *audit.Event, q *audit.Query) bool {
	if q.StartTime != nil && e.Timestamp.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && e.Timestamp.After(*q.EndTime) {
		return false
	}
	checks := []struct{ want, got string }{
		{q.RequestID, e.RequestID},
		{q.SourceIP, e.SourceIP},
		{q.Device, e.Device},
		{q.Provider, e.Provider},
		{q.PolicyName, e.PolicyName},
		{q.EnforcementAction, e.EnforcementAction},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return false
		}
	}
	return true
}

// sortStableReverseTies reverses runs of equal timestamps.
func sortStableReverseTies(events []*audit.Event) {
	for i := 0; i < len(events); {
		j := i + 1
		for j < len(events) && events[j].Timestamp.Equal(events[i].Timestamp) {
			j++
		}
		for a, b := i, j-1; a < b; a, b = a+1, b-1 {
			events[a], events[b] = events[b], events[a]
		}
		i = j
	}
}
