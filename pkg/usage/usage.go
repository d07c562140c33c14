// Package usage counts requests per device per calendar day and compares
// them against the configured daily threshold.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mercator-hq/warden/pkg/audit"
)

// Status describes a device's usage for the current day.
type Status struct {
	Count     int
	Threshold int
	Exceeded  bool
	Percent   float64
	Remaining int
	Reset     time.Time // Start of the next day
}

// Percent returns count as a percentage of threshold, capped at 100.
// A threshold of zero or less is exceeded by any request, so it reports
// 100 once count is positive and 0 before that.
func Percent(count, threshold int) float64 {
	if count <= 0 {
		return 0
	}
	if threshold <= 0 {
		return 100
	}
	p := float64(count) / float64(threshold) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Exceeded reports whether count is over threshold. A threshold of zero or
// less is exceeded by any request.
func Exceeded(count, threshold int) bool {
	if threshold <= 0 {
		return count > 0
	}
	return count > threshold
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithLocation sets the time zone that defines a day.
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) { c.loc = loc }
}

// Counter tracks per-device request counts for the current day. Counts
// reset when the day changes.
type Counter struct {
	threshold int
	now       func() time.Time
	loc       *time.Location
	logger    *slog.Logger

	mu     sync.Mutex
	day    time.Time
	counts map[string]int
}

// NewCounter creates a counter for the given daily threshold.
func NewCounter(threshold int, opts ...Option) *Counter {
	c := &Counter{
		threshold: threshold,
		now:       time.Now,
		loc:       time.Local,
		logger:    slog.Default().With("component", "usage"),
		counts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Increment counts one request for device and returns its status,
// including the request just counted.
func (c *Counter) Increment(device string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollLocked()
	c.counts[device]++
	return c.statusLocked(c.counts[device])
}

// Status returns the device's status without counting a request.
func (c *Counter) Status(device string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollLocked()
	return c.statusLocked(c.counts[device])
}

// Devices returns the number of devices seen today.
func (c *Counter) Devices() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollLocked()
	return len(c.counts)
}

// Seed loads today's counts from the audit trail so that a restart does
// not reset usage. Events are read oldest first in pages.
func (c *Counter) Seed(ctx context.Context, store audit.Storage) error {
	c.mu.Lock()
	c.rollLocked()
	start := c.day
	c.mu.Unlock()

	counts := make(map[string]int)
	q := &audit.Query{StartTime: &start, SortOrder: "asc", Limit: audit.MaxLimit}
	for {
		events, err := store.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("seed usage counts: %w", err)
		}
		for _, e := range events {
			counts[e.DeviceKey()]++
		}
		if len(events) < q.Limit {
			break
		}
		q.Offset += len(events)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.day.Equal(start) {
		return nil
	}
	for device, n := range counts {
		c.counts[device] += n
	}
	c.logger.Info("usage counts seeded from audit trail", "devices", len(counts), "day", start.Format(time.DateOnly))
	return nil
}

func (c *Counter) rollLocked() {
	now := c.now().In(c.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	if !day.Equal(c.day) {
		if !c.day.IsZero() {
			c.logger.Debug("usage day rolled over", "devices", len(c.counts))
		}
		c.day = day
		c.counts = make(map[string]int)
	}
}

func (c *Counter) statusLocked(count int) Status {
	remaining := c.threshold - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:     count,
		Threshold: c.threshold,
		Exceeded:  Exceeded(count, c.threshold),
		Percent:   Percent(count, c.threshold),
		Remaining: remaining,
		Reset:     c.day.AddDate(0, 0, 1),
	}
}
