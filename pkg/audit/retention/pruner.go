package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/config"
)

// Config contains configuration for the retention pruner.
type Config struct {
	// RetentionDays is the number of days to retain events.
	// 0 means keep events forever.
	RetentionDays int

	// PruneSchedule is a cron expression for scheduling pruning.
	// Example: "0 3 * * *" (daily at 3 AM)
	PruneSchedule string

	// MaxRecords is the maximum number of events to keep.
	// 0 means unlimited.
	MaxRecords int64
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: config.DefaultRetentionDays,
		PruneSchedule: config.DefaultRetentionSchedule,
	}
}

// ConfigFrom converts the retention section of the gateway configuration.
func ConfigFrom(cfg *config.RetentionConfig) *Config {
	return &Config{
		RetentionDays: cfg.RetentionDays,
		PruneSchedule: cfg.PruneSchedule,
		MaxRecords:    cfg.MaxRecords,
	}
}

// Pruner enforces retention on the audit trail.
type Pruner struct {
	storage audit.Storage
	config  *Config
	now     func() time.Time
	logger  *slog.Logger
}

// NewPruner creates a new retention pruner.
func NewPruner(storage audit.Storage, cfg *Config) *Pruner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Pruner{
		storage: storage,
		config:  cfg,
		now:     time.Now,
		logger:  slog.Default().With("component", "audit.retention"),
	}
}

// Result describes one pruning pass.
type Result struct {
	// ByAge counts events older than the retention period.
	ByAge int64

	// ByCount counts the oldest events beyond MaxRecords.
	ByCount int64

	// ByAction breaks the deleted events down by enforcement action. It is
	// nil when the trail could not be summarised.
	ByAction map[string]int64

	Duration time.Duration
}

// Deleted returns the number of events the pass removed.
func (r *Result) Deleted() int64 {
	return r.ByAge + r.ByCount
}

// Prune deletes events older than the retention period, then trims the
// oldest events beyond MaxRecords.
func (p *Pruner) Prune(ctx context.Context) (*Result, error) {
	started := p.now()
	res := &Result{}
	defer func() { res.Duration = p.now().Sub(started) }()

	before := p.summarise(ctx, started)

	if p.config.RetentionDays > 0 {
		cutoff := started.AddDate(0, 0, -p.config.RetentionDays)
		deleted, err := p.storage.Delete(ctx, cutoff)
		if err != nil {
			return res, NewPruneError("age", audit.NewRetentionError(p.config.RetentionDays, err))
		}
		res.ByAge = deleted
		p.logger.Debug("pruned events by age",
			"deleted_count", deleted,
			"cutoff_time", cutoff,
			"retention_days", p.config.RetentionDays,
		)
	}

	if p.config.MaxRecords > 0 {
		deleted, err := p.storage.Trim(ctx, p.config.MaxRecords)
		if err != nil {
			return res, NewPruneError("count", err)
		}
		res.ByCount = deleted
		p.logger.Debug("pruned events by count",
			"deleted_count", deleted,
			"max_records", p.config.MaxRecords,
		)
	}

	if res.Deleted() > 0 && before != nil {
		if after := p.summarise(ctx, started); after != nil {
			res.ByAction = make(map[string]int64)
			for action, n := range before.ByAction {
				if d := n - after.ByAction[action]; d > 0 {
					res.ByAction[action] = d
				}
			}
		}
	}

	return res, nil
}

// summarise counts events recorded up to until, so that events arriving
// during the pass do not offset the deletions. Failures only cost the
// per-action breakdown.
func (p *Pruner) summarise(ctx context.Context, until time.Time) *audit.Stats {
	stats, err := p.storage.Stats(ctx, nil, &until)
	if err != nil {
		p.logger.Warn("could not summarise audit trail", "error", err)
		return nil
	}
	return stats
}

// PruneError reports which pruning phase failed.
type PruneError struct {
	Phase string // "age" or "count"
	Cause error
}

// Error implements the error interface.
func (e *PruneError) Error() string {
	return fmt.Sprintf("prune by %s failed: %v", e.Phase, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *PruneError) Unwrap() error {
	return e.Cause
}

// NewPruneError creates a new PruneError.
func NewPruneError(phase string, cause error) *PruneError {
	return &PruneError{Phase: phase, Cause: cause}
}
