package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/warden/pkg/audit"
)

// LastRun is the outcome of the most recent scheduled pass.
type LastRun struct {
	At     time.Time
	Result *Result
	Err    error
}

// Scheduler applies the retention policy to the audit trail on a cron
// schedule. A pass still running when the next one is due skips it.
type Scheduler struct {
	pruner *Pruner
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool

	lastMu sync.Mutex
	last   LastRun
}

// NewScheduler creates a scheduler for pruner.
func NewScheduler(pruner *Pruner) *Scheduler {
	return &Scheduler{
		pruner: pruner,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: slog.Default().With("component", "audit.scheduler"),
	}
}

// Start schedules pruning on the pruner's PruneSchedule, a standard
// five-field cron expression. An empty schedule leaves the trail to grow.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.pruner.config
	if cfg.PruneSchedule == "" {
		s.logger.Info("audit retention not scheduled, trail is kept until pruned by hand")
		return nil
	}
	if cfg.RetentionDays == 0 && cfg.MaxRecords == 0 {
		s.logger.Warn("audit retention scheduled without a limit, passes will delete nothing",
			"schedule", cfg.PruneSchedule)
	}

	if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", cfg.PruneSchedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.PruneSchedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("audit retention scheduled",
		"schedule", cfg.PruneSchedule,
		"retention_days", cfg.RetentionDays,
		"max_records", cfg.MaxRecords,
		"next_run", s.nextLocked(),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	res, err := s.pruner.Prune(ctx)

	s.lastMu.Lock()
	s.last = LastRun{At: time.Now(), Result: res, Err: err}
	s.lastMu.Unlock()

	if err != nil {
		s.logger.Error("scheduled audit pruning failed", "error", err)
		return
	}
	if res.Deleted() == 0 {
		s.logger.Debug("scheduled audit pruning found nothing to delete")
		return
	}
	s.logger.Info("scheduled audit pruning completed",
		"deleted", res.Deleted(),
		"by_age", res.ByAge,
		"by_count", res.ByCount,
		"blocks_deleted", res.ByAction[audit.ActionBlock],
		byActionGroup(res.ByAction),
		"duration_ms", res.Duration.Milliseconds(),
	)
}

// byActionGroup renders per-action counts as a log group in a stable order.
func byActionGroup(counts map[string]int64) slog.Attr {
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	attrs := make([]any, 0, len(actions))
	for _, a := range actions {
		attrs = append(attrs, slog.Int64(a, counts[a]))
	}
	return slog.Group("by_action", attrs...)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("audit retention stopped")
	}
}

// IsRunning reports whether passes are scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the outcome of the most recent pass. At is zero before the
// first pass.
func (s *Scheduler) Last() LastRun {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// NextRun returns the next scheduled pass, or nil when nothing is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() *time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
