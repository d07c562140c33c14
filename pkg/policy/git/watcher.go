package git

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ReloadCallback reloads policies from policyPath. A non-nil error rolls
// the checkout back to the last commit that loaded cleanly.
type ReloadCallback func(ctx context.Context, policyPath string) error

// WatcherMetrics tracks watcher counters.
type WatcherMetrics struct {
	PollCount         int64
	SuccessfulReloads int64
	FailedReloads     int64
	SkippedPolls      int64
	LastReloadTime    time.Time
}

// Watcher polls a Repository and reloads policies when policy files change.
type Watcher struct {
	repo     *Repository
	interval time.Duration
	reloadFn ReloadCallback
	logger   *slog.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastGoodSHA string
	rejectedSHA string
	metrics     WatcherMetrics
}

// NewWatcher creates a watcher that pulls repo every interval.
func NewWatcher(repo *Repository, interval time.Duration, reloadFn ReloadCallback) *Watcher {
	return &Watcher{
		repo:     repo,
		interval: interval,
		reloadFn: reloadFn,
		logger:   slog.Default().With("component", "policy_git"),
	}
}

// Start records the current commit as known good and begins polling in the
// background until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("watcher already running")
	}

	commit, err := w.repo.CurrentCommit()
	if err != nil {
		return err
	}
	w.lastGoodSHA = commit.SHA
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.Info("git watcher started",
		"poll_interval", w.interval,
		"commit", commit.ShortSHA(),
	)

	go w.pollLoop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop stops polling and waits for an in-flight check to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
}

func (w *Watcher) pollLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := w.Check(ctx); err != nil {
				w.logger.Error("policy sync failed", "error", err)
			}
		}
	}
}

// Check pulls once and reloads when policy files changed.
func (w *Watcher) Check(ctx context.Context) error {
	w.mu.Lock()
	w.metrics.PollCount++
	w.mu.Unlock()

	result, err := w.repo.Pull(ctx)
	if err != nil {
		return err
	}
	if !result.HadChanges {
		return nil
	}

	w.mu.Lock()
	lastGood, rejected := w.lastGoodSHA, w.rejectedSHA
	w.mu.Unlock()

	if result.ToSHA == rejected {
		return w.repo.Rollback(lastGood)
	}

	if !hasPolicyChanges(result.ChangedFiles) {
		w.mu.Lock()
		w.metrics.SkippedPolls++
		w.lastGoodSHA = result.ToSHA
		w.mu.Unlock()
		return nil
	}

	w.logger.Info("policy changes pulled",
		"from", short(result.FromSHA),
		"to", short(result.ToSHA),
		"files", len(result.ChangedFiles),
	)

	if err := w.reloadFn(ctx, w.repo.PolicyPath()); err != nil {
		w.mu.Lock()
		w.metrics.FailedReloads++
		w.rejectedSHA = result.ToSHA
		w.mu.Unlock()

		w.logger.Error("policy reload failed, rolling back",
			"error", err,
			"rejected", short(result.ToSHA),
			"rollback_to", short(lastGood),
		)
		if rbErr := w.repo.Rollback(lastGood); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	w.mu.Lock()
	w.metrics.SuccessfulReloads++
	w.metrics.LastReloadTime = time.Now()
	w.lastGoodSHA = result.ToSHA
	w.rejectedSHA = ""
	w.mu.Unlock()
	return nil
}

// LastGoodSHA returns the commit policies were last loaded from.
func (w *Watcher) LastGoodSHA() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastGoodSHA
}

// Metrics returns a copy of the watcher counters.
func (w *Watcher) Metrics() WatcherMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func hasPolicyChanges(files []string) bool {
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), ".rego") {
			return true
		}
	}
	return false
}
