package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherRunning is returned when Watch is called twice.
var ErrWatcherRunning = errors.New("watcher already running")

// FileWatcherConfig contains configuration for the file watcher.
type FileWatcherConfig struct {
	// Path is the policy directory to watch, including subdirectories.
	Path string

	// DebounceInterval is the quiet period after the last event before a
	// reload fires.
	DebounceInterval time.Duration

	// Loader decides which file events are relevant.
	Loader *PolicyLoader
}

// FileWatcher triggers policy reloads when files under a directory change.
// Bursts of events (editors writing temp files, git checkouts) collapse
// into a single reload.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	config   FileWatcherConfig
	debounce *Debouncer
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileWatcher creates a file watcher. Watch must be called to start it.
func NewFileWatcher(cfg FileWatcherConfig) (*FileWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch path cannot be empty")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.Loader == nil {
		cfg.Loader = NewPolicyLoader(nil)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  w,
		config:   cfg,
		debounce: NewDebouncer(cfg.DebounceInterval),
		logger:   slog.Default().With("component", "policy_watcher"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks, invoking onReload after each burst of relevant file events,
// until ctx is cancelled or Stop is called.
func (fw *FileWatcher) Watch(ctx context.Context, onReload func(context.Context) error) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return ErrWatcherRunning
	}
	fw.running = true
	fw.mu.Unlock()
	defer close(fw.doneCh)

	if err := fw.addTree(fw.config.Path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fw.config.Path, err)
	}

	fw.logger.Info("watching policy directory",
		"path", fw.config.Path,
		"debounce_ms", fw.config.DebounceInterval.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-fw.stopCh:
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fw.addTree(event.Name); err != nil {
						fw.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			if !fw.relevant(event) {
				continue
			}

			fw.logger.Debug("policy file event", "path", event.Name, "op", event.Op.String())

			fw.debounce.Trigger(func() {
				if err := onReload(ctx); err != nil {
					fw.logger.Error("policy reload failed", "error", err)
				}
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			fw.logger.Error("file watcher error", "error", err)
		}
	}
}

// Stop stops the watcher and cancels any pending reload.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	running := fw.running
	fw.running = false
	fw.mu.Unlock()

	if running {
		close(fw.stopCh)
		<-fw.doneCh
	}

	fw.debounce.Stop()
	return fw.watcher.Close()
}

func (fw *FileWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// relevant reports whether event may change the loaded policy set. Removes
// and renames of policy files count, as do writes.
func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return fw.config.Loader.IsPolicyFile(event.Name)
}

// Debouncer runs the most recently triggered callback once no new trigger
// has arrived for the configured interval.
type Debouncer struct {
	interval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

// NewDebouncer creates a debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		d.callback = nil
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels any pending callback. Further triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
