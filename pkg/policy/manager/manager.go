package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/policy/engine"
	"mercator-hq/warden/pkg/policy/git"
)

// ReloadResult summarises one pass over the policy directory.
type ReloadResult struct {
	// Loaded lists policies that compiled and are active.
	Loaded []string

	// Removed lists policies unloaded because their file disappeared.
	Removed []string

	// Failed maps policy names to load or compile errors. A failed policy
	// keeps its previous version active.
	Failed map[string]error

	At       time.Time
	Duration time.Duration
}

// Err returns the failures as a single error, or nil.
func (r ReloadResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)

	list := &ErrorList{}
	for _, name := range names {
		list.Add(r.Failed[name])
	}
	return list.ToError()
}

// Manager keeps an Evaluator in sync with the policy directory, optionally
// fed from a Git repository, and hot-reloads on change.
type Manager struct {
	cfg       *config.PolicyConfig
	evaluator *Evaluator
	loader    *PolicyLoader
	logger    *slog.Logger

	repo        *git.Repository
	gitWatcher  *git.Watcher
	fileWatcher *FileWatcher

	// reloadMu serialises reloads triggered by the file watcher, the git
	// watcher and operators.
	reloadMu  sync.Mutex
	owned     map[string]struct{}
	last      ReloadResult
	listeners []func(ReloadResult)

	wg sync.WaitGroup
}

// NewManager creates a manager for cfg that publishes into evaluator.
func NewManager(cfg *config.PolicyConfig, evaluator *Evaluator) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator cannot be nil")
	}

	m := &Manager{
		cfg:       cfg,
		evaluator: evaluator,
		loader:    NewPolicyLoader(nil),
		logger:    slog.Default().With("component", "policy_manager"),
		owned:     make(map[string]struct{}),
	}

	if cfg.Git.Enabled {
		repo, err := git.NewRepository(&cfg.Git, cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("failed to create git repository: %w", err)
		}
		m.repo = repo
	}

	return m, nil
}

// Evaluator returns the evaluator the manager publishes into.
func (m *Manager) Evaluator() *Evaluator {
	return m.evaluator
}

// PolicyDir returns the directory policies are read from.
func (m *Manager) PolicyDir() string {
	if m.repo != nil {
		return m.repo.PolicyPath()
	}
	return m.cfg.Directory
}

// OnReload registers fn to be called after every reload.
func (m *Manager) OnReload(fn func(ReloadResult)) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// LastReload returns the result of the most recent reload.
func (m *Manager) LastReload() ReloadResult {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	return m.last
}

// Start clones the policy repository when configured, performs the initial
// load and starts the configured watchers. Compile failures during the
// initial load are logged and reported through LastReload; they do not stop
// the remaining policies from loading.
func (m *Manager) Start(ctx context.Context) error {
	if m.repo != nil {
		if err := m.repo.Clone(ctx); err != nil {
			return err
		}
	}

	res, err := m.Reload(ctx)
	if err != nil {
		return err
	}
	if ferr := res.Err(); ferr != nil {
		m.logger.Error("some policies failed to load", "failed", len(res.Failed), "error", ferr)
	}

	if m.repo != nil && m.cfg.Git.PollInterval > 0 {
		m.gitWatcher = git.NewWatcher(m.repo, m.cfg.Git.PollInterval, func(ctx context.Context, _ string) error {
			res, err := m.Reload(ctx)
			if err != nil {
				return err
			}
			return res.Err()
		})
		if err := m.gitWatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start git watcher: %w", err)
		}
	}

	if m.cfg.Watch {
		fw, err := NewFileWatcher(FileWatcherConfig{
			Path:             m.PolicyDir(),
			DebounceInterval: m.cfg.WatchDebounce,
			Loader:           m.loader,
		})
		if err != nil {
			return err
		}
		m.fileWatcher = fw

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			err := fw.Watch(ctx, func(ctx context.Context) error {
				_, err := m.Reload(ctx)
				return err
			})
			if err != nil {
				m.logger.Error("policy file watcher exited", "error", err)
			}
		}()
	}

	return nil
}

// Stop stops the watchers.
func (m *Manager) Stop() error {
	var errs []error
	if m.gitWatcher != nil {
		m.gitWatcher.Stop()
	}
	if m.fileWatcher != nil {
		errs = append(errs, m.fileWatcher.Stop())
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

// Reload reads the policy directory and publishes every policy in it.
// Policies whose files were removed are unloaded. The returned error is
// non-nil only when the directory itself cannot be read; per-policy
// failures are reported in the result.
func (m *Manager) Reload(ctx context.Context) (ReloadResult, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	start := time.Now()
	dir := m.PolicyDir()
	res := ReloadResult{At: start, Failed: make(map[string]error)}

	files, err := m.loader.LoadFromDirectory(dir)
	if err != nil {
		var le *LoadError
		if len(files) == 0 && errors.As(err, &le) && le.FilePath == dir {
			m.logger.Error("failed to read policy directory", "path", dir, "error", err)
			return res, err
		}
		recordLoadFailures(err, res.Failed)
	}

	present := make(map[string]struct{}, len(files)+len(res.Failed))
	for name := range res.Failed {
		present[name] = struct{}{}
	}

	for _, f := range files {
		present[f.Name] = struct{}{}
		if err := m.evaluator.Load(ctx, f.Name, f.Source); err != nil {
			res.Failed[f.Name] = err
			continue
		}
		res.Loaded = append(res.Loaded, f.Name)
	}

	for name := range m.owned {
		if _, ok := present[name]; ok {
			continue
		}
		if m.evaluator.Unload(name) {
			res.Removed = append(res.Removed, name)
		}
	}
	sort.Strings(res.Removed)
	m.owned = present

	res.Duration = time.Since(start)
	m.last = res

	m.logger.Info("policies reloaded",
		"path", dir,
		"loaded", len(res.Loaded),
		"removed", len(res.Removed),
		"failed", len(res.Failed),
		"duration_ms", res.Duration.Milliseconds(),
	)

	for _, fn := range m.listeners {
		fn(res)
	}
	return res, nil
}

// recordLoadFailures keys file-level load errors by policy name.
func recordLoadFailures(err error, failed map[string]error) {
	var errs []error
	var list *ErrorList
	if errors.As(err, &list) {
		errs = list.Errors
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		var le *LoadError
		if errors.As(e, &le) {
			failed[PolicyName(le.FilePath)] = e
		}
	}
}

// CompileFailures returns the names of policies in res that failed to
// compile, as opposed to failing to be read.
func CompileFailures(res ReloadResult) []string {
	var names []string
	for name, err := range res.Failed {
		if engine.IsCompileError(err) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
