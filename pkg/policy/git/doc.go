// Package git keeps a local checkout of a policy repository in sync with
// its remote.
//
// The repository is cloned into the configured policy directory and pulled
// on an interval by a Watcher. When a pull brings in changed .rego files
// the Watcher invokes a reload callback with the policy path; if the reload
// reports an error the checkout is rolled back to the last commit that
// loaded cleanly.
//
//	repo, err := git.NewRepository(&cfg.Policies.Git, cfg.Policies.Directory)
//	if err != nil {
//		return err
//	}
//	if err := repo.Clone(ctx); err != nil {
//		return err
//	}
//
//	w := git.NewWatcher(repo, cfg.Policies.Git.PollInterval, reload)
//	if err := w.Start(ctx); err != nil {
//		return err
//	}
//	defer w.Stop()
package git
