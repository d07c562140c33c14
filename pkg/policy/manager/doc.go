// Package manager owns the set of loaded policies and evaluates requests
// against it.
//
// The Evaluator holds compiled policies in a copy-on-write table that is
// swapped atomically, so evaluation never waits on a reload. Each
// evaluation first consults the decision cache; identical concurrent misses
// are collapsed into a single capability call, and every call runs under a
// bounded deadline. Loading a new version of a policy bumps its generation,
// which is folded into the cache key so stale decisions are never served.
//
// The Manager keeps the Evaluator in sync with a directory of .rego files:
//
//	eval := manager.NewEvaluatorFromConfig(&cfg.Policies, engine.NewRegoCapability())
//	mgr, err := manager.NewManager(&cfg.Policies, eval)
//	if err != nil {
//		return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//		return err
//	}
//	defer mgr.Stop()
//
// A policy that fails to compile leaves its previous version active. When
// the directory is a Git checkout the Manager also pulls on an interval and
// rolls the checkout back if the new commit does not load cleanly.
package manager
