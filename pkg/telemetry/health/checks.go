package health

import (
	"context"
	"errors"
	"fmt"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/policy/manager"
)

// ErrPoliciesNotLoaded is reported before the first policy reload finished.
var ErrPoliciesNotLoaded = errors.New("policies not loaded yet")

// StorageCheck verifies that the audit store answers queries.
func StorageCheck(s audit.Storage) CheckFunc {
	return func(ctx context.Context) error {
		if _, err := s.Query(ctx, &audit.Query{Limit: 1}); err != nil {
			return fmt.Errorf("audit storage: %w", err)
		}
		return nil
	}
}

// ReloadReporter exposes the outcome of the latest policy reload.
type ReloadReporter interface {
	LastReload() manager.ReloadResult
}

// PoliciesCheck fails until the first reload completed, and when the last
// reload left no policy active because every file failed.
func PoliciesCheck(r ReloadReporter) CheckFunc {
	return func(context.Context) error {
		res := r.LastReload()
		if res.At.IsZero() {
			return ErrPoliciesNotLoaded
		}
		if len(res.Loaded) == 0 && len(res.Failed) > 0 {
			return fmt.Errorf("no policies active: %w", res.Err())
		}
		return nil
	}
}
