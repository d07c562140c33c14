package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Provider that does not hold the secret.
var ErrNotFound = errors.New("secret not found")

// Provider retrieves secrets from one source.
type Provider interface {
	// GetSecret returns the value of name, or an error wrapping
	// ErrNotFound when the source does not hold it.
	GetSecret(ctx context.Context, name string) (string, error)

	// Provider names the source ("env", "file").
	Provider() string
}
