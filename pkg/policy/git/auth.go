package git

import (
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// AuthProvider supplies transport credentials for clone and pull.
type AuthProvider interface {
	// GetAuth returns the transport authentication method, or nil for
	// anonymous access.
	GetAuth() transport.AuthMethod

	// Type names the provider for logging.
	Type() string
}

// TokenAuth authenticates HTTPS remotes with a personal access token.
type TokenAuth struct {
	token string
}

// GetAuth returns HTTP basic auth with the token as password. Hosting
// providers ignore the username for token auth.
func (a *TokenAuth) GetAuth() transport.AuthMethod {
	return &http.BasicAuth{
		Username: "git",
		Password: a.token,
	}
}

// Type returns "token".
func (a *TokenAuth) Type() string { return "token" }

// NoAuth is used for public and local repositories.
type NoAuth struct{}

// GetAuth returns nil.
func (NoAuth) GetAuth() transport.AuthMethod { return nil }

// Type returns "none".
func (NoAuth) Type() string { return "none" }

// NewAuthProvider returns token auth when token is set and NoAuth otherwise.
func NewAuthProvider(token string) AuthProvider {
	if token == "" {
		return NoAuth{}
	}
	return &TokenAuth{token: token}
}
