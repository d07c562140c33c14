package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"mercator-hq/warden/pkg/config"
)

// refPattern matches ${secret:name} references.
var refPattern = regexp.MustCompile(`\$\{secret:([^}]*)\}`)

// Resolver looks secrets up in its providers in order.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver that tries providers in order.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    slog.Default().With("component", "secrets"),
	}
}

// FromConfig builds the resolver described by cfg: the secrets directory,
// when set, followed by the environment.
func FromConfig(cfg *config.SecretsConfig) (*Resolver, error) {
	var providers []Provider
	if cfg.Directory != "" {
		fp, err := NewFileProvider(cfg.Directory)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fp)
	}
	prefix := cfg.EnvPrefix
	if prefix == "" {
		prefix = config.DefaultSecretsEnvPrefix
	}
	providers = append(providers, NewEnvProvider(prefix))
	return NewResolver(providers...), nil
}

// GetSecret returns the value from the first provider holding name.
func (r *Resolver) GetSecret(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("empty secret name")
	}
	for _, p := range r.providers {
		value, err := p.GetSecret(ctx, name)
		if err == nil {
			r.logger.Debug("secret resolved", "name", name, "provider", p.Provider())
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%s provider: %w", p.Provider(), err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Resolve replaces every reference in s. Strings without references are
// returned unchanged. All unresolvable references are reported together.
func (r *Resolver) Resolve(ctx context.Context, s string) (string, error) {
	var errs []error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		value, err := r.GetSecret(ctx, name)
		if err != nil {
			errs = append(errs, err)
			return match
		}
		return value
	})
	return out, errors.Join(errs...)
}

// ResolveConfig resolves references in the credential fields of cfg in
// place: the policy repository token, alert channel tokens and keys, the
// SMTP credentials, the NATS URL and webhook header values.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := map[string]*string{
		"policies.git.token":        &cfg.Policies.Git.Token,
		"alerts.gotify.token":       &cfg.Alerts.Gotify.Token,
		"alerts.pushover.user_key":  &cfg.Alerts.Pushover.UserKey,
		"alerts.pushover.api_token": &cfg.Alerts.Pushover.APIToken,
		"alerts.email.username":     &cfg.Alerts.Email.Username,
		"alerts.email.password":     &cfg.Alerts.Email.Password,
		"alerts.nats.url":           &cfg.Alerts.NATS.URL,
	}

	var errs []error
	resolve := func(field string, dst *string) {
		v, err := r.Resolve(ctx, *dst)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = v
	}

	for field, dst := range fields {
		resolve(field, dst)
	}
	for i := range cfg.Alerts.Webhooks {
		wh := &cfg.Alerts.Webhooks[i]
		for k, v := range wh.Headers {
			resolved := v
			resolve(fmt.Sprintf("alerts.webhooks[%d].headers.%s", i, k), &resolved)
			wh.Headers[k] = resolved
		}
	}
	return errors.Join(errs...)
}
