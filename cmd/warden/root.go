package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/secrets"
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "/usr/local/etc/warden/config.yaml"

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - policy gateway for LLM API traffic",
	Long: `Warden intercepts requests to LLM provider APIs and governs them with
Rego policies.

Each request is classified (provider, model, prompt, PII), evaluated against
every loaded policy, and resolved to an enforcement action: allow, alert,
block, override or allowlist bypass. Decisions are recorded in an audit trail
and can raise alerts through webhooks, Gotify, Pushover, email or NATS.`,
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		cli.Failure(os.Stderr, "%v", err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the configuration named by --config with environment
// overrides applied and secret references resolved. When the default file
// does not exist the built-in defaults are used; an explicitly named file
// must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return nil, configError(err)
	}

	resolver, err := secrets.FromConfig(&cfg.Secrets)
	if err != nil {
		return nil, cli.NewConfigError("secrets.directory", err.Error(), err)
	}
	if err := resolver.ResolveConfig(cmd.Context(), cfg); err != nil {
		return nil, cli.NewConfigError("secrets", "unresolved secret references", err)
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	config.SetConfig(cfg)
	return cfg, nil
}

// configError converts a load failure into a ConfigError naming the first
// offending field.
func configError(err error) error {
	var verr config.ValidationError
	if errors.As(err, &verr) && len(verr.Errors) > 0 {
		first := verr.Errors[0]
		return cli.NewConfigError(first.Field, first.Message, err)
	}
	return cli.NewConfigError("", fmt.Sprintf("failed to load %s", cfgFile), err)
}
