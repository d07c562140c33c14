package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/audit/recorder"
	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/enforcement"
	"mercator-hq/warden/pkg/policy/engine"
)

var overrideFlags struct {
	device   string
	target   string
	duration time.Duration
	reason   string
	actor    string
	format   string
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage override grants",
	Long: `Grant, list and revoke time-boxed overrides, and hash override passwords.

Grants are written to the enforcement state file (enforcement.state_path).
A running gateway picks them up on SIGHUP.`,
}

var overrideHashCmd = &cobra.Command{
	Use:   "hash [password]",
	Short: "Hash a password for the override or emergency settings",
	Long: `Print the sha256 hash of a password in the format expected by
enforcement.override.password_hash and enforcement.emergency.password_hash.
The password is read from standard input when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOverrideHash,
}

var overrideGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant an override to a device",
	Long: `Grant a device a time-boxed override for one policy, one endpoint or
everything.

Examples:
  # Ten minutes of unrestricted access
  warden override grant --device 192.168.1.20 --duration 10m

  # Lift only the bedtime policy for an hour
  warden override grant --device 192.168.1.20 --target bedtime --duration 1h --reason homework`,
	RunE: runOverrideGrant,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active overrides",
	RunE:  runOverrideList,
}

var overrideRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideRevoke,
}

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideHashCmd, overrideGrantCmd, overrideListCmd, overrideRevokeCmd)

	overrideCmd.PersistentFlags().StringVar(&overrideFlags.actor, "actor", defaultActor(), "name recorded in the audit trail")

	f := overrideGrantCmd.Flags()
	f.StringVarP(&overrideFlags.device, "device", "d", "", "device IP or MAC (required)")
	f.StringVarP(&overrideFlags.target, "target", "t", "*", "policy name, endpoint host or *")
	f.DurationVar(&overrideFlags.duration, "duration", 0, "grant lifetime (default: enforcement.override.default_duration)")
	f.StringVar(&overrideFlags.reason, "reason", "", "free-text reason")
	_ = overrideGrantCmd.MarkFlagRequired("device")

	overrideListCmd.Flags().StringVarP(&overrideFlags.format, "format", "f", "text", "output format: text, json, csv")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func runOverrideHash(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return cli.NewCommandError("override hash", fmt.Errorf("no password on standard input: %w", err))
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return cli.NewCommandError("override hash", errors.New("password is empty"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), enforcement.HashPassword(password))
	return nil
}

// stateEngine is an enforcement engine backed by the persisted state file.
// Configuration events go to the audit trail.
type stateEngine struct {
	*enforcement.Engine
	state    *enforcement.SQLiteStateStore
	recorder *recorder.Recorder
	store    audit.Storage
}

func (s *stateEngine) Close() error {
	return errors.Join(s.recorder.Close(), s.state.Close(), s.store.Close())
}

func openStateEngine(cmd *cobra.Command, cfg *config.Config) (*stateEngine, error) {
	if cfg.Enforcement.StatePath == "" {
		return nil, cli.NewConfigError("enforcement.state_path", "must be set to manage overrides", nil)
	}
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return nil, cli.NewConfigError("mode", err.Error(), err)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	rec := recorder.NewRecorder(store, recorder.ConfigFrom(&cfg.Audit.Recorder))

	state, err := enforcement.NewSQLiteStateStore(enforcement.SQLiteStateStoreConfig{
		Path:        cfg.Enforcement.StatePath,
		BusyTimeout: cfg.Audit.SQLite.BusyTimeout,
	})
	if err != nil {
		return nil, errors.Join(err, rec.Close(), store.Close())
	}

	eng, err := enforcement.NewEngine(&cfg.Enforcement, mode,
		enforcement.WithStore(state),
		enforcement.WithEventSink(rec),
	)
	if err == nil {
		_, err = eng.LoadState(cmd.Context())
	}
	if err != nil {
		return nil, errors.Join(err, rec.Close(), state.Close(), store.Close())
	}
	return &stateEngine{Engine: eng, state: state, recorder: rec, store: store}, nil
}

func runOverrideGrant(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eng, err := openStateEngine(cmd, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	o, err := eng.GrantOverride(cmd.Context(), enforcement.OverrideRequest{
		Device:   overrideFlags.device,
		Target:   overrideFlags.target,
		Duration: overrideFlags.duration,
		Reason:   overrideFlags.reason,
		Actor:    overrideFlags.actor,
	})
	if err != nil {
		return cli.NewCommandError("override grant", err)
	}

	out := cmd.OutOrStdout()
	cli.Success(out, "Override %s granted to %s for %s until %s",
		o.ID, o.Device, o.Target, o.ExpiresAt.Local().Format(time.DateTime))
	cli.Dim.Fprintln(out, "Send SIGHUP to a running gateway to apply it.")
	return nil
}

// overrideTable renders override grants.
type overrideTable []enforcement.Override

func (t overrideTable) Header() []string {
	return []string{"ID", "DEVICE", "TARGET", "GRANTED BY", "EXPIRES", "REASON"}
}

func (t overrideTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, o := range t {
		rows[i] = []string{
			o.ID,
			o.Device,
			o.Target,
			o.GrantedBy,
			o.ExpiresAt.Local().Format(time.DateTime),
			o.Reason,
		}
	}
	return rows
}

func runOverrideList(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(overrideFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eng, err := openStateEngine(cmd, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	active := eng.ActiveOverrides()
	if format == cli.FormatText && len(active) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active overrides.")
		return nil
	}
	return cli.Render(cmd.OutOrStdout(), format, overrideTable(active))
}

func runOverrideRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eng, err := openStateEngine(cmd, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	if !eng.RevokeOverride(cmd.Context(), args[0], overrideFlags.actor) {
		return cli.NewCommandError("override revoke", fmt.Errorf("no override with id %s", args[0]))
	}
	cli.Success(cmd.OutOrStdout(), "Override %s revoked", args[0])
	return nil
}
