package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/audit/export"
	"mercator-hq/warden/pkg/audit/retention"
	"mercator-hq/warden/pkg/audit/storage"
	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
)

var auditFlags struct {
	timeRange string
	since     time.Duration
	requestID string
	sourceIP  string
	device    string
	provider  string
	policy    string
	action    string
	eventType string
	days      int
	limit     int
	offset    int
	order     string
	format    string
	output    string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query, summarise and prune the audit trail written by the gateway.

Subcommands:
  query    - List request events with filters
  stats    - Summarise events by action and provider
  changes  - List enforcement configuration changes
  report   - Weekly or monthly enforcement report
  prune    - Apply the retention policy now`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query request events",
	Long: `Query request events with filters.

Time Range Format:
  RFC3339 interval format: "start/end"
  Example: "2025-11-19T00:00:00Z/2025-11-20T00:00:00Z"

Examples:
  # Blocks in the last day
  warden audit query --since 24h --action block

  # Everything one device did, oldest first
  warden audit query --source-ip 192.168.1.20 --order asc

  # Export to CSV
  warden audit query --format csv --output events.csv`,
	RunE: runAuditQuery,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise request events",
	RunE:  runAuditStats,
}

var auditChangesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List enforcement configuration changes",
	Long:  `List mode changes, allowlist edits, override grants and attempts, newest first.`,
	RunE:  runAuditChanges,
}

var auditReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise enforcement over the last days",
	Long: `Summarise enforcement over the last --days days: totals, a daily series,
the policies that blocked most, recent blocks, the decisions of the last
24 hours and the enforcement mode history.

Examples:
  # Weekly report
  warden audit report

  # Monthly report as JSON
  warden audit report --days 30 --format json --output report.json`,
	RunE: runAuditReport,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events outside the retention policy",
	Long: `Delete events older than audit.retention.retention_days and trim the
trail to audit.retention.max_records, exactly as the scheduled pruning does.`,
	RunE: runAuditPrune,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditStatsCmd, auditChangesCmd, auditReportCmd, auditPruneCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditStatsCmd} {
		c.Flags().StringVar(&auditFlags.timeRange, "time-range", "", "time range (RFC3339 interval: start/end)")
		c.Flags().DurationVar(&auditFlags.since, "since", 0, "only events newer than this (e.g. 24h)")
		c.Flags().StringVarP(&auditFlags.format, "format", "f", "text", "output format: text, json, csv")
	}

	f := auditQueryCmd.Flags()
	f.StringVar(&auditFlags.requestID, "request-id", "", "filter by request ID")
	f.StringVar(&auditFlags.sourceIP, "source-ip", "", "filter by source IP")
	f.StringVar(&auditFlags.device, "device", "", "filter by device")
	f.StringVar(&auditFlags.provider, "provider", "", "filter by provider")
	f.StringVar(&auditFlags.policy, "policy", "", "filter by deciding policy")
	f.StringVar(&auditFlags.action, "action", "", "filter by enforcement action (allow, alert, block, override, allowlist_bypass, error)")
	f.IntVar(&auditFlags.limit, "limit", audit.DefaultLimit, "max results")
	f.IntVar(&auditFlags.offset, "offset", 0, "pagination offset")
	f.StringVar(&auditFlags.order, "order", "desc", "sort order by timestamp: asc, desc")
	f.StringVarP(&auditFlags.output, "output", "o", "", "output file (default: stdout)")

	auditChangesCmd.Flags().IntVar(&auditFlags.limit, "limit", 50, "max results")
	auditChangesCmd.Flags().StringVarP(&auditFlags.format, "format", "f", "text", "output format: text, json, csv")
	auditChangesCmd.Flags().StringVar(&auditFlags.eventType, "type", "", "filter by event type (mode_change, allowlist_add, override_grant, ...)")

	r := auditReportCmd.Flags()
	r.IntVar(&auditFlags.days, "days", 7, "report period in days (7 weekly, 30 monthly)")
	r.StringVarP(&auditFlags.format, "format", "f", "text", "output format: text, json")
	r.StringVarP(&auditFlags.output, "output", "o", "", "output file (default: stdout)")
}

// parseTimeRange parses an RFC3339 "start/end" interval. Either side may be
// empty to leave it open.
func parseTimeRange(s string) (start, end *time.Time, err error) {
	if s == "" {
		return nil, nil, nil
	}
	from, to, ok := strings.Cut(s, "/")
	if !ok {
		return nil, nil, fmt.Errorf("time range %q must be start/end", s)
	}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid range start: %w", err)
		}
		start = &t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid range end: %w", err)
		}
		end = &t
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, fmt.Errorf("time range ends before it starts")
	}
	return start, end, nil
}

// timeWindow resolves --time-range and --since. --since wins for the start.
func timeWindow(now time.Time) (start, end *time.Time, err error) {
	start, end, err = parseTimeRange(auditFlags.timeRange)
	if err != nil {
		return nil, nil, err
	}
	if auditFlags.since > 0 {
		t := now.Add(-auditFlags.since)
		start = &t
	}
	return start, end, nil
}

// openStorage opens the configured audit backend.
func openStorage(cfg *config.Config) (audit.Storage, error) {
	store, err := storage.New(&cfg.Audit)
	if err != nil {
		return nil, cli.NewConfigError("audit", "failed to open audit storage", err)
	}
	return store, nil
}

// eventTable renders request events.
type eventTable []*audit.Event

func (t eventTable) Header() []string {
	return []string{"TIME", "SOURCE", "PROVIDER", "HOST", "ACTION", "POLICY", "STATUS", "LATENCY", "REASON"}
}

func (t eventTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, e := range t {
		policy := e.PolicyName
		if policy == "" {
			policy = "-"
		}
		rows[i] = []string{
			e.Timestamp.Local().Format(time.DateTime),
			e.DeviceKey(),
			e.Provider,
			e.Host,
			e.EnforcementAction,
			policy,
			strconv.Itoa(e.StatusCode),
			fmt.Sprintf("%dms", e.LatencyMS),
			e.Reason,
		}
	}
	return rows
}

func runAuditQuery(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(auditFlags.format)
	if err != nil {
		return err
	}
	start, end, err := timeWindow(time.Now())
	if err != nil {
		return err
	}
	q := &audit.Query{
		StartTime:         start,
		EndTime:           end,
		RequestID:         auditFlags.requestID,
		SourceIP:          auditFlags.sourceIP,
		Device:            auditFlags.device,
		Provider:          auditFlags.provider,
		PolicyName:        auditFlags.policy,
		EnforcementAction: auditFlags.action,
		Limit:             auditFlags.limit,
		Offset:            auditFlags.offset,
		SortOrder:         auditFlags.order,
	}
	if err := q.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Query(cmd.Context(), q)
	if err != nil {
		return cli.NewCommandError("audit query", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if auditFlags.output != "" {
		f, err := os.Create(auditFlags.output)
		if err != nil {
			return cli.NewCommandError("audit query", err)
		}
		defer f.Close()
		w = f
	}

	if format == cli.FormatText {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events found.")
			return nil
		}
		return cli.Render(w, format, eventTable(events))
	}

	exporter, err := export.New(string(format))
	if err != nil {
		return err
	}
	if err := exporter.Export(cmd.Context(), events, w); err != nil {
		return cli.NewCommandError("audit query", err)
	}
	if auditFlags.output != "" {
		cli.Success(cmd.ErrOrStderr(), "Exported %d events to %s", len(events), auditFlags.output)
	}
	return nil
}

// statsTable renders a summary as one row per action and provider.
type statsTable struct {
	*audit.Stats
}

func (t statsTable) Header() []string {
	return []string{"DIMENSION", "VALUE", "EVENTS"}
}

func (t statsTable) Rows() [][]string {
	rows := [][]string{{"total", "", strconv.FormatInt(t.Total, 10)}}
	rows = append(rows, countRows("action", t.ByAction)...)
	rows = append(rows, countRows("provider", t.ByProvider)...)
	rows = append(rows, countRows("blocked_by_policy", t.BlocksByPolicy)...)
	return rows
}

// dailyTable renders the per-day series.
type dailyTable []audit.DailyStats

func (t dailyTable) Header() []string {
	return []string{"DAY", "TOTAL", "ALLOWED", "ALERTED", "BLOCKED", "OVERRIDES", "BYPASSES", "ERRORS", "DEVICES"}
}

func (t dailyTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, d := range t {
		rows[i] = []string{
			d.Day,
			strconv.FormatInt(d.Total, 10),
			strconv.FormatInt(d.Allowed, 10),
			strconv.FormatInt(d.Alerted, 10),
			strconv.FormatInt(d.Blocked, 10),
			strconv.FormatInt(d.Overrides, 10),
			strconv.FormatInt(d.Bypasses, 10),
			strconv.FormatInt(d.Errors, 10),
			strconv.FormatInt(d.Devices, 10),
		}
	}
	return rows
}

// policyTable renders the policies that blocked most.
type policyTable []audit.PolicyBlocks

func (t policyTable) Header() []string {
	return []string{"POLICY", "BLOCKS", "DEVICES"}
}

func (t policyTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, p := range t {
		rows[i] = []string{p.Policy, strconv.FormatInt(p.Blocks, 10), strconv.FormatInt(p.Devices, 10)}
	}
	return rows
}

func countRows(dimension string, counts map[string]int64) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, len(keys))
	for i, k := range keys {
		rows[i] = []string{dimension, k, strconv.FormatInt(counts[k], 10)}
	}
	return rows
}

func runAuditStats(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(auditFlags.format)
	if err != nil {
		return err
	}
	start, end, err := timeWindow(time.Now())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context(), start, end)
	if err != nil {
		return cli.NewCommandError("audit stats", err)
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatJSON {
		return cli.Render(out, format, stats)
	}
	if err := cli.Render(out, format, statsTable{stats}); err != nil {
		return err
	}
	if format == cli.FormatText && stats.Total > 0 {
		fmt.Fprintf(out, "\nBlock rate: %.1f%%\n", stats.BlockRate*100)
		fmt.Fprintf(out, "Span:       %s to %s\n",
			stats.First.Local().Format(time.DateTime), stats.Last.Local().Format(time.DateTime))

		days, err := store.DailyStats(cmd.Context(), start)
		if err != nil {
			return cli.NewCommandError("audit stats", err)
		}
		if len(days) > 1 {
			fmt.Fprintln(out)
			return cli.Render(out, format, dailyTable(days))
		}
	}
	return nil
}

// changeTable renders configuration events.
type changeTable []*audit.ConfigEvent

func (t changeTable) Header() []string {
	return []string{"TIME", "EVENT", "ACTOR", "SOURCE", "SUCCESS", "DETAILS"}
}

func (t changeTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, e := range t {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make([]string, len(keys))
		for j, k := range keys {
			details[j] = fmt.Sprintf("%s=%v", k, e.Details[k])
		}
		rows[i] = []string{
			e.Timestamp.Local().Format(time.DateTime),
			e.EventType,
			e.Actor,
			e.SourceIP,
			strconv.FormatBool(e.Success),
			strings.Join(details, " "),
		}
	}
	return rows
}

func runAuditChanges(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(auditFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	changes, err := store.ConfigEvents(cmd.Context(), auditFlags.eventType, auditFlags.limit)
	if err != nil {
		return cli.NewCommandError("audit changes", err)
	}
	if format == cli.FormatText && len(changes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No configuration changes recorded.")
		return nil
	}
	return cli.Render(cmd.OutOrStdout(), format, changeTable(changes))
}

func runAuditReport(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(auditFlags.format)
	if err != nil {
		return err
	}
	if format == cli.FormatCSV {
		return fmt.Errorf("audit report supports text and json output")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := audit.BuildReport(cmd.Context(), store, auditFlags.days, time.Now())
	if err != nil {
		return cli.NewCommandError("audit report", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if auditFlags.output != "" {
		f, err := os.Create(auditFlags.output)
		if err != nil {
			return cli.NewCommandError("audit report", err)
		}
		defer f.Close()
		w = f
	}

	if format == cli.FormatJSON {
		err = cli.Render(w, format, report)
	} else {
		err = writeReport(w, report)
	}
	if err != nil {
		return err
	}
	if auditFlags.output != "" {
		cli.Success(cmd.ErrOrStderr(), "Wrote %d-day report to %s", report.Days, auditFlags.output)
	}
	return nil
}

// writeReport renders r as titled text sections.
func writeReport(w io.Writer, r *audit.Report) error {
	fmt.Fprintf(w, "Enforcement report: %s to %s (%d days)\n",
		r.Start.Local().Format(time.DateOnly), r.End.Local().Format(time.DateOnly), r.Days)

	s := r.Summary
	fmt.Fprintf(w, "\nRequests: %d   Blocked: %d   Alerted: %d   Overrides: %d   Block rate: %.1f%%\n",
		s.Total, s.ByAction[audit.ActionBlock], s.ByAction[audit.ActionAlert],
		s.ByAction[audit.ActionOverride], s.BlockRate*100)
	if d := r.MostBlockedDevice(); d != "" {
		fmt.Fprintf(w, "Most blocked device: %s\n", d)
	}

	sections := []struct {
		title string
		empty string
		n     int
		table cli.Tabular
	}{
		{"Daily", "No traffic in this period.", len(r.Daily), dailyTable(r.Daily)},
		{"Top blocking policies", "No blocks in this period.", len(r.TopPolicies), policyTable(r.TopPolicies)},
		{"Recent blocks", "No blocks in this period.", len(r.RecentBlocks), eventTable(r.RecentBlocks)},
		{"Last 24 hours", "No decisions in the last 24 hours.", len(r.Timeline), eventTable(r.Timeline)},
		{"Mode changes", "The enforcement mode has not been changed.", len(r.ModeChanges), changeTable(r.ModeChanges)},
	}
	for _, sec := range sections {
		fmt.Fprintf(w, "\n%s\n", sec.title)
		if sec.n == 0 {
			fmt.Fprintf(w, "  %s\n", sec.empty)
			continue
		}
		if err := cli.Render(w, cli.FormatText, sec.table); err != nil {
			return err
		}
	}
	return nil
}

func runAuditPrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pruner := retention.NewPruner(store, retention.ConfigFrom(&cfg.Audit.Retention))
	res, err := pruner.Prune(cmd.Context())
	if err != nil {
		return cli.NewCommandError("audit prune", err)
	}
	out := cmd.OutOrStdout()
	cli.Success(out, "Pruned %d events (%d by age, %d by count)", res.Deleted(), res.ByAge, res.ByCount)
	if len(res.ByAction) > 0 {
		return cli.Render(out, cli.FormatText, pruneTable(res.ByAction))
	}
	return nil
}

// pruneTable renders deleted events per action.
type pruneTable map[string]int64

func (t pruneTable) Header() []string {
	return []string{"DIMENSION", "VALUE", "DELETED"}
}

func (t pruneTable) Rows() [][]string {
	return countRows("action", t)
}
