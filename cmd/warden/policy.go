package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/detect"
	"mercator-hq/warden/pkg/enforcement"
	"mercator-hq/warden/pkg/policy/engine"
	"mercator-hq/warden/pkg/policy/manager"
)

var policyFlags struct {
	dir    string
	format string
	input  string
	tests  string
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and test policies",
	Long: `Inspect, evaluate and test the Rego policies the gateway loads.

Policies are read from the configured policy directory (or the Git checkout
when policies.git is enabled). Use --dir to point at another directory.`,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loadable policies",
	Long: `Compile every policy and list the ones that loaded, in evaluation order.

Examples:
  warden policy list
  warden policy list --dir ./policies --format json`,
	RunE: runPolicyList,
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate policies against one simulated request",
	Long: `Classify a simulated request, evaluate every policy against it and show
the enforcement action the gateway would take.

The input file is YAML or JSON:

  host: api.openai.com
  path: /v1/chat/completions
  source_ip: 192.168.1.20
  time: 2025-03-14T22:05:00Z
  request_count: 12
  body: '{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}'

Examples:
  warden policy eval --input request.yaml`,
	RunE: runPolicyEval,
}

var policyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Run policy test cases",
	Long: `Run the test cases in a YAML file against the loaded policies.

Each case describes a simulated request, the expected result of each named
policy (allow, deny or error) and optionally the expected enforcement action.

  tests:
    - name: bedtime blocks late requests
      request:
        host: api.openai.com
        path: /v1/chat/completions
        source_ip: 192.168.1.20
        time: 2025-03-14T22:05:00Z
      expect:
        bedtime: deny
      action: block

Examples:
  warden policy test --tests policy_tests.yaml`,
	RunE: runPolicyTest,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd, policyEvalCmd, policyTestCmd)

	policyCmd.PersistentFlags().StringVar(&policyFlags.dir, "dir", "", "policy directory (overrides config)")

	policyListCmd.Flags().StringVarP(&policyFlags.format, "format", "f", "text", "output format (text, json, csv)")

	policyEvalCmd.Flags().StringVarP(&policyFlags.input, "input", "i", "", "simulated request file (required)")
	policyEvalCmd.Flags().StringVarP(&policyFlags.format, "format", "f", "text", "output format (text, json, csv)")
	_ = policyEvalCmd.MarkFlagRequired("input")

	policyTestCmd.Flags().StringVarP(&policyFlags.tests, "tests", "t", "", "test file (required)")
	_ = policyTestCmd.MarkFlagRequired("tests")
}

// loadPolicies compiles the configured policies once, without watchers.
func loadPolicies(ctx context.Context, cfg *config.Config) (*manager.Manager, error) {
	pcfg := cfg.Policies
	pcfg.Watch = false
	pcfg.Git.PollInterval = 0
	if policyFlags.dir != "" {
		pcfg.Directory = policyFlags.dir
		pcfg.Git.Enabled = false
	}

	evaluator := manager.NewEvaluatorFromConfig(&pcfg, engine.NewRegoCapability())
	mgr, err := manager.NewManager(&pcfg, evaluator)
	if err != nil {
		return nil, err
	}
	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	return mgr, mgr.Stop()
}

// offlineEngine returns an enforcement engine for cfg that never persists.
func offlineEngine(cfg *config.Config) (*enforcement.Engine, error) {
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return nil, cli.NewConfigError("mode", err.Error(), err)
	}
	return enforcement.NewEngine(&cfg.Enforcement, mode)
}

// loadedPolicyTable renders loaded policies.
type loadedPolicyTable []manager.Info

func (t loadedPolicyTable) Header() []string {
	return []string{"ORDER", "NAME", "GENERATION", "CHECKSUM", "TTL", "LOADED"}
}

func (t loadedPolicyTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, p := range t {
		checksum := p.Checksum
		if len(checksum) > 12 {
			checksum = checksum[:12]
		}
		ttl := "-"
		if p.TTL > 0 {
			ttl = p.TTL.String()
		}
		rows[i] = []string{
			strconv.Itoa(p.Order),
			p.Name,
			strconv.FormatUint(p.Generation, 10),
			checksum,
			ttl,
			p.LoadedAt.Format(time.RFC3339),
		}
	}
	return rows
}

func runPolicyList(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(policyFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := loadPolicies(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("policy list", err)
	}

	res := mgr.LastReload()
	for name, ferr := range res.Failed {
		cli.Failure(cmd.ErrOrStderr(), "%s: %v", name, ferr)
	}
	if err := cli.Render(cmd.OutOrStdout(), format, loadedPolicyTable(mgr.Evaluator().Policies())); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return cli.NewCommandError("policy list", fmt.Errorf("%d policies failed to compile", len(res.Failed)))
	}
	return nil
}

// outcomeTable renders per-policy outcomes.
type outcomeTable []manager.Outcome

func (t outcomeTable) Header() []string {
	return []string{"POLICY", "RESULT", "MODE", "SEVERITY", "CACHED", "DURATION", "REASON"}
}

func (t outcomeTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, o := range t {
		reason := o.Result.Reason
		if o.Err != nil {
			reason = o.Err.Error()
		}
		mode := string(o.Result.Mode)
		if mode == "" {
			mode = "-"
		}
		rows[i] = []string{
			o.Policy,
			outcomeName(o),
			mode,
			engine.SeverityName(o.Result.Severity),
			strconv.FormatBool(o.Cached),
			o.Duration.Round(time.Microsecond).String(),
			reason,
		}
	}
	return rows
}

// evalReport is the JSON form of "warden policy eval".
type evalReport struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model,omitempty"`
	PII      []string       `json:"pii,omitempty"`
	Outcomes []evalOutcome  `json:"outcomes"`
	Action   string         `json:"action"`
	Policy   string         `json:"policy,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Mode     string         `json:"mode"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type evalOutcome struct {
	Policy   string `json:"policy"`
	Result   string `json:"result"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Severity string `json:"severity"`
}

func runPolicyEval(cmd *cobra.Command, _ []string) error {
	format, err := cli.ParseFormat(policyFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(policyFlags.input)
	if err != nil {
		return cli.NewCommandError("policy eval", err)
	}
	var req simulatedRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return cli.NewCommandError("policy eval", fmt.Errorf("failed to parse %s: %w", policyFlags.input, err))
	}

	enf, err := offlineEngine(cfg)
	if err != nil {
		return err
	}
	mgr, err := loadPolicies(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("policy eval", err)
	}

	in, res := buildInput(detect.New(time.Local), enf.Mode(), cfg.Usage.DailyThreshold, req)
	outcomes := mgr.Evaluator().EvaluateAll(cmd.Context(), in)
	decision := enf.Resolve(enforcement.Subject{
		SourceIP: req.SourceIP,
		Device:   req.Device,
		Endpoint: res.Endpoint,
		Time:     in.Timestamp,
	}, outcomes)

	out := cmd.OutOrStdout()
	switch format {
	case cli.FormatText:
		fmt.Fprintf(out, "Provider: %s (confidence %.2f)\n", res.Provider, res.Confidence)
		if res.Model != "" {
			fmt.Fprintf(out, "Model:    %s\n", res.Model)
		}
		if len(res.PII) > 0 {
			fmt.Fprintf(out, "PII:      %v\n", res.PII)
		}
		fmt.Fprintln(out)
		if err := cli.Render(out, format, outcomeTable(outcomes)); err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, "Action: ")
		cli.ActionColor(string(decision.Action)).Fprint(out, decision.Action)
		if decision.Policy != "" {
			fmt.Fprintf(out, " by %s", decision.Policy)
		}
		fmt.Fprintf(out, " (mode %s)\n", decision.Mode)
		if decision.Reason != "" {
			fmt.Fprintf(out, "Reason: %s\n", decision.Reason)
		}
		return nil
	case cli.FormatCSV:
		return cli.Render(out, format, outcomeTable(outcomes))
	default:
		report := evalReport{
			Provider: res.Provider,
			Model:    res.Model,
			PII:      res.PII,
			Action:   string(decision.Action),
			Policy:   decision.Policy,
			Reason:   decision.Reason,
			Mode:     string(decision.Mode),
			Metadata: decision.Metadata,
		}
		for _, o := range outcomes {
			eo := evalOutcome{
				Policy:   o.Policy,
				Result:   outcomeName(o),
				Reason:   o.Result.Reason,
				Severity: engine.SeverityName(o.Result.Severity),
			}
			if o.Err != nil {
				eo.Error = o.Err.Error()
			}
			report.Outcomes = append(report.Outcomes, eo)
		}
		return cli.Render(out, format, report)
	}
}

func runPolicyTest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	suite, err := loadPolicyTests(policyFlags.tests)
	if err != nil {
		return cli.NewCommandError("policy test", err)
	}
	enf, err := offlineEngine(cfg)
	if err != nil {
		return err
	}
	mgr, err := loadPolicies(cmd.Context(), cfg)
	if err != nil {
		return cli.NewCommandError("policy test", err)
	}

	out := cmd.OutOrStdout()
	for name, ferr := range mgr.LastReload().Failed {
		cli.Failure(out, "policy %s failed to compile: %v", name, ferr)
	}

	runner := &policyTestRunner{
		detector:  detect.New(time.Local),
		evaluator: mgr.Evaluator(),
		enforcer:  enf,
		threshold: cfg.Usage.DailyThreshold,
	}
	results := runner.Run(cmd.Context(), suite.Tests)

	failed := 0
	for _, r := range results {
		if r.Passed() {
			cli.Success(out, "%s", r.Name)
			continue
		}
		failed++
		cli.Failure(out, "%s", r.Name)
		for _, f := range r.Failures {
			fmt.Fprintf(out, "    %s\n", f)
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		return cli.NewCommandError("policy test", fmt.Errorf("%d of %d tests failed", failed, len(results)))
	}
	return nil
}
