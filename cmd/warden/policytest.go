package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/warden/pkg/detect"
	"mercator-hq/warden/pkg/enforcement"
	"mercator-hq/warden/pkg/policy/engine"
	"mercator-hq/warden/pkg/policy/manager"
	"mercator-hq/warden/pkg/usage"
)

// Expected per-policy results in a test case.
const (
	expectAllow = "allow"
	expectDeny  = "deny"
	expectError = "error"
)

// simulatedRequest describes an intercepted request as the gateway would
// see it. It is classified by the detector exactly like live traffic.
type simulatedRequest struct {
	Host         string    `yaml:"host"`
	Path         string    `yaml:"path"`
	Method       string    `yaml:"method"`
	Body         string    `yaml:"body"`
	SourceIP     string    `yaml:"source_ip"`
	Device       string    `yaml:"device"`
	User         string    `yaml:"user"`
	Time         time.Time `yaml:"time"`
	RequestCount int       `yaml:"request_count"`
}

// policyTestCase is one entry of a policy test file.
type policyTestCase struct {
	Name    string           `yaml:"name"`
	Request simulatedRequest `yaml:"request"`

	// Expect maps policy names to allow, deny or error.
	Expect map[string]string `yaml:"expect"`

	// Action is the expected enforcement action. Optional.
	Action string `yaml:"action"`
}

// policyTestFile is the document read by "warden policy test".
type policyTestFile struct {
	Tests []policyTestCase `yaml:"tests"`
}

// loadPolicyTests reads and checks a test file.
func loadPolicyTests(path string) (*policyTestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test file: %w", err)
	}
	var f policyTestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse test file: %w", err)
	}
	if len(f.Tests) == 0 {
		return nil, fmt.Errorf("%s contains no tests", path)
	}
	for i, tc := range f.Tests {
		if tc.Name == "" {
			return nil, fmt.Errorf("test %d has no name", i+1)
		}
		for policy, want := range tc.Expect {
			switch want {
			case expectAllow, expectDeny, expectError:
			default:
				return nil, fmt.Errorf("test %q: policy %s: unknown expectation %q", tc.Name, policy, want)
			}
		}
	}
	return &f, nil
}

// buildInput classifies req and assembles the policy input the gateway
// would evaluate for it.
func buildInput(d *detect.Detector, mode engine.Mode, threshold int, req simulatedRequest) (engine.Input, detect.Result) {
	ts := req.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	method := req.Method
	if method == "" {
		method = "POST"
	}
	res := d.Classify(detect.Request{
		Host:      req.Host,
		Path:      req.Path,
		Method:    method,
		Body:      []byte(req.Body),
		Timestamp: ts,
	})

	messages := make([]engine.Message, len(res.Messages))
	for i, m := range res.Messages {
		messages[i] = engine.Message{Role: m.Role, Content: m.Content}
	}

	return engine.Input{
		User:         req.User,
		Device:       req.Device,
		SourceIP:     req.SourceIP,
		Endpoint:     res.Endpoint,
		Provider:     res.Provider,
		Method:       method,
		Path:         req.Path,
		Model:        res.Model,
		Prompt:       res.Prompt,
		Messages:     messages,
		PII:          res.PII,
		Timestamp:    ts,
		Hour:         res.Hour,
		Weekday:      res.Weekday,
		RequestCount: req.RequestCount,
		Config: engine.UsageConfig{
			Mode:              mode,
			DailyThreshold:    threshold,
			ThresholdExceeded: usage.Exceeded(req.RequestCount, threshold),
			UsagePercent:      usage.Percent(req.RequestCount, threshold),
		},
	}, res
}

// policyEvaluator is the part of the policy evaluator the test runner uses.
type policyEvaluator interface {
	EvaluateAll(ctx context.Context, input engine.Input) []manager.Outcome
}

// caseResult is the outcome of one test case.
type caseResult struct {
	Name     string
	Failures []string
	Decision enforcement.Decision
}

// Passed reports whether every expectation held.
func (r caseResult) Passed() bool {
	return len(r.Failures) == 0
}

// policyTestRunner evaluates test cases the way the gateway evaluates
// requests.
type policyTestRunner struct {
	detector  *detect.Detector
	evaluator policyEvaluator
	enforcer  *enforcement.Engine
	threshold int
}

// Run evaluates every case in order.
func (r *policyTestRunner) Run(ctx context.Context, cases []policyTestCase) []caseResult {
	results := make([]caseResult, 0, len(cases))
	for _, tc := range cases {
		results = append(results, r.runCase(ctx, tc))
	}
	return results
}

func (r *policyTestRunner) runCase(ctx context.Context, tc policyTestCase) caseResult {
	in, res := buildInput(r.detector, r.enforcer.Mode(), r.threshold, tc.Request)
	outcomes := r.evaluator.EvaluateAll(ctx, in)

	result := caseResult{Name: tc.Name}
	byPolicy := make(map[string]manager.Outcome, len(outcomes))
	for _, o := range outcomes {
		byPolicy[o.Policy] = o
	}

	policies := make([]string, 0, len(tc.Expect))
	for p := range tc.Expect {
		policies = append(policies, p)
	}
	sort.Strings(policies)

	for _, policy := range policies {
		want := tc.Expect[policy]
		o, ok := byPolicy[policy]
		if !ok {
			result.Failures = append(result.Failures, fmt.Sprintf("policy %s is not loaded", policy))
			continue
		}
		if got := outcomeName(o); got != want {
			msg := fmt.Sprintf("policy %s: expected %s, got %s", policy, want, got)
			if o.Err != nil {
				msg += fmt.Sprintf(" (%v)", o.Err)
			} else if o.Result.Reason != "" {
				msg += fmt.Sprintf(" (%s)", o.Result.Reason)
			}
			result.Failures = append(result.Failures, msg)
		}
	}

	result.Decision = r.enforcer.Resolve(enforcement.Subject{
		SourceIP: tc.Request.SourceIP,
		Device:   tc.Request.Device,
		Endpoint: res.Endpoint,
		Time:     in.Timestamp,
	}, outcomes)
	if tc.Action != "" && !strings.EqualFold(tc.Action, string(result.Decision.Action)) {
		result.Failures = append(result.Failures,
			fmt.Sprintf("expected action %s, got %s", tc.Action, result.Decision.Action))
	}

	return result
}

// outcomeName maps an outcome to allow, deny or error.
func outcomeName(o manager.Outcome) string {
	switch {
	case o.Err != nil:
		return expectError
	case o.Result.Allow:
		return expectAllow
	default:
		return expectDeny
	}
}
