package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Unit is a compiled, immutable policy ready for evaluation. Units are safe
// for concurrent evaluation.
type Unit interface {
	// Name returns the policy name the unit was compiled under.
	Name() string
}

// InputReader is implemented by units that know which input fields they
// read. Paths are top-level keys, or "config.<key>" for a single usage
// config field. A nil slice means the reads are not known.
type InputReader interface {
	InputPaths() []string
}

// Capability compiles policy source and evaluates compiled units. It must be
// deterministic for identical input and must honour context cancellation so
// evaluations never hang.
type Capability interface {
	// Compile parses and prepares source. Failures are *CompileError.
	Compile(ctx context.Context, name, source string) (Unit, error)

	// Evaluate runs unit against input. Failures are *EvaluationError.
	Evaluate(ctx context.Context, unit Unit, input map[string]any) (Result, error)
}

var severityNames = map[string]int{
	"info":     1,
	"low":      2,
	"medium":   3,
	"high":     4,
	"critical": 5,
}

// SeverityName returns the label for a severity rank, or "" for unranked.
func SeverityName(rank int) string {
	if rank <= 0 {
		return ""
	}
	best := ""
	for name, r := range severityNames {
		if r <= rank && (best == "" || r > severityNames[best]) {
			best = name
		}
	}
	return best
}

// DecodeResult converts a policy decision document into a Result. The
// document must contain a boolean "allow"; "mode", "reason", "metadata"
// and "violation" are optional.
func DecodeResult(policy string, doc any) (Result, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return Result{}, &EvaluationError{
			Policy:  policy,
			Message: fmt.Sprintf("decision must be an object, got %T", doc),
		}
	}

	allow, ok := obj["allow"].(bool)
	if !ok {
		return Result{}, &EvaluationError{
			Policy:  policy,
			Message: "decision is missing boolean \"allow\"",
		}
	}

	res := Result{Allow: allow}

	if raw, present := obj["mode"]; present {
		s, _ := raw.(string)
		mode, err := ParseMode(s)
		if err != nil {
			return Result{}, &EvaluationError{Policy: policy, Message: "invalid mode", Cause: err}
		}
		res.Mode = mode
	}

	if reason, ok := obj["reason"].(string); ok {
		res.Reason = reason
	}

	if v, ok := obj["violation"].(bool); ok {
		res.Violation = v
	}

	if md, ok := obj["metadata"].(map[string]any); ok && len(md) > 0 {
		res.Metadata = md
		res.Severity = severityOf(md["severity"])
	}

	return res, nil
}

func severityOf(v any) int {
	switch s := v.(type) {
	case json.Number:
		if i, err := s.Int64(); err == nil {
			return int(i)
		}
		if f, err := s.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(s)
	case int:
		return s
	case int64:
		return int(s)
	case string:
		return severityNames[strings.ToLower(s)]
	}
	return 0
}
