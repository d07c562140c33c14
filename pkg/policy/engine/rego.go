package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// regoUnit is a prepared Rego query for one policy module.
type regoUnit struct {
	name  string
	query string
	paths []string
	pq    rego.PreparedEvalQuery
}

func (u *regoUnit) Name() string { return u.name }

// InputPaths returns the input fields the module reads.
func (u *regoUnit) InputPaths() []string { return u.paths }

// Query returns the data path the unit evaluates, e.g. data.bedtime.
func (u *regoUnit) Query() string { return u.query }

// RegoCapability compiles Rego modules with the embedded OPA interpreter.
// Each module is evaluated at its package path, so a module declaring
// "package bedtime" resolves data.bedtime.
type RegoCapability struct {
	logger *slog.Logger
}

// NewRegoCapability creates a Rego-backed capability.
func NewRegoCapability() *RegoCapability {
	return &RegoCapability{
		logger: slog.Default().With("component", "rego"),
	}
}

// Compile parses source and prepares it for evaluation.
func (c *RegoCapability) Compile(ctx context.Context, name, source string) (Unit, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(source) == "" {
		return nil, &CompileError{Policy: name, Cause: ErrEmptyPolicy}
	}

	filename := name + ".rego"
	module, err := ast.ParseModule(filename, source)
	if err != nil {
		return nil, &CompileError{Policy: name, Cause: err}
	}
	if module == nil {
		return nil, &CompileError{Policy: name, Cause: errors.New("module is empty")}
	}

	query := module.Package.Path.String()

	pq, err := rego.New(
		rego.Query(query),
		rego.Module(filename, source),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, &CompileError{Policy: name, Cause: err}
	}

	paths := inputPaths(module)
	c.logger.Debug("policy compiled", "policy", name, "query", query, "input_paths", paths)

	return &regoUnit{name: name, query: query, paths: paths, pq: pq}, nil
}

// inputPaths lists the input fields module reads, or nil when it reads
// input as a whole or through a computed key.
func inputPaths(module *ast.Module) []string {
	seen := make(map[string]struct{})
	whole := false

	var vis *ast.GenericVisitor
	vis = ast.NewGenericVisitor(func(x any) bool {
		if whole {
			return true
		}
		switch x := x.(type) {
		case ast.Var:
			// Bare input, e.g. count(input) or import input.
			if x.Equal(ast.InputRootDocument.Value) {
				whole = true
			}
		case ast.Ref:
			if !x[0].Equal(ast.InputRootDocument) {
				return false
			}
			key, ok := stringAt(x, 1)
			if !ok {
				whole = true
				return true
			}
			if key == "config" {
				if sub, ok := stringAt(x, 2); ok {
					key += "." + sub
				}
			}
			seen[key] = struct{}{}
			for _, t := range x[1:] {
				vis.Walk(t)
			}
			return true
		}
		return false
	})
	vis.Walk(module)

	if whole {
		return nil
	}
	paths := make([]string, 0, len(seen))
	for k := range seen {
		paths = append(paths, k)
	}
	slices.Sort(paths)
	return paths
}

func stringAt(r ast.Ref, i int) (string, bool) {
	if len(r) <= i {
		return "", false
	}
	s, ok := r[i].Value.(ast.String)
	return string(s), ok
}

// Evaluate runs the unit against input and decodes the decision document.
func (c *RegoCapability) Evaluate(ctx context.Context, unit Unit, input map[string]any) (Result, error) {
	u, ok := unit.(*regoUnit)
	if !ok {
		return Result{}, &EvaluationError{
			Policy:  nameOf(unit),
			Message: fmt.Sprintf("unit of type %T was not compiled by this capability", unit),
		}
	}

	rs, err := u.pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return Result{}, &TimeoutError{Policy: u.name}
		}
		return Result{}, &EvaluationError{Policy: u.name, Message: "evaluation failed", Cause: err}
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Result{}, &EvaluationError{Policy: u.name, Message: "undefined decision", Cause: ErrNoResult}
	}

	return DecodeResult(u.name, rs[0].Expressions[0].Value)
}

func nameOf(u Unit) string {
	if u == nil {
		return ""
	}
	return u.Name()
}
