package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"mercator-hq/warden/pkg/cache"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/policy/engine"
)

// Observer receives one call per policy evaluation. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveEvaluation(policy, outcome string, cached bool, d time.Duration)
}

// Evaluation outcomes reported to an Observer.
const (
	OutcomeAllow   = "allow"
	OutcomeDeny    = "deny"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Outcome is the result of evaluating one loaded policy.
type Outcome struct {
	Policy   string
	Order    int
	Result   engine.Result
	Err      error
	Cached   bool
	Duration time.Duration
}

// Info describes a loaded policy.
type Info struct {
	Name       string
	Order      int
	Generation uint64
	Checksum   string
	TTL        time.Duration
	LoadedAt   time.Time
}

// compiled is an immutable, published policy version.
type compiled struct {
	Info
	unit engine.Unit
}

// table is the copy-on-write policy set. A table is never mutated after it
// is stored.
type table struct {
	byName  map[string]*compiled
	ordered []*compiled
}

func (t *table) with(p *compiled) *table {
	next := &table{byName: make(map[string]*compiled, len(t.byName)+1)}
	for name, c := range t.byName {
		next.byName[name] = c
	}
	next.byName[p.Name] = p
	next.rebuild()
	return next
}

func (t *table) without(name string) *table {
	next := &table{byName: make(map[string]*compiled, len(t.byName))}
	for n, c := range t.byName {
		if n != name {
			next.byName[n] = c
		}
	}
	next.rebuild()
	return next
}

func (t *table) rebuild() {
	t.ordered = make([]*compiled, 0, len(t.byName))
	for _, c := range t.byName {
		t.ordered = append(t.ordered, c)
	}
	sort.Slice(t.ordered, func(i, j int) bool { return t.ordered[i].Order < t.ordered[j].Order })
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithCache enables decision caching through c.
func WithCache(c *cache.Cache[engine.Result]) EvaluatorOption {
	return func(e *Evaluator) { e.cache = c }
}

// WithTimeout bounds every capability call.
func WithTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithTTLs sets per-policy cache lifetimes, keyed by policy name.
func WithTTLs(ttls map[string]time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.ttls = ttls }
}

// WithObserver reports evaluations to o.
func WithObserver(o Observer) EvaluatorOption {
	return func(e *Evaluator) { e.observer = o }
}

// Evaluator owns the loaded policy set and evaluates requests against it,
// consulting the decision cache first. Readers never block on a reload:
// the policy table is swapped atomically.
type Evaluator struct {
	capability engine.Capability
	cache      *cache.Cache[engine.Result]
	group      singleflight.Group
	timeout    time.Duration
	ttls       map[string]time.Duration
	observer   Observer
	logger     *slog.Logger

	policies   atomic.Pointer[table]
	generation atomic.Uint64

	// writeMu serialises Load and Unload so that concurrent writers do not
	// lose each other's table updates.
	writeMu   sync.Mutex
	nextOrder int
}

// NewEvaluator creates an evaluator backed by capability.
func NewEvaluator(capability engine.Capability, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		capability: capability,
		timeout:    config.DefaultPolicyEvalTimeout,
		logger:     slog.Default().With("component", "policy_evaluator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policies.Store(&table{byName: map[string]*compiled{}})
	return e
}

// NewEvaluatorFromConfig creates an evaluator and, when enabled, its
// decision cache from cfg.
func NewEvaluatorFromConfig(cfg *config.PolicyConfig, capability engine.Capability, opts ...EvaluatorOption) *Evaluator {
	base := []EvaluatorOption{
		WithTimeout(cfg.EvalTimeout),
		WithTTLs(cfg.TTLs),
	}
	if cfg.Cache.IsEnabled() {
		c := cache.New[engine.Result](cache.Config{
			Capacity:      cfg.Cache.Capacity,
			TTL:           cfg.Cache.TTL,
			Shards:        cfg.Cache.Shards,
			SweepInterval: cfg.Cache.SweepInterval,
		}, cache.WithClone[engine.Result](engine.Result.Clone))
		base = append(base, WithCache(c))
	}
	return NewEvaluator(capability, append(base, opts...)...)
}

// Cache returns the decision cache, or nil when caching is disabled.
func (e *Evaluator) Cache() *cache.Cache[engine.Result] {
	return e.cache
}

// Load compiles source and publishes it under name. On compile failure the
// previously loaded version, if any, remains active and a
// *engine.CompileError is returned. Reloading identical source is a no-op.
func (e *Evaluator) Load(ctx context.Context, name, source string) error {
	sum := sha256.Sum256([]byte(source))
	checksum := hex.EncodeToString(sum[:])

	if cur, ok := e.policies.Load().byName[name]; ok && cur.Checksum == checksum {
		return nil
	}

	unit, err := e.capability.Compile(ctx, name, source)
	if err != nil {
		var ce *engine.CompileError
		if !errors.As(err, &ce) {
			err = &engine.CompileError{Policy: name, Cause: err}
		}
		e.logger.Error("policy compile failed", "policy", name, "error", err)
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.policies.Load()
	order := e.nextOrder
	if prev, ok := cur.byName[name]; ok {
		order = prev.Order
	} else {
		e.nextOrder++
	}

	p := &compiled{
		Info: Info{
			Name:       name,
			Order:      order,
			Generation: e.generation.Add(1),
			Checksum:   checksum,
			TTL:        e.ttls[name],
			LoadedAt:   time.Now(),
		},
		unit: unit,
	}
	e.policies.Store(cur.with(p))

	e.logger.Info("policy loaded",
		"policy", name,
		"generation", p.Generation,
		"order", p.Order,
	)
	return nil
}

// Unload removes the named policy. It reports whether the policy was loaded.
func (e *Evaluator) Unload(name string) bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.policies.Load()
	if _, ok := cur.byName[name]; !ok {
		return false
	}
	e.policies.Store(cur.without(name))

	e.logger.Info("policy unloaded", "policy", name)
	return true
}

// Policies returns the loaded policies in load order.
func (e *Evaluator) Policies() []Info {
	t := e.policies.Load()
	out := make([]Info, 0, len(t.ordered))
	for _, p := range t.ordered {
		out = append(out, p.Info)
	}
	return out
}

// Len returns the number of loaded policies.
func (e *Evaluator) Len() int {
	return len(e.policies.Load().ordered)
}

// Evaluate runs the named policy against input. Errors are
// *engine.EvaluationError or *engine.TimeoutError and are never converted
// into a decision.
func (e *Evaluator) Evaluate(ctx context.Context, name string, input engine.Input) (engine.Result, error) {
	p, ok := e.policies.Load().byName[name]
	if !ok {
		return engine.Result{}, &engine.EvaluationError{Policy: name, Message: "not loaded", Cause: engine.ErrPolicyNotFound}
	}
	out := e.evaluate(ctx, p, input)
	return out.Result, out.Err
}

// EvaluateAll runs every loaded policy against input concurrently and
// returns one outcome per policy in load order.
func (e *Evaluator) EvaluateAll(ctx context.Context, input engine.Input) []Outcome {
	ordered := e.policies.Load().ordered
	outcomes := make([]Outcome, len(ordered))

	var g errgroup.Group
	for i, p := range ordered {
		g.Go(func() error {
			outcomes[i] = e.evaluate(ctx, p, input)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (e *Evaluator) evaluate(ctx context.Context, p *compiled, input engine.Input) (out Outcome) {
	start := time.Now()
	out = Outcome{Policy: p.Name, Order: p.Order}

	defer func() {
		out.Duration = time.Since(start)
		if e.observer != nil {
			e.observer.ObserveEvaluation(p.Name, outcomeLabel(out), out.Cached, out.Duration)
		}
	}()

	key, cacheable := e.keyFor(p, input)
	if cacheable {
		if res, ok := e.cache.Get(key); ok {
			out.Result = res
			out.Cached = true
			return out
		}
	}

	doc := input.Document(true)

	if !cacheable {
		out.Result, out.Err = e.invoke(ctx, p, doc)
		return out
	}

	ch := e.group.DoChan(key.String(), func() (any, error) {
		res, err := e.invoke(context.WithoutCancel(ctx), p, doc)
		if err != nil {
			return nil, err
		}
		e.cache.Put(key, res, p.TTL)
		return res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			out.Err = r.Err
			return out
		}
		out.Result = r.Val.(engine.Result).Clone()
	case <-ctx.Done():
		out.Err = &engine.EvaluationError{Policy: p.Name, Message: "evaluation abandoned", Cause: ctx.Err()}
	}
	return out
}

// keyFor derives the cache key for p and input. The key covers only the
// input fields the policy reads when its unit reports them. Inputs that
// cannot be encoded skip the cache.
func (e *Evaluator) keyFor(p *compiled, input engine.Input) (key cache.Key, ok bool) {
	if e.cache == nil {
		return key, false
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("cache key derivation panicked", "policy", p.Name, "panic", r)
			ok = false
		}
	}()

	doc := input.Document(false)
	if r, ok := p.unit.(engine.InputReader); ok {
		if paths := r.InputPaths(); paths != nil {
			// A policy reading the timestamp never sees the same input twice.
			if slices.Contains(paths, "timestamp") {
				return key, false
			}
			doc = engine.Narrow(doc, paths)
		}
	}

	key, err := cache.NewKey(p.Name, p.Generation, doc)
	if err != nil {
		e.logger.Debug("input not cacheable", "policy", p.Name, "error", err)
		return key, false
	}
	return key, true
}

type invokeResult struct {
	res engine.Result
	err error
}

// invoke calls the capability with a bounded deadline. The call runs on its
// own goroutine so that a capability ignoring its context still cannot hold
// the caller past the deadline.
func (e *Evaluator) invoke(ctx context.Context, p *compiled, doc map[string]any) (engine.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: &engine.EvaluationError{
					Policy:  p.Name,
					Message: "evaluation panicked",
					Cause:   fmt.Errorf("%v", r),
				}}
			}
		}()
		res, err := e.capability.Evaluate(ctx, p.unit, doc)
		done <- invokeResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return engine.Result{}, e.classify(ctx, p.Name, r.err)
		}
		return r.res, nil
	case <-ctx.Done():
		return engine.Result{}, e.classify(ctx, p.Name, ctx.Err())
	}
}

func (e *Evaluator) classify(ctx context.Context, policy string, err error) error {
	var te *engine.TimeoutError
	if errors.As(err, &te) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &engine.TimeoutError{Policy: policy, Timeout: e.timeout}
	}
	var ee *engine.EvaluationError
	if errors.As(err, &ee) {
		return err
	}
	return &engine.EvaluationError{Policy: policy, Message: "evaluation failed", Cause: err}
}

func outcomeLabel(o Outcome) string {
	var te *engine.TimeoutError
	switch {
	case errors.As(o.Err, &te):
		return OutcomeTimeout
	case o.Err != nil:
		return OutcomeError
	case o.Result.Denied():
		return OutcomeDeny
	default:
		return OutcomeAllow
	}
}
