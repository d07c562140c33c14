package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"mercator-hq/warden/pkg/alert"
	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/detect"
	"mercator-hq/warden/pkg/enforcement"
	"mercator-hq/warden/pkg/policy/engine"
	"mercator-hq/warden/pkg/policy/manager"
	"mercator-hq/warden/pkg/telemetry/logging"
	"mercator-hq/warden/pkg/telemetry/tracing"
	"mercator-hq/warden/pkg/usage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// StatusClientClosed is recorded when the client went away before the
// response was complete.
const StatusClientClosed = 499

// PolicyEvaluator evaluates every loaded policy against one input.
type PolicyEvaluator interface {
	EvaluateAll(ctx context.Context, input engine.Input) []manager.Outcome
}

// Enforcer turns policy outcomes into an enforcement decision.
type Enforcer interface {
	Mode() engine.Mode
	Exempt(s enforcement.Subject) (enforcement.Decision, bool)
	Resolve(s enforcement.Subject, outcomes []manager.Outcome) enforcement.Decision
}

// Recorder accepts audit events without blocking.
type Recorder interface {
	Record(ev *audit.Event) error
}

// Notifier fans alerts out to the configured channels.
type Notifier interface {
	Notify(a alert.Alert)
}

// Observer receives per-request measurements.
type Observer interface {
	RequestHandled(provider, action string, status int, d time.Duration)
	UpstreamFailed(provider, kind string)
}

// Deps are the collaborators of a Handler. Detector, Evaluator, Enforcer and
// Recorder are required.
type Deps struct {
	Detector  *detect.Detector
	Evaluator PolicyEvaluator
	Enforcer  Enforcer
	Recorder  Recorder

	// Usage counts requests per device. Defaults to a fresh counter with the
	// configured threshold.
	Usage *usage.Counter

	// Alerts is optional.
	Alerts Notifier

	// Forwarder defaults to an HTTPForwarder.
	Forwarder Forwarder

	Observer Observer

	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler is the interception pipeline. Each request is classified,
// evaluated against every loaded policy, resolved to an enforcement action,
// then blocked or forwarded. Exactly one audit event is recorded per
// request.
type Handler struct {
	detector  *detect.Detector
	evaluator PolicyEvaluator
	enforcer  Enforcer
	recorder  Recorder
	usage     *usage.Counter
	alerts    Notifier
	forwarder Forwarder
	observer  Observer
	tracer    trace.Tracer
	redactor  *logging.Redactor
	now       func() time.Time
	logger    *slog.Logger

	endpoints       map[string]bool
	maxBody         int64
	upstreamTimeout time.Duration
	scheme          string
	previewBytes    int
	blockPage       config.BlockPageConfig
	overrideEnabled bool
}

// New creates the pipeline handler.
func New(cfg *config.Config, deps Deps) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	switch {
	case deps.Detector == nil:
		return nil, errors.New("detector is required")
	case deps.Evaluator == nil:
		return nil, errors.New("policy evaluator is required")
	case deps.Enforcer == nil:
		return nil, errors.New("enforcer is required")
	case deps.Recorder == nil:
		return nil, errors.New("audit recorder is required")
	}

	h := &Handler{
		detector:        deps.Detector,
		evaluator:       deps.Evaluator,
		enforcer:        deps.Enforcer,
		recorder:        deps.Recorder,
		usage:           deps.Usage,
		alerts:          deps.Alerts,
		forwarder:       deps.Forwarder,
		observer:        deps.Observer,
		tracer:          deps.Tracer,
		redactor:        logging.NewRedactor(),
		now:             deps.Now,
		logger:          slog.Default().With("component", "proxy"),
		endpoints:       make(map[string]bool, len(cfg.Endpoints)),
		maxBody:         cfg.Server.MaxBodyBytes,
		upstreamTimeout: cfg.Server.UpstreamTimeout,
		scheme:          cfg.Server.UpstreamScheme,
		previewBytes:    cfg.Server.ResponsePreviewBytes,
		blockPage:       cfg.Enforcement.BlockPage,
		overrideEnabled: cfg.Enforcement.Override.PasswordHash != "",
	}

	for _, ep := range cfg.Endpoints {
		domain := detect.NormalizeHost(ep.Domain)
		if domain == "" {
			continue
		}
		h.endpoints[domain] = ep.Enabled
	}

	if h.usage == nil {
		h.usage = usage.NewCounter(cfg.Usage.DailyThreshold)
	}
	if h.forwarder == nil {
		h.forwarder = NewHTTPForwarder(&cfg.Server)
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer("mercator-hq/warden/pkg/proxy")
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.maxBody <= 0 {
		h.maxBody = config.DefaultMaxBodyBytes
	}
	if h.upstreamTimeout <= 0 {
		h.upstreamTimeout = config.DefaultUpstreamTimeout
	}
	if h.scheme == "" {
		h.scheme = config.DefaultUpstreamScheme
	}

	return h, nil
}

// facts are the classification details carried into the audit event.
type facts struct {
	provider   string
	confidence float64
	model      string
	stream     bool
	pii        []string
	usage      usage.Status
}

// ServeHTTP runs the pipeline for one intercepted request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext(r, h.now())

	ctx, span := h.tracer.Start(tracing.Extract(r.Context(), r.Header), "warden.intercept",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(tracing.RequestAttributes(rc.ID, rc.Host, rc.Method)...),
	)
	defer span.End()

	tx := &transaction{h: h, rc: rc, span: span}
	defer tx.ensure()

	f := facts{usage: h.usage.Increment(rc.DeviceKey())}
	f.provider, f.confidence = detect.DetectProvider(rc.Host, rc.Path)

	body, err := readBody(r.Body, h.maxBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: rc.ID})
		tx.commit(h.event(rc, f, enforcement.Decision{
			Action: enforcement.ActionError,
			Mode:   h.enforcer.Mode(),
			Reason: "request body rejected",
		}, status, err))
		return
	}

	subject := enforcement.Subject{
		SourceIP: rc.SourceIP,
		Device:   rc.Device,
		Endpoint: rc.Host,
		Time:     rc.Timestamp,
	}

	enabled, known := h.endpointEnabled(rc.Host)
	switch {
	case known && !enabled:
		// A disabled endpoint is refused in every mode.
		h.refuseEndpoint(w, tx, rc, f, "endpoint disabled")
		return

	case !known && h.enforcer.Mode() != engine.ModeObserve:
		if d, ok := h.enforcer.Exempt(subject); ok {
			h.forward(ctx, w, r, body, tx, rc, f, d)
			return
		}
		h.refuseEndpoint(w, tx, rc, f, "endpoint not enabled")
		return
	}

	res := h.detector.Classify(detect.Request{
		Host:      r.Host,
		Path:      rc.Path,
		Method:    rc.Method,
		Body:      body,
		Timestamp: rc.Timestamp,
	})
	rc = rc.WithPreview(res.Prompt)
	tx.rc = rc
	f.provider, f.confidence = res.Provider, res.Confidence
	f.model, f.stream, f.pii = res.Model, res.Stream, res.PII
	span.SetAttributes(tracing.AttrProvider.String(res.Provider))

	d, exempt := h.enforcer.Exempt(subject)
	if !exempt {
		// The decision must not depend on whether the client is still there.
		evalCtx := context.WithoutCancel(ctx)
		outcomes := h.evaluator.EvaluateAll(evalCtx, h.input(rc, res, f.usage))
		d = h.enforcer.Resolve(subject, outcomes)
	}

	if d.Alert {
		h.notify(rc, f, d)
	}

	if d.Blocked() {
		h.writeBlock(w, r, rc, d)
		tx.commit(h.event(rc, f, d, http.StatusForbidden, nil))
		return
	}

	h.forward(ctx, w, r, body, tx, rc, f, d)
}

// forward relays the request upstream and the response back, then commits
// the audit event. The upstream call is bounded by the upstream timeout,
// which covers the whole streamed body.
func (h *Handler) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, tx *transaction, rc RequestContext, f facts, d enforcement.Decision) {
	upCtx, cancel := context.WithTimeout(ctx, h.upstreamTimeout)
	defer cancel()

	out, err := outboundRequest(upCtx, r, body, h.scheme)
	if err != nil {
		h.upstreamFailed(w, tx, rc, f, d, NewUpstreamError(rc.Host, err))
		return
	}

	resp, err := h.forwarder.Forward(upCtx, out)
	if err != nil {
		if r.Context().Err() != nil {
			tx.commit(h.disconnected(rc, f, d, StatusClientClosed))
			return
		}
		h.upstreamFailed(w, tx, rc, f, d, NewUpstreamError(rc.Host, err))
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	preview := newPreviewBuffer(h.previewBytes)
	result := relay(w, resp.Body, preview)

	var ev *audit.Event
	switch {
	case result.WriteErr != nil || r.Context().Err() != nil:
		ev = h.disconnected(rc, f, d, resp.StatusCode)
	case result.ReadErr != nil:
		uerr := NewUpstreamError(rc.Host, result.ReadErr)
		uerr.Streaming = true
		h.observer.UpstreamFailed(f.provider, uerr.Kind())
		ev = h.event(rc, f, errorDecision(d), uerr.StatusCode(), uerr)
		ev.Metadata["upstream_status"] = resp.StatusCode
	default:
		ev = h.event(rc, f, d, resp.StatusCode, nil)
	}

	ev.Metadata["response_bytes"] = result.Bytes
	if p := preview.String(); p != "" {
		ev.Metadata["response_preview"] = h.redactor.RedactString(p)
		if preview.truncated {
			ev.Metadata["response_preview_truncated"] = true
		}
	}
	tx.commit(ev)
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, tx *transaction, rc RequestContext, f facts, d enforcement.Decision, uerr *UpstreamError) {
	h.observer.UpstreamFailed(f.provider, uerr.Kind())
	h.logger.Warn("upstream request failed",
		"request_id", rc.ID,
		"host", rc.Host,
		"timeout", uerr.Timeout,
		"error", uerr.Cause,
	)

	msg := "Upstream request failed"
	if uerr.Timeout {
		msg = "Upstream request timed out"
	}
	writeJSON(w, uerr.StatusCode(), ErrorResponse{Error: msg, Host: rc.Host, RequestID: rc.ID})
	tx.commit(h.event(rc, f, errorDecision(d), uerr.StatusCode(), uerr))
}

// disconnected records the decision already made for a client that went
// away. The decision, not the transport outcome, is what gets audited.
func (h *Handler) disconnected(rc RequestContext, f facts, d enforcement.Decision, status int) *audit.Event {
	ev := h.event(rc, f, d, status, nil)
	ev.Metadata["client_disconnected"] = true
	return ev
}

// errorDecision keeps the policy outcome of d but marks the action as an
// upstream error.
func errorDecision(d enforcement.Decision) enforcement.Decision {
	d.Metadata = maps.Clone(d.Metadata)
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	d.Metadata["decided_action"] = string(d.Action)
	d.Action = enforcement.ActionError
	return d
}

// refuseEndpoint rejects a request for a host the gateway does not govern
// and audits it as a block.
func (h *Handler) refuseEndpoint(w http.ResponseWriter, tx *transaction, rc RequestContext, f facts, reason string) {
	d := enforcement.Decision{
		Action: enforcement.ActionBlock,
		Mode:   h.enforcer.Mode(),
		Reason: reason,
		Denied: true,
	}
	writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:     "Endpoint not enabled",
		Host:      rc.Host,
		RequestID: rc.ID,
	})
	tx.commit(h.event(rc, f, d, http.StatusForbidden, nil))
}

// Intercepts reports whether requests for host belong to a configured LLM
// endpoint, enabled or not. The server uses it to keep its own paths from
// shadowing provider paths of the same name.
func (h *Handler) Intercepts(host string) bool {
	_, known := h.endpointEnabled(detect.NormalizeHost(host))
	return known
}

// endpointEnabled reports whether host, or a parent domain of it, is
// configured and whether it is enabled.
func (h *Handler) endpointEnabled(host string) (enabled, known bool) {
	for name := host; name != ""; {
		if enabled, ok := h.endpoints[name]; ok {
			return enabled, true
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[i+1:]
	}
	return false, false
}

// input builds the policy document for a classified request.
func (h *Handler) input(rc RequestContext, res detect.Result, st usage.Status) engine.Input {
	messages := make([]engine.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		messages = append(messages, engine.Message{Role: m.Role, Content: m.Content})
	}

	return engine.Input{
		User:         rc.User,
		Device:       rc.Device,
		SourceIP:     rc.SourceIP,
		Endpoint:     res.Endpoint,
		Provider:     res.Provider,
		Method:       rc.Method,
		Path:         rc.Path,
		Model:        res.Model,
		Prompt:       res.Prompt,
		Messages:     messages,
		PII:          res.PII,
		Timestamp:    rc.Timestamp,
		Hour:         res.Hour,
		Weekday:      res.Weekday,
		RequestCount: st.Count,
		Config: engine.UsageConfig{
			Mode:              h.enforcer.Mode(),
			DailyThreshold:    st.Threshold,
			ThresholdExceeded: st.Exceeded,
			UsagePercent:      st.Percent,
		},
	}
}

func (h *Handler) notify(rc RequestContext, f facts, d enforcement.Decision) {
	if h.alerts == nil {
		return
	}

	md := maps.Clone(d.Metadata)
	if md == nil {
		md = map[string]any{}
	}
	md["request_count"] = f.usage.Count
	if f.model != "" {
		md["model"] = f.model
	}

	h.alerts.Notify(alert.Alert{
		Timestamp: rc.Timestamp,
		RequestID: rc.ID,
		User:      rc.User,
		Device:    rc.Device,
		SourceIP:  rc.SourceIP,
		Provider:  f.provider,
		Policy:    d.Policy,
		Reason:    d.Reason,
		Mode:      string(d.Mode),
		Action:    string(d.Action),
		Severity:  engine.SeverityName(d.Severity),
		Metadata:  md,
	})
}

// event builds the audit record for rc. Metadata is always non-nil.
func (h *Handler) event(rc RequestContext, f facts, d enforcement.Decision, status int, err error) *audit.Event {
	md := make(map[string]any, len(d.Metadata)+8)
	maps.Copy(md, d.Metadata)

	md["confidence"] = f.confidence
	md["request_count"] = f.usage.Count
	if f.model != "" {
		md["model"] = f.model
	}
	if f.stream {
		md["stream"] = true
	}
	if len(f.pii) > 0 {
		md["pii"] = f.pii
	}
	if d.Severity > 0 {
		md["severity"] = engine.SeverityName(d.Severity)
	}
	if d.OverrideID != "" {
		md["override_id"] = d.OverrideID
	}
	if d.Exception != "" {
		md["exception"] = d.Exception
	}
	if rc.ClientRequestID != "" {
		md["client_request_id"] = rc.ClientRequestID
	}

	decision := "allow"
	if d.Denied {
		decision = "deny"
	}

	ev := &audit.Event{
		RequestID:         rc.ID,
		Timestamp:         rc.Timestamp,
		SourceIP:          rc.SourceIP,
		Device:            rc.Device,
		User:              rc.User,
		Provider:          f.provider,
		Host:              rc.Host,
		Method:            rc.Method,
		Path:              rc.Path,
		Preview:           rc.Preview,
		StatusCode:        status,
		PolicyName:        d.Policy,
		PolicyDecision:    decision,
		PolicyMode:        string(d.Mode),
		EnforcementAction: string(d.Action),
		Reason:            d.Reason,
		LatencyMS:         h.now().Sub(rc.Timestamp).Milliseconds(),
		Metadata:          md,
	}

	switch {
	case err != nil:
		ev.Error = err.Error()
	case d.Err != nil:
		ev.Error = d.Err.Error()
	}
	return ev
}

// transaction guards the single audit event of one request.
type transaction struct {
	once sync.Once
	h    *Handler
	rc   RequestContext
	span trace.Span
}

// commit records ev unless an event was already recorded for the request.
func (t *transaction) commit(ev *audit.Event) {
	t.once.Do(func() {
		t.record(ev)
	})
}

// ensure records an error event if the pipeline ended without committing,
// which only happens when a handler panics.
func (t *transaction) ensure() {
	t.once.Do(func() {
		t.h.logger.Error("request ended without an audit event", "request_id", t.rc.ID)
		ev := t.h.event(t.rc, facts{provider: detect.ProviderUnknown}, enforcement.Decision{
			Action: enforcement.ActionError,
			Mode:   t.h.enforcer.Mode(),
		}, http.StatusInternalServerError, errors.New("pipeline aborted"))
		t.record(ev)
	})
}

func (t *transaction) record(ev *audit.Event) {
	h := t.h

	if err := h.recorder.Record(ev); err != nil && !errors.Is(err, audit.ErrQueueFull) {
		h.logger.Warn("audit record failed", "request_id", ev.RequestID, "error", err)
	}

	latency := time.Duration(ev.LatencyMS) * time.Millisecond
	h.observer.RequestHandled(ev.Provider, ev.EnforcementAction, ev.StatusCode, latency)

	tracing.SetOutcome(t.span, ev.EnforcementAction, ev.PolicyName, ev.StatusCode, ev.Error)
}

// readBody buffers at most limit bytes of body.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

type nopObserver struct{}

func (nopObserver) RequestHandled(string, string, int, time.Duration) {}
func (nopObserver) UpstreamFailed(string, string)                     {}
