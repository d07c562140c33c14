package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/policy/engine"
	"mercator-hq/warden/pkg/policy/manager"
)

// EventSink receives configuration events.
type EventSink interface {
	RecordConfigEvent(ctx context.Context, event *audit.ConfigEvent)
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists state changes to store.
func WithStore(store StateStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithEventSink sends configuration events to sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone time exceptions are evaluated in.
// Default: time.Local
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithPinnedMode keeps the mode given to NewEngine across LoadState, even
// when the persisted state carries a mode an operator set. It is used when
// the mode comes from the command line.
func WithPinnedMode() Option {
	return func(e *Engine) { e.pinned = true }
}

// OverrideRequest describes an override to grant.
type OverrideRequest struct {
	// Device is the IP or MAC the grant applies to.
	Device string

	// Target is a policy name, an endpoint host, or "*". Default: "*".
	Target string

	// Duration is the grant lifetime. Zero uses the configured default.
	Duration time.Duration

	Reason string
	Actor  string
}

// Engine resolves policy outcomes into enforcement actions and owns the
// enforcement state: mode, allowlist, overrides and the emergency switch.
// Reads take a snapshot under a read lock; every mutation is persisted and
// recorded as a configuration event.
type Engine struct {
	cfg      config.EnforcementConfig
	failMode FailMode
	actions  map[string]config.PolicyActionConfig
	store    StateStore
	sink     EventSink
	now      func() time.Time
	loc      *time.Location
	attempts *AttemptLimiter
	logger   *slog.Logger

	// configured is the gated startup mode. Persisted state only replaces
	// it when an operator changed the mode and the mode is not pinned.
	configured engine.Mode
	pinned     bool

	// saveMu serialises mutate-then-save so snapshots reach the store in
	// the order they were taken.
	saveMu sync.Mutex

	mu    sync.RWMutex
	state State
}

// NewEngine creates an engine from cfg starting in mode. Enforce mode is
// downgraded to advisory unless consent has been accepted.
func NewEngine(cfg *config.EnforcementConfig, mode engine.Mode, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	e := &Engine{
		cfg:      *cfg,
		failMode: FailMode(strings.ToLower(cfg.FailMode)),
		actions:  maps.Clone(cfg.PolicyActions),
		now:      time.Now,
		loc:      time.Local,
		logger:   slog.Default().With("component", "enforcement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.failMode != FailClosed {
		e.failMode = FailOpen
	}

	maxAttempts := cfg.Override.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = config.DefaultOverrideMaxAttempts
	}
	window := cfg.Override.AttemptWindow
	if window == 0 {
		window = config.DefaultOverrideAttemptWindow
	}
	e.attempts = NewAttemptLimiter(maxAttempts, window, e.now)

	now := e.now()
	e.configured = e.gate(mode)
	e.state = State{
		Mode:           e.configured,
		Devices:        devicesFromConfig(cfg.Allowlist.Devices, now),
		Groups:         groupsFromConfig(cfg.Allowlist.Groups),
		TimeExceptions: timeExceptionsFromConfig(cfg.TimeExceptions),
		Emergency:      cfg.Emergency.Active,
		UpdatedAt:      now,
	}

	return e, nil
}

// gate downgrades enforce to advisory when consent has not been given.
func (e *Engine) gate(mode engine.Mode) engine.Mode {
	if mode == engine.ModeEnforce && !e.cfg.ConsentAccepted {
		e.logger.Warn("enforce mode requires enforcement.consent_accepted, downgrading to advisory")
		return engine.ModeAdvisory
	}
	return mode
}

// LoadState replaces the configured state with the persisted one, if any.
// The allowlist, overrides and emergency switch come from the store. The
// mode comes from configuration unless an operator set it with SetMode and
// the mode is not pinned. It reports whether persisted state was found.
func (e *Engine) LoadState(ctx context.Context) (bool, error) {
	if e.store == nil {
		return false, nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	st, err := e.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load enforcement state: %w", err)
	}
	if st == nil {
		return false, nil
	}
	restored, err := e.sanitize(*st)
	if err != nil {
		return false, err
	}
	if e.pinned || !restored.ModeSet {
		restored.Mode = e.configured
		restored.ModeSet = false
	}

	e.mu.Lock()
	e.state = restored
	e.mu.Unlock()

	e.logger.Info("enforcement state restored",
		"mode", restored.Mode,
		"mode_from_state", restored.ModeSet,
		"devices", len(restored.Devices),
		"overrides", len(restored.Overrides),
		"emergency", restored.Emergency,
	)
	return true, nil
}

// Mode returns the global mode.
func (e *Engine) Mode() engine.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Mode
}

// FailMode returns the configured fail mode.
func (e *Engine) FailMode() FailMode {
	return e.failMode
}

// Exempt reports whether the subject bypasses policy entirely, either
// because the emergency switch is on or because the device is allowlisted.
// Callers may skip policy evaluation when it returns true.
func (e *Engine) Exempt(s Subject) (Decision, bool) {
	now := e.timeOf(s)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exemptLocked(s, now)
}

// Resolve turns the outcomes of every evaluated policy into one decision.
// Outcomes must be in load order. Resolution follows a fixed priority:
// emergency switch, allowlist, override grant, then the policy results.
func (e *Engine) Resolve(s Subject, outcomes []manager.Outcome) Decision {
	now := e.timeOf(s)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if d, ok := e.exemptLocked(s, now); ok {
		return d
	}

	d := e.combine(e.state.Mode, outcomes)

	if o, ok := e.overrideLocked(s, outcomes, now); ok {
		d.Action = ActionOverride
		d.Alert = false
		d.OverrideID = o.ID
		d.Reason = fmt.Sprintf("override active for %s until %s", o.Target, o.ExpiresAt.Format(time.RFC3339))
	}
	return d
}

func (e *Engine) timeOf(s Subject) time.Time {
	if s.Time.IsZero() {
		return e.now()
	}
	return s.Time
}

func (e *Engine) exemptLocked(s Subject, now time.Time) (Decision, bool) {
	if e.state.Emergency {
		return Decision{
			Action: ActionAllow,
			Mode:   e.state.Mode,
			Reason: "emergency override active",
		}, true
	}

	if name, ok := e.state.exemption(NormalizeIP(s.SourceIP), NormalizeMAC(s.Device), now, e.loc); ok {
		return Decision{
			Action:    ActionAllowlistBypass,
			Mode:      e.state.Mode,
			Reason:    "allowlisted by " + name,
			Exception: name,
		}, true
	}
	return Decision{}, false
}

// overrideLocked finds an active grant for the subject's device whose
// target is "*", the endpoint, or one of the evaluated policies.
func (e *Engine) overrideLocked(s Subject, outcomes []manager.Outcome, now time.Time) (Override, bool) {
	ip, mac := NormalizeIP(s.SourceIP), NormalizeMAC(s.Device)
	endpoint := strings.ToLower(s.Endpoint)

	for _, o := range e.state.Overrides {
		if !o.Active(now) {
			continue
		}
		if o.Device != ip && (mac == "" || o.Device != mac) {
			continue
		}
		if o.Target == "*" || (endpoint != "" && o.Target == endpoint) {
			return o, true
		}
		for _, out := range outcomes {
			if out.Policy == o.Target {
				return o, true
			}
		}
	}
	return Override{}, false
}

// combine picks the decisive policy outcome. Any block wins; otherwise the
// highest-severity alert wins. Ties go to the policy loaded first.
func (e *Engine) combine(global engine.Mode, outcomes []manager.Outcome) Decision {
	var (
		block, alert           *Decision
		blockOrder, alertOrder int
		denied                 bool
	)

	consider := func(d Decision, order int) {
		switch d.Action {
		case ActionBlock:
			if block == nil || order < blockOrder {
				block, blockOrder = &d, order
			}
		case ActionAlert:
			if alert == nil || d.Severity > alert.Severity || (d.Severity == alert.Severity && order < alertOrder) {
				alert, alertOrder = &d, order
			}
		}
	}

	for _, o := range outcomes {
		act, capped := e.actions[o.Policy]
		if capped && !act.IsEnabled() {
			continue
		}

		if o.Err != nil {
			d := Decision{
				Action: ActionAlert,
				Mode:   global,
				Policy: o.Policy,
				Reason: "policy evaluation failed: " + o.Err.Error(),
				Alert:  true,
				Err:    o.Err,
			}
			if e.failMode == FailClosed && global == engine.ModeEnforce {
				d.Action = ActionBlock
			}
			consider(d, o.Order)
			continue
		}

		r := o.Result
		if !r.Denied() {
			continue
		}
		denied = denied || !r.Allow

		mode := engine.MinMode(global, r.Mode)
		if capped {
			switch act.Action {
			case "allow":
				continue
			case "block", "":
			default:
				mode = engine.MinMode(mode, engine.ModeAdvisory)
			}
		}

		d := Decision{
			Action:   ActionAlert,
			Mode:     mode,
			Policy:   o.Policy,
			Reason:   r.Reason,
			Severity: r.Severity,
			Metadata: maps.Clone(r.Metadata),
			Alert:    true,
		}
		if !r.Allow && mode == engine.ModeEnforce {
			d.Action = ActionBlock
		}
		consider(d, o.Order)
	}

	var d Decision
	switch {
	case block != nil:
		d = *block
	case alert != nil:
		d = *alert
	default:
		d = Decision{Action: ActionAllow, Mode: global}
	}
	d.Denied = denied
	return d
}

// SetMode changes the global mode and returns the mode actually applied.
func (e *Engine) SetMode(ctx context.Context, mode engine.Mode, actor string) (engine.Mode, error) {
	if !mode.Valid() {
		e.record(ctx, &audit.ConfigEvent{
			EventType: audit.EventModeChange,
			Actor:     actor,
			Details:   map[string]any{"requested": string(mode)},
		})
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	effective := e.gate(mode)
	var previous engine.Mode
	e.update(ctx, func(s *State) {
		previous = s.Mode
		s.Mode = effective
		s.ModeSet = true
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventModeChange,
		Actor:     actor,
		Success:   true,
		Details: map[string]any{
			"previous":  string(previous),
			"requested": string(mode),
			"effective": string(effective),
		},
	})
	return effective, nil
}

// AddDevice allowlists d, replacing any entry with the same IP or MAC.
func (e *Engine) AddDevice(ctx context.Context, d Device, actor string) (Device, error) {
	d, err := normalizeDevice(d)
	if err != nil {
		e.record(ctx, &audit.ConfigEvent{
			EventType: audit.EventDeviceAdd,
			Actor:     actor,
			Details:   map[string]any{"ip": d.IP, "mac": d.MAC, "error": err.Error()},
		})
		return d, err
	}
	if d.AddedAt.IsZero() {
		d.AddedAt = e.now()
	}

	e.update(ctx, func(s *State) {
		s.Devices = slices.DeleteFunc(s.Devices, func(x Device) bool {
			return (d.IP != "" && x.IP == d.IP) || (d.MAC != "" && x.MAC == d.MAC)
		})
		s.Devices = append(s.Devices, d)
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventDeviceAdd,
		Actor:     actor,
		Success:   true,
		Details:   map[string]any{"name": d.Name, "ip": d.IP, "mac": d.MAC, "permanent": d.Permanent},
	})
	return d, nil
}

// RemoveDevice removes the allowlist entry whose IP, MAC or name is key.
func (e *Engine) RemoveDevice(ctx context.Context, key, actor string) bool {
	ip, mac := NormalizeIP(key), NormalizeMAC(key)

	var removed bool
	e.update(ctx, func(s *State) {
		n := len(s.Devices)
		s.Devices = slices.DeleteFunc(s.Devices, func(x Device) bool {
			return (ip != "" && x.IP == ip) || (mac != "" && x.MAC == mac) || x.Name == key
		})
		removed = len(s.Devices) != n
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventDeviceRemove,
		Actor:     actor,
		Success:   removed,
		Details:   map[string]any{"device": key},
	})
	return removed
}

// AddGroup adds or replaces the group with g's name.
func (e *Engine) AddGroup(ctx context.Context, g Group, actor string) error {
	if g.Name == "" {
		return fmt.Errorf("group requires a name")
	}
	g.DeviceIPs = normalizeIPs(g.DeviceIPs)

	e.update(ctx, func(s *State) {
		s.Groups = slices.DeleteFunc(s.Groups, func(x Group) bool { return x.Name == g.Name })
		s.Groups = append(s.Groups, g)
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventGroupAdd,
		Actor:     actor,
		Success:   true,
		Details:   map[string]any{"name": g.Name, "devices": len(g.DeviceIPs)},
	})
	return nil
}

// AddTimeException adds or replaces the time exception with te's name.
func (e *Engine) AddTimeException(ctx context.Context, te TimeException, actor string) (TimeException, error) {
	te, err := validateTimeException(te)
	if err != nil {
		return te, err
	}

	e.update(ctx, func(s *State) {
		s.TimeExceptions = slices.DeleteFunc(s.TimeExceptions, func(x TimeException) bool { return x.Name == te.Name })
		s.TimeExceptions = append(s.TimeExceptions, te)
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventTimeExceptionAdd,
		Actor:     actor,
		Success:   true,
		Details:   map[string]any{"name": te.Name, "days": te.Days, "start": te.Start, "end": te.End},
	})
	return te, nil
}

// GrantOverride grants a time-boxed override. Expired grants are dropped.
func (e *Engine) GrantOverride(ctx context.Context, req OverrideRequest) (Override, error) {
	device := NormalizeIP(req.Device)
	if device == "" {
		device = NormalizeMAC(req.Device)
	}
	if device == "" {
		return Override{}, fmt.Errorf("invalid override device %q", req.Device)
	}

	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = "*"
	}
	duration := req.Duration
	if duration <= 0 {
		duration = e.cfg.Override.DefaultDuration
	}
	if duration <= 0 {
		duration = config.DefaultOverrideDuration
	}

	now := e.now()
	o := Override{
		ID:        uuid.NewString(),
		Device:    device,
		Target:    target,
		Reason:    req.Reason,
		GrantedBy: req.Actor,
		GrantedAt: now,
		ExpiresAt: now.Add(duration),
	}

	e.update(ctx, func(s *State) {
		s.Overrides = slices.DeleteFunc(s.Overrides, func(x Override) bool { return !x.Active(now) })
		s.Overrides = append(s.Overrides, o)
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventOverrideGrant,
		Actor:     req.Actor,
		SourceIP:  device,
		Success:   true,
		Details: map[string]any{
			"id":         o.ID,
			"target":     o.Target,
			"expires_at": o.ExpiresAt.Format(time.RFC3339),
			"reason":     o.Reason,
		},
	})
	return o, nil
}

// RevokeOverride removes the grant with id.
func (e *Engine) RevokeOverride(ctx context.Context, id, actor string) bool {
	var revoked bool
	e.update(ctx, func(s *State) {
		n := len(s.Overrides)
		s.Overrides = slices.DeleteFunc(s.Overrides, func(x Override) bool { return x.ID == id })
		revoked = len(s.Overrides) != n
	})

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventOverrideRevoke,
		Actor:     actor,
		Success:   revoked,
		Details:   map[string]any{"id": id},
	})
	return revoked
}

// ActiveOverrides returns the grants that have not expired.
func (e *Engine) ActiveOverrides() []Override {
	now := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Override, 0, len(e.state.Overrides))
	for _, o := range e.state.Overrides {
		if o.Active(now) {
			out = append(out, o)
		}
	}
	return out
}

// AttemptOverride verifies password for a self-service override from ip.
// The attempt counts against ip's budget before the password is checked;
// a successful attempt clears the budget and grants the default duration.
func (e *Engine) AttemptOverride(ctx context.Context, ip, password, target string) (Override, error) {
	fail := func(err error) (Override, error) {
		e.record(ctx, &audit.ConfigEvent{
			EventType: audit.EventOverrideAttempt,
			SourceIP:  ip,
			Details:   map[string]any{"target": target, "error": err.Error()},
		})
		return Override{}, err
	}

	if e.cfg.Override.PasswordHash == "" {
		return fail(ErrOverrideDisabled)
	}
	if !e.attempts.Allow(ip) {
		e.logger.Warn("override attempts rate limited", "source_ip", ip)
		return fail(ErrTooManyAttempts)
	}
	if !VerifyPassword(e.cfg.Override.PasswordHash, password) {
		return fail(ErrInvalidPassword)
	}

	e.attempts.Reset(ip)
	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventOverrideAttempt,
		SourceIP:  ip,
		Success:   true,
		Details:   map[string]any{"target": target},
	})

	return e.GrantOverride(ctx, OverrideRequest{
		Device: ip,
		Target: target,
		Reason: "self-service override",
		Actor:  "self-service",
	})
}

// ActivateEmergency disables enforcement until DeactivateEmergency. The
// password is checked against the emergency hash and shares the override
// attempt budget of actor.
func (e *Engine) ActivateEmergency(ctx context.Context, password, actor string) error {
	var err error
	switch {
	case e.cfg.Emergency.PasswordHash == "":
		err = ErrEmergencyDisabled
	case !e.attempts.Allow("emergency|" + actor):
		err = ErrTooManyAttempts
	case !VerifyPassword(e.cfg.Emergency.PasswordHash, password):
		err = ErrInvalidPassword
	}
	if err != nil {
		e.record(ctx, &audit.ConfigEvent{
			EventType: audit.EventEmergencyActivate,
			Actor:     actor,
			Details:   map[string]any{"error": err.Error()},
		})
		return err
	}

	e.attempts.Reset("emergency|" + actor)
	e.update(ctx, func(s *State) { s.Emergency = true })
	e.logger.Warn("emergency override activated, enforcement disabled", "actor", actor)

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventEmergencyActivate,
		Actor:     actor,
		Success:   true,
	})
	return nil
}

// DeactivateEmergency re-enables enforcement.
func (e *Engine) DeactivateEmergency(ctx context.Context, actor string) {
	e.update(ctx, func(s *State) { s.Emergency = false })
	e.logger.Info("emergency override deactivated", "actor", actor)

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventEmergencyDeactivate,
		Actor:     actor,
		Success:   true,
	})
}

// Emergency reports whether the emergency switch is on.
func (e *Engine) Emergency() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Emergency
}

// Snapshot returns a deep copy of the current state without expired
// overrides.
func (e *Engine) Snapshot() State {
	now := e.now()

	e.mu.RLock()
	s := e.state.Clone()
	e.mu.RUnlock()

	s.Overrides = slices.DeleteFunc(s.Overrides, func(o Override) bool { return !o.Active(now) })
	return s
}

// Restore replaces the state with st. The mode is subject to the consent
// gate and invalid allowlist entries are rejected.
func (e *Engine) Restore(ctx context.Context, st State, actor string) error {
	restored, err := e.sanitize(st)
	if err != nil {
		e.record(ctx, &audit.ConfigEvent{
			EventType: audit.EventStateRestore,
			Actor:     actor,
			Details:   map[string]any{"error": err.Error()},
		})
		return err
	}

	e.update(ctx, func(s *State) { *s = restored })

	e.record(ctx, &audit.ConfigEvent{
		EventType: audit.EventStateRestore,
		Actor:     actor,
		Success:   true,
		Details: map[string]any{
			"mode":      string(restored.Mode),
			"devices":   len(restored.Devices),
			"overrides": len(restored.Overrides),
		},
	})
	return nil
}

// sanitize validates st and returns a normalized deep copy.
func (e *Engine) sanitize(st State) (State, error) {
	st = st.Clone()
	if !st.Mode.Valid() {
		return st, fmt.Errorf("%w: %q", ErrInvalidMode, st.Mode)
	}
	st.Mode = e.gate(st.Mode)

	for i, d := range st.Devices {
		n, err := normalizeDevice(d)
		if err != nil {
			return st, fmt.Errorf("device %d: %w", i, err)
		}
		st.Devices[i] = n
	}
	for i, g := range st.Groups {
		st.Groups[i].DeviceIPs = normalizeIPs(g.DeviceIPs)
	}
	for i, te := range st.TimeExceptions {
		n, err := validateTimeException(te)
		if err != nil {
			return st, fmt.Errorf("time exception %q: %w", te.Name, err)
		}
		st.TimeExceptions[i] = n
	}
	return st, nil
}

// update applies fn under the write lock and persists the result.
func (e *Engine) update(ctx context.Context, fn func(*State)) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	fn(&e.state)
	e.state.UpdatedAt = e.now()
	snap := e.state.Clone()
	e.mu.Unlock()

	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, snap); err != nil {
		e.logger.Error("failed to persist enforcement state", "error", err)
	}
}

func (e *Engine) record(ctx context.Context, ev *audit.ConfigEvent) {
	ev.Timestamp = e.now()

	level := slog.LevelInfo
	if !ev.Success {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "configuration event",
		"event_type", ev.EventType,
		"actor", ev.Actor,
		"source_ip", ev.SourceIP,
		"success", ev.Success,
	)

	if e.sink != nil {
		e.sink.RecordConfigEvent(ctx, ev)
	}
}
