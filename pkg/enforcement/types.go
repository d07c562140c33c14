package enforcement

import (
	"slices"
	"time"

	"mercator-hq/warden/pkg/policy/engine"
)

// Action is the enforcement outcome for one request.
type Action string

const (
	// ActionAllow forwards the request.
	ActionAllow Action = "allow"

	// ActionAlert forwards the request and raises an alert.
	ActionAlert Action = "alert"

	// ActionBlock rejects the request.
	ActionBlock Action = "block"

	// ActionOverride forwards the request under an active override grant.
	ActionOverride Action = "override"

	// ActionAllowlistBypass forwards the request without policy effect
	// because the device is allowlisted.
	ActionAllowlistBypass Action = "allowlist_bypass"

	// ActionError records a request that failed upstream.
	ActionError Action = "error"
)

// FailMode selects the action taken when policy evaluation fails.
type FailMode string

const (
	// FailOpen lets the request through and records the error.
	FailOpen FailMode = "open"

	// FailClosed blocks the request when the global mode is enforce.
	FailClosed FailMode = "closed"
)

// Subject identifies the request being resolved.
type Subject struct {
	SourceIP string
	Device   string // MAC or other device identifier, optional
	Endpoint string // Destination host
	Time     time.Time
}

// Decision is the resolved enforcement outcome for one request.
type Decision struct {
	Action Action

	// Mode is the effective mode of the deciding policy, or the global mode
	// when no policy decided.
	Mode engine.Mode

	// Policy names the deciding policy.
	Policy string

	Reason   string
	Severity int
	Metadata map[string]any

	// Denied reports whether any policy denied the request, even when the
	// action is weaker than block.
	Denied bool

	// Alert reports whether an alert should be raised.
	Alert bool

	// Err is the evaluation error behind an error-driven decision.
	Err error

	// OverrideID identifies the grant behind an override decision.
	OverrideID string

	// Exception names the allowlist entry behind a bypass.
	Exception string
}

// Blocked reports whether the request must be rejected.
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// Device is an allowlisted device.
type Device struct {
	Name      string     `json:"name"`
	IP        string     `json:"ip,omitempty"`
	MAC       string     `json:"mac,omitempty"`
	Enabled   bool       `json:"enabled"`
	Permanent bool       `json:"permanent"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	AddedAt   time.Time  `json:"added_at"`
}

// Active reports whether the entry applies at now.
func (d Device) Active(now time.Time) bool {
	if !d.Enabled {
		return false
	}
	return d.Permanent || d.ExpiresAt == nil || now.Before(*d.ExpiresAt)
}

// Matches reports whether the entry names the given address or normalized MAC.
func (d Device) Matches(ip, mac string) bool {
	return (d.IP != "" && d.IP == ip) || (d.MAC != "" && d.MAC == mac)
}

// Group is a named set of allowlisted device addresses.
type Group struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	DeviceIPs   []string `json:"device_ips"`
}

// TimeException is a recurring window during which devices bypass policy.
type TimeException struct {
	Name      string   `json:"name"`
	Days      []string `json:"days"`
	Start     string   `json:"start"` // "HH:MM"
	End       string   `json:"end"`   // "HH:MM", before Start spans midnight
	DeviceIPs []string `json:"device_ips,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// Override is a time-boxed grant letting a device through policy. It can be
// used any number of times until it expires or is revoked.
type Override struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	Target    string    `json:"target"` // Policy name, endpoint host, or "*"
	Reason    string    `json:"reason,omitempty"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the grant applies at now.
func (o Override) Active(now time.Time) bool {
	return now.Before(o.ExpiresAt)
}

// State is the mutable enforcement state owned by an Engine.
type State struct {
	Mode           engine.Mode     `json:"mode"`
	ModeSet        bool            `json:"mode_set,omitempty"` // Mode was set by an operator
	Devices        []Device        `json:"devices"`
	Groups         []Group         `json:"groups"`
	TimeExceptions []TimeException `json:"time_exceptions"`
	Overrides      []Override      `json:"overrides"`
	Emergency      bool            `json:"emergency"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.Devices = slices.Clone(s.Devices)
	for i, d := range c.Devices {
		if d.ExpiresAt != nil {
			t := *d.ExpiresAt
			c.Devices[i].ExpiresAt = &t
		}
	}
	c.Groups = slices.Clone(s.Groups)
	for i := range c.Groups {
		c.Groups[i].DeviceIPs = slices.Clone(c.Groups[i].DeviceIPs)
	}
	c.TimeExceptions = slices.Clone(s.TimeExceptions)
	for i := range c.TimeExceptions {
		c.TimeExceptions[i].Days = slices.Clone(c.TimeExceptions[i].Days)
		c.TimeExceptions[i].DeviceIPs = slices.Clone(c.TimeExceptions[i].DeviceIPs)
	}
	c.Overrides = slices.Clone(s.Overrides)
	return c
}
