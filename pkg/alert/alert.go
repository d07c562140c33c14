package alert

import (
	"context"
	"fmt"
	"time"
)

// Alert describes a policy violation worth telling someone about.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	User      string         `json:"user,omitempty"`
	Device    string         `json:"device,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Policy    string         `json:"policy"`
	Reason    string         `json:"reason"`
	Mode      string         `json:"mode"`
	Action    string         `json:"action"` // "alert" or "block"
	Severity  string         `json:"severity,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Title is the one-line summary used by push and email channels.
func (a Alert) Title() string {
	return fmt.Sprintf("Warden: %s", a.Policy)
}

// Who names the subject of the alert: user, then device, then address.
func (a Alert) Who() string {
	switch {
	case a.User != "":
		return a.User
	case a.Device != "":
		return a.Device
	default:
		return a.SourceIP
	}
}

// Channel delivers alerts to one destination.
type Channel interface {
	// Name identifies the channel in logs and metrics.
	Name() string

	// Send delivers a single alert.
	Send(ctx context.Context, a Alert) error
}
