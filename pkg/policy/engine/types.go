package engine

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the enforcement posture a decision was produced under.
type Mode string

const (
	// ModeObserve records decisions without acting on them.
	ModeObserve Mode = "observe"

	// ModeAdvisory records decisions and raises alerts.
	ModeAdvisory Mode = "advisory"

	// ModeEnforce records, alerts, and blocks denied requests.
	ModeEnforce Mode = "enforce"
)

// ParseMode converts a configured mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeObserve:
		return ModeObserve, nil
	case ModeAdvisory:
		return ModeAdvisory, nil
	case ModeEnforce:
		return ModeEnforce, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Rank orders modes from least to most restrictive. Unknown modes rank
// below observe.
func (m Mode) Rank() int {
	switch m {
	case ModeObserve:
		return 1
	case ModeAdvisory:
		return 2
	case ModeEnforce:
		return 3
	default:
		return 0
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m.Rank() > 0
}

// MinMode returns the less restrictive of a and b. An invalid mode is
// ignored in favour of the other.
func MinMode(a, b Mode) Mode {
	switch {
	case !a.Valid():
		return b
	case !b.Valid():
		return a
	case a.Rank() <= b.Rank():
		return a
	default:
		return b
	}
}

// Message is one conversation turn as seen by a policy.
type Message struct {
	Role    string
	Content string
}

// UsageConfig carries the usage facts a policy may compare against.
type UsageConfig struct {
	Mode              Mode
	DailyThreshold    int
	ThresholdExceeded bool
	UsagePercent      float64
}

// Input is the structured document a policy is evaluated against.
type Input struct {
	User         string
	Device       string
	SourceIP     string
	Endpoint     string
	Provider     string
	Method       string
	Path         string
	Model        string
	Prompt       string
	Messages     []Message
	PII          []string
	Timestamp    time.Time
	Hour         int
	Weekday      string
	RequestCount int
	Config       UsageConfig

	// Extra is merged into the document under its own keys. It cannot
	// replace the fields above.
	Extra map[string]any
}

// Document renders the input as a JSON-shaped map. When withTimestamp is
// false the timestamp is omitted so that the document can be used as a
// cache key; hour and weekday remain because policies read them.
func (in Input) Document(withTimestamp bool) map[string]any {
	messages := make([]any, 0, len(in.Messages))
	for _, m := range in.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	pii := make([]any, 0, len(in.PII))
	for _, p := range in.PII {
		pii = append(pii, p)
	}

	doc := make(map[string]any, 20+len(in.Extra))
	for k, v := range in.Extra {
		doc[k] = v
	}

	doc["user"] = in.User
	doc["device"] = in.Device
	doc["source_ip"] = in.SourceIP
	doc["endpoint"] = in.Endpoint
	doc["provider"] = in.Provider
	doc["method"] = in.Method
	doc["path"] = in.Path
	doc["model"] = in.Model
	doc["prompt"] = in.Prompt
	doc["messages"] = messages
	doc["pii"] = pii
	doc["hour"] = in.Hour
	doc["weekday"] = in.Weekday
	doc["request_count"] = in.RequestCount
	doc["config"] = map[string]any{
		"mode":               string(in.Config.Mode),
		"daily_threshold":    in.Config.DailyThreshold,
		"threshold_exceeded": in.Config.ThresholdExceeded,
		"usage_percent":      in.Config.UsagePercent,
	}
	if withTimestamp && !in.Timestamp.IsZero() {
		doc["timestamp"] = in.Timestamp.UTC().Format(time.RFC3339)
	}

	return doc
}

// Narrow returns the part of doc that a policy reading paths can observe.
// Paths use the InputReader form. A nil paths returns doc unchanged.
func Narrow(doc map[string]any, paths []string) map[string]any {
	if paths == nil {
		return doc
	}
	out := make(map[string]any, len(paths))
	fields := make(map[string]map[string]any)
	for _, p := range paths {
		top, sub, nested := strings.Cut(p, ".")
		v, ok := doc[top]
		if !ok {
			continue
		}
		if !nested {
			out[top] = v
			continue
		}
		src, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if fields[top] == nil {
			fields[top] = make(map[string]any)
		}
		if sv, ok := src[sub]; ok {
			fields[top][sub] = sv
		}
	}
	for top, m := range fields {
		if _, whole := out[top]; !whole {
			out[top] = m
		}
	}
	return out
}

// Result is the decision produced by one policy.
type Result struct {
	// Allow is false when the policy wants the request denied.
	Allow bool

	// Mode is the posture the policy asks for. Empty means the global mode.
	Mode Mode

	// Reason is a human-readable explanation.
	Reason string

	// Metadata carries arbitrary facts for alerts and dashboards.
	Metadata map[string]any

	// Violation is the policy's explicit signal that a rule was broken,
	// independent of Allow.
	Violation bool

	// Severity ranks advisory results. Derived from metadata "severity".
	Severity int
}

// Clone returns a copy of r whose metadata shares no maps or slices with r.
// Metadata holds decoded JSON, so only maps and slices need copying.
func (r Result) Clone() Result {
	if r.Metadata != nil {
		r.Metadata = cloneJSON(r.Metadata).(map[string]any)
	}
	return r
}

func cloneJSON(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneJSON(e)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneJSON(e)
		}
		return s
	default:
		return v
	}
}

// Denied reports whether the result asks for the request to be stopped or
// flagged.
func (r Result) Denied() bool {
	return !r.Allow || r.Violation
}
