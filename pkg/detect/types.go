package detect

import "time"

// Provider names produced by the detector.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderMistral   = "mistral"
	ProviderCohere    = "cohere"
	ProviderUnknown   = "unknown"
)

// PreviewLimit is the number of characters kept from any content before it
// is used downstream.
const PreviewLimit = 200

// Request is the subset of an intercepted request the detector looks at.
type Request struct {
	Host      string
	Path      string
	Method    string
	Body      []byte
	Timestamp time.Time
}

// Message is one conversation turn, with content already truncated and
// redacted.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the classification of one request.
type Result struct {
	// Provider is one of the Provider constants or ProviderUnknown.
	Provider string

	// Confidence is 0.95 for an exact domain match, 0.9 for a subdomain,
	// 0.5 for a path-only match and 0 for unknown.
	Confidence float64

	// Endpoint is the normalised destination host without port.
	Endpoint string

	Model    string
	Stream   bool
	Hour     int
	Weekday  string
	Messages []Message

	// Prompt is the preview of the latest user turn.
	Prompt string

	// PII lists the categories detected in the request content, sorted.
	PII []string
}
