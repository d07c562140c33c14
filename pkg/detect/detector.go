package detect

import (
	"encoding/json"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"mercator-hq/warden/pkg/telemetry/logging"
)

type domainRule struct {
	domain   string
	provider string
}

// Ordered so that longer, more specific domains win suffix matches.
var domainRules = []domainRule{
	{"generativelanguage.googleapis.com", ProviderGoogle},
	{"gemini.google.com", ProviderGoogle},
	{"api.anthropic.com", ProviderAnthropic},
	{"api.openai.com", ProviderOpenAI},
	{"api.mistral.ai", ProviderMistral},
	{"api.cohere.ai", ProviderCohere},
	{"anthropic.com", ProviderAnthropic},
	{"chatgpt.com", ProviderOpenAI},
	{"openai.com", ProviderOpenAI},
	{"mistral.ai", ProviderMistral},
	{"claude.ai", ProviderAnthropic},
}

type pathRule struct {
	contains string
	provider string
}

var pathRules = []pathRule{
	{"/v1/chat/completions", ProviderOpenAI},
	{"/v1/completions", ProviderOpenAI},
	{"/v1/embeddings", ProviderOpenAI},
	{"/v1/messages", ProviderAnthropic},
	{"/v1/complete", ProviderAnthropic},
	{":generatecontent", ProviderGoogle},
	{":streamgeneratecontent", ProviderGoogle},
	{"/v1beta/models", ProviderGoogle},
}

// Detector classifies requests. It is safe for concurrent use.
type Detector struct {
	redactor    *logging.Redactor
	piiPatterns map[string]*regexp.Regexp
	location    *time.Location
}

// New creates a detector. Hours and weekdays are computed in loc; a nil loc
// means time.Local.
func New(loc *time.Location) *Detector {
	if loc == nil {
		loc = time.Local
	}
	return &Detector{
		redactor: logging.NewRedactor(),
		piiPatterns: map[string]*regexp.Regexp{
			"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			"phone":       regexp.MustCompile(`\b(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
			"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			"credit_card": regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			"ip_address":  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		},
		location: loc,
	}
}

// Classify inspects req and returns its classification.
func (d *Detector) Classify(req Request) Result {
	host := NormalizeHost(req.Host)
	provider, confidence := DetectProvider(host, req.Path)

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	local := ts.In(d.location)

	res := Result{
		Provider:   provider,
		Confidence: confidence,
		Endpoint:   host,
		Hour:       local.Hour(),
		Weekday:    strings.ToLower(local.Weekday().String()),
	}

	if provider == ProviderGoogle {
		res.Model, res.Stream = googleModel(req.Path)
	}

	raw := d.parseBody(req.Body, &res)
	res.PII = d.detectPII(raw)

	return res
}

// DetectProvider maps a host and path to a provider and confidence.
func DetectProvider(host, path string) (string, float64) {
	host = NormalizeHost(host)

	for _, r := range domainRules {
		if host == r.domain {
			return r.provider, 0.95
		}
	}
	for _, r := range domainRules {
		if strings.HasSuffix(host, "."+r.domain) {
			return r.provider, 0.9
		}
	}

	lower := strings.ToLower(path)
	for _, r := range pathRules {
		if strings.Contains(lower, r.contains) {
			return r.provider, 0.5
		}
	}

	return ProviderUnknown, 0
}

// NormalizeHost lower-cases host and strips any port.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

// Truncate shortens s to PreviewLimit characters, appending "..." when cut.
func Truncate(s string) string {
	return TruncateTo(s, PreviewLimit)
}

// TruncateTo shortens s to limit characters without splitting a rune.
func TruncateTo(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	i := 0
	for pos := range s {
		if i == limit {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

// Preview truncates and redacts content for downstream use.
func (d *Detector) Preview(s string) string {
	return Truncate(d.redactor.RedactString(s))
}

type chatBody struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Prompt   json.RawMessage `json:"prompt"`
	System   json.RawMessage `json:"system"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

// parseBody fills model, stream, messages and prompt from a JSON body and
// returns the raw concatenated text used for PII detection. Bodies that are
// not JSON are treated as plain text.
func (d *Detector) parseBody(body []byte, res *Result) string {
	if len(body) == 0 {
		return ""
	}

	var b chatBody
	if err := json.Unmarshal(body, &b); err != nil {
		text := string(body)
		res.Prompt = d.Preview(text)
		return text
	}

	if b.Model != "" {
		res.Model = b.Model
	}
	res.Stream = res.Stream || b.Stream

	var raw strings.Builder
	add := func(role, text string) {
		if text == "" {
			return
		}
		raw.WriteString(text)
		raw.WriteByte('\n')
		res.Messages = append(res.Messages, Message{Role: role, Content: d.Preview(text)})
		if role == "user" || role == "prompt" {
			res.Prompt = d.Preview(text)
		}
	}

	if s := contentText(b.System); s != "" {
		add("system", s)
	}
	for _, m := range b.Messages {
		add(m.Role, contentText(m.Content))
	}
	for _, c := range b.Contents {
		role := c.Role
		if role == "" {
			role = "user"
		}
		var parts []string
		for _, p := range c.Parts {
			parts = append(parts, p.Text)
		}
		add(role, strings.Join(parts, " "))
	}
	if s := contentText(b.Prompt); s != "" {
		add("prompt", s)
	}

	return raw.String()
}

// contentText flattens the string, array-of-strings and array-of-blocks
// shapes used by the major APIs.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}

	var parts []string
	for _, item := range items {
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			parts = append(parts, str)
			continue
		}
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item, &block); err == nil && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, " ")
}

func (d *Detector) detectPII(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	for name, re := range d.piiPatterns {
		if re.MatchString(text) {
			found = append(found, name)
		}
	}
	sort.Strings(found)
	return found
}

// googleModel extracts the model name and streaming flag from paths such as
// /v1beta/models/gemini-pro:streamGenerateContent.
func googleModel(path string) (string, bool) {
	idx := strings.Index(path, "/models/")
	if idx < 0 {
		return "", false
	}
	rest := path[idx+len("/models/"):]
	model, method, _ := strings.Cut(rest, ":")
	if slash := strings.IndexByte(model, '/'); slash >= 0 {
		model = model[:slash]
	}
	return model, strings.EqualFold(method, "streamGenerateContent")
}
