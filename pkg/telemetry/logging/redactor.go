package logging

import (
	"regexp"
	"strings"
)

// Redactor removes credentials and personal data from free text such as
// prompt previews. Patterns are applied in a fixed order so the output is
// deterministic.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Pattern names understood by the default redactor.
const (
	PatternAPIKey      = "api_key"
	PatternBearerToken = "bearer_token"
	PatternPassword    = "password"
	PatternEmail       = "email"
	PatternSSN         = "ssn"
	PatternCreditCard  = "credit_card"
)

var defaultPatterns = []struct {
	name        string
	regex       string
	replacement string
}{
	// Bearer tokens first so the key pattern does not eat half a header.
	{PatternBearerToken, `(?i)bearer\s+[a-zA-Z0-9\-._~+/]+=*`, "Bearer ***"},
	{PatternAPIKey, `(sk-(?:ant-|proj-)?[a-zA-Z0-9_\-]{8,}|AIza[0-9A-Za-z_\-]{20,})`, "sk-***"},
	{PatternPassword, `(?i)(password|passwd|pwd)\s*[:=]\s*\S+`, "$1: ***"},
	{PatternEmail, `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "***@***"},
	{PatternSSN, `\b\d{3}-\d{2}-\d{4}\b`, "***-**-****"},
	{PatternCreditCard, `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`, "****-****-****-****"},
}

// NewRedactor returns a redactor with the built-in patterns. Names listed in
// skip are left out, so callers can keep e.g. emails visible.
func NewRedactor(skip ...string) *Redactor {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	r := &Redactor{}
	for _, p := range defaultPatterns {
		if skipped[p.name] {
			continue
		}
		r.patterns = append(r.patterns, redactPattern{
			name:        p.name,
			regex:       regexp.MustCompile(p.regex),
			replacement: p.replacement,
		})
	}
	return r
}

// RedactString returns value with every matched pattern replaced.
func (r *Redactor) RedactString(value string) string {
	if r == nil || value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// IsSensitiveKey reports whether a header or field name carries a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "api-key", "authorization", "cookie"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
