package detect

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		host, path string
		provider   string
		confidence float64
	}{
		{"api.openai.com", "/v1/chat/completions", ProviderOpenAI, 0.95},
		{"API.OpenAI.com:443", "", ProviderOpenAI, 0.95},
		{"eu.api.openai.com", "", ProviderOpenAI, 0.9},
		{"api.anthropic.com", "/v1/messages", ProviderAnthropic, 0.95},
		{"generativelanguage.googleapis.com", "", ProviderGoogle, 0.95},
		{"gemini.google.com", "", ProviderGoogle, 0.95},
		{"api.mistral.ai", "", ProviderMistral, 0.95},
		{"api.cohere.ai", "", ProviderCohere, 0.95},
		{"llm.internal", "/v1/chat/completions", ProviderOpenAI, 0.5},
		{"llm.internal", "/v1/messages", ProviderAnthropic, 0.5},
		{"llm.internal", "/v1beta/models/gemini-pro:generateContent", ProviderGoogle, 0.5},
		{"example.com", "/index.html", ProviderUnknown, 0},
		{"notopenai.com", "", ProviderUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.host+tt.path, func(t *testing.T) {
			p, c := DetectProvider(tt.host, tt.path)
			if p != tt.provider || c != tt.confidence {
				t.Errorf("DetectProvider(%q, %q) = %q, %v; want %q, %v", tt.host, tt.path, p, c, tt.provider, tt.confidence)
			}
		})
	}
}

func TestClassify_OpenAIChat(t *testing.T) {
	d := New(time.UTC)
	body := `{
		"model": "gpt-4o",
		"stream": true,
		"messages": [
			{"role": "system", "content": "You are helpful."},
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "an answer"},
			{"role": "user", "content": [{"type": "text", "text": "email me at kid@example.com"}]}
		]
	}`

	res := d.Classify(Request{
		Host:      "api.openai.com",
		Path:      "/v1/chat/completions",
		Method:    "POST",
		Body:      []byte(body),
		Timestamp: time.Date(2025, 3, 14, 22, 5, 0, 0, time.UTC),
	})

	if res.Provider != ProviderOpenAI || res.Model != "gpt-4o" || !res.Stream {
		t.Errorf("unexpected classification %+v", res)
	}
	if res.Hour != 22 || res.Weekday != "friday" {
		t.Errorf("expected hour 22 on friday, got %d %s", res.Hour, res.Weekday)
	}
	if len(res.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(res.Messages))
	}
	if strings.Contains(res.Prompt, "kid@example.com") {
		t.Errorf("prompt preview leaks email: %q", res.Prompt)
	}
	if !reflect.DeepEqual(res.PII, []string{"email"}) {
		t.Errorf("expected email PII, got %v", res.PII)
	}
}

func TestClassify_AnthropicAndGoogle(t *testing.T) {
	d := New(time.UTC)

	anth := d.Classify(Request{
		Host: "api.anthropic.com",
		Path: "/v1/messages",
		Body: []byte(`{"model":"claude-3-5-sonnet","system":"be brief","messages":[{"role":"user","content":"hello"}]}`),
	})
	if anth.Model != "claude-3-5-sonnet" || anth.Prompt != "hello" {
		t.Errorf("unexpected anthropic classification %+v", anth)
	}
	if anth.Messages[0].Role != "system" {
		t.Errorf("expected system message first, got %+v", anth.Messages)
	}

	goog := d.Classify(Request{
		Host: "generativelanguage.googleapis.com",
		Path: "/v1beta/models/gemini-1.5-pro:streamGenerateContent",
		Body: []byte(`{"contents":[{"role":"user","parts":[{"text":"call 555-123-4567"}]}]}`),
	})
	if goog.Model != "gemini-1.5-pro" || !goog.Stream {
		t.Errorf("unexpected google classification %+v", goog)
	}
	if !reflect.DeepEqual(goog.PII, []string{"phone"}) {
		t.Errorf("expected phone PII, got %v", goog.PII)
	}
}

func TestClassify_NeverFails(t *testing.T) {
	d := New(nil)

	tests := []Request{
		{},
		{Host: "example.com", Body: []byte("not json at all")},
		{Host: "api.openai.com", Body: []byte(`{"messages": 42}`)},
		{Host: "[::1]:8080", Path: "/"},
	}

	for _, req := range tests {
		res := d.Classify(req)
		if res.Provider == "" {
			t.Errorf("expected a provider for %+v", req)
		}
	}

	res := d.Classify(Request{Host: "example.com", Body: []byte("plain text prompt")})
	if res.Provider != ProviderUnknown || res.Prompt != "plain text prompt" {
		t.Errorf("unexpected fallback classification %+v", res)
	}
}

func TestTruncate(t *testing.T) {
	short := "short"
	if Truncate(short) != short {
		t.Error("short strings must be unchanged")
	}

	long := strings.Repeat("a", PreviewLimit+50)
	got := Truncate(long)
	if got != strings.Repeat("a", PreviewLimit)+"..." {
		t.Errorf("unexpected truncation of length %d", len(got))
	}

	runes := strings.Repeat("é", PreviewLimit+1)
	if got := Truncate(runes); got != strings.Repeat("é", PreviewLimit)+"..." {
		t.Error("truncation must not split runes")
	}
}

func TestPreview_RedactsSecrets(t *testing.T) {
	d := New(time.UTC)
	got := d.Preview("my key is sk-abcdefghijklmnopqrstuvwx")
	if strings.Contains(got, "abcdefghijklmnop") {
		t.Errorf("preview leaks key: %q", got)
	}
}
