package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxRetries is how many times a webhook is retried after a 5xx answer.
const maxRetries = 2

// WebhookChannel posts alerts as JSON.
type WebhookChannel struct {
	name       string
	url        string
	headers    map[string]string
	client     *http.Client
	retryDelay time.Duration
}

// NewWebhookChannel creates a webhook channel. Name defaults to the URL host.
func NewWebhookChannel(name, target string, headers map[string]string) *WebhookChannel {
	if name == "" {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			name = u.Host
		} else {
			name = "webhook"
		}
	}
	return &WebhookChannel{
		name:       "webhook:" + name,
		url:        target,
		headers:    headers,
		client:     &http.Client{},
		retryDelay: time.Second,
	}
}

// Name implements Channel.
func (w *WebhookChannel) Name() string { return w.name }

// Send posts a with retry on 5xx. Client errors are not retried.
func (w *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.retryDelay):
			case <-ctx.Done():
				return fmt.Errorf("webhook cancelled after %d attempts: %w", attempt, lastErr)
			}
		}

		status, err := postJSON(ctx, w.client, w.url, body, w.headers)
		if err != nil {
			lastErr = err
			continue
		}
		if status < 300 {
			return nil
		}
		if status < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", status)
		}
		lastErr = fmt.Errorf("webhook server error: HTTP %d", status)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries+1, lastErr)
}

// GotifyChannel pushes alerts to a Gotify server.
type GotifyChannel struct {
	url      string
	token    string
	priority int
	client   *http.Client
}

// NewGotifyChannel creates a Gotify channel. A zero priority becomes 5.
func NewGotifyChannel(serverURL, token string, priority int) *GotifyChannel {
	if priority == 0 {
		priority = 5
	}
	return &GotifyChannel{
		url:      strings.TrimRight(serverURL, "/"),
		token:    token,
		priority: priority,
		client:   &http.Client{},
	}
}

// Name implements Channel.
func (g *GotifyChannel) Name() string { return "gotify" }

// Send implements Channel.
func (g *GotifyChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(map[string]any{
		"title":    a.Title(),
		"message":  message(a),
		"priority": g.priority,
		"extras": map[string]any{
			"client::display": map[string]any{"contentType": "text/plain"},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal gotify message: %w", err)
	}

	status, err := postJSON(ctx, g.client, g.url+"/message?token="+url.QueryEscape(g.token), body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("gotify rejected: HTTP %d", status)
	}
	return nil
}

// PushoverChannel pushes alerts through the Pushover API.
type PushoverChannel struct {
	url      string
	apiToken string
	userKey  string
	client   *http.Client
}

// NewPushoverChannel creates a Pushover channel.
func NewPushoverChannel(apiURL, apiToken, userKey string) *PushoverChannel {
	return &PushoverChannel{
		url:      apiURL,
		apiToken: apiToken,
		userKey:  userKey,
		client:   &http.Client{},
	}
}

// Name implements Channel.
func (p *PushoverChannel) Name() string { return "pushover" }

// Send implements Channel.
func (p *PushoverChannel) Send(ctx context.Context, a Alert) error {
	form := url.Values{
		"token":    {p.apiToken},
		"user":     {p.userKey},
		"title":    {a.Title()},
		"message":  {message(a)},
		"priority": {strconv.Itoa(0)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushover rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, target string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// message is the plain-text body used by push channels.
func message(a Alert) string {
	who := a.Who()
	if who == "" {
		return a.Reason
	}
	return fmt.Sprintf("%s (%s, %s mode)", a.Reason, who, a.Mode)
}
