package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/warden/pkg/config"
)

func testAlert() Alert {
	return Alert{
		Timestamp: time.Date(2026, 3, 4, 22, 15, 0, 0, time.UTC),
		RequestID: "req-1",
		Device:    "kids-tablet",
		SourceIP:  "192.168.1.50",
		Provider:  "openai",
		Policy:    "bedtime",
		Reason:    "LLM use after 21:00",
		Mode:      "advisory",
		Action:    "alert",
	}
}

func fastWebhook(url string) *WebhookChannel {
	w := NewWebhookChannel("test", url, map[string]string{"X-Token": "secret"})
	w.retryDelay = time.Millisecond
	return w
}

func TestWebhookChannel_Retries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantErr      bool
		wantAttempts int32
	}{
		{"success", []int{200}, false, 1},
		{"recovers after 5xx", []int{503, 502, 200}, false, 3},
		{"gives up after two retries", []int{500, 500, 500, 500}, true, 3},
		{"client error not retried", []int{400}, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				if r.Header.Get("X-Token") != "secret" {
					t.Errorf("custom header missing")
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
				}
				var got Alert
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil || got.Policy != "bedtime" {
					t.Errorf("bad body: %v %+v", err, got)
				}
				w.WriteHeader(tt.statuses[int(n)-1])
			}))
			defer srv.Close()

			err := fastWebhook(srv.URL).Send(context.Background(), testAlert())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if attempts.Load() != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts.Load(), tt.wantAttempts)
			}
		})
	}
}

func TestWebhookChannel_Name(t *testing.T) {
	if got := NewWebhookChannel("", "https://hooks.example.com/x", nil).Name(); got != "webhook:hooks.example.com" {
		t.Errorf("Name() = %q", got)
	}
	if got := NewWebhookChannel("ops", "https://hooks.example.com/x", nil).Name(); got != "webhook:ops" {
		t.Errorf("Name() = %q", got)
	}
}

func TestGotifyChannel(t *testing.T) {
	var body map[string]any
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message" {
			t.Errorf("path = %q", r.URL.Path)
		}
		token = r.URL.Query().Get("token")
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	if err := NewGotifyChannel(srv.URL+"/", "app-token", 0).Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if token != "app-token" {
		t.Errorf("token = %q", token)
	}
	if body["title"] != "Warden: bedtime" || body["priority"] != float64(5) {
		t.Errorf("body = %v", body)
	}
	if !strings.Contains(body["message"].(string), "kids-tablet") {
		t.Errorf("message = %v", body["message"])
	}
}

func TestPushoverChannel(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form = r.PostForm
	}))
	defer srv.Close()

	if err := NewPushoverChannel(srv.URL, "api-token", "user-key").Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if form.Get("token") != "api-token" || form.Get("user") != "user-key" || form.Get("title") != "Warden: bedtime" {
		t.Errorf("form = %v", form)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer failing.Close()
	if err := NewPushoverChannel(failing.URL, "t", "u").Send(context.Background(), testAlert()); err == nil {
		t.Error("Send() should fail on HTTP 400")
	}
}

func TestEmailChannel(t *testing.T) {
	ch := NewEmailChannel(config.EmailConfig{
		SMTPHost: "mail.example.com",
		SMTPPort: 587,
		Username: "warden",
		Password: "pw",
		From:     "warden@example.com",
		To:       []string{"parent@example.com"},
	})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	ch.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, auth, from, to, msg
		return nil
	}

	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if gotAddr != "mail.example.com:587" || gotFrom != "warden@example.com" || len(gotTo) != 1 {
		t.Errorf("envelope = %s %s %v", gotAddr, gotFrom, gotTo)
	}
	if gotAuth == nil {
		t.Error("expected PLAIN auth when a username is set")
	}

	msg := string(gotMsg)
	for _, want := range []string{
		"Subject: Warden: bedtime",
		"multipart/alternative",
		"text/plain",
		"text/html",
		"<td>kids-tablet</td>",
		"Reason: LLM use after 21:00",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}

	ch.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	if err := ch.Send(context.Background(), testAlert()); err == nil {
		t.Error("Send() should surface SMTP errors")
	}

	ch.to = nil
	if err := ch.Send(context.Background(), testAlert()); err == nil {
		t.Error("Send() without recipients should fail")
	}
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATSChannel(t *testing.T) {
	pub := &fakePublisher{}
	ch := &NATSChannel{pub: pub, subject: "warden.alerts"}

	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if pub.subject != "warden.alerts" {
		t.Errorf("subject = %q", pub.subject)
	}
	var got Alert
	if err := json.Unmarshal(pub.data, &got); err != nil || got.RequestID != "req-1" {
		t.Errorf("payload = %s (%v)", pub.data, err)
	}

	pub.err = errors.New("nats: connection closed")
	if err := ch.Send(context.Background(), testAlert()); err == nil {
		t.Error("Send() should surface publish errors")
	}
	if err := ch.Close(); err != nil {
		t.Errorf("Close() without a connection = %v", err)
	}
}

type recordingChannel struct {
	name  string
	err   error
	delay time.Duration
	mu    sync.Mutex
	got   []Alert
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Send(ctx context.Context, a Alert) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.err
}

type observerFunc func(string, error)

func (f observerFunc) AlertDelivered(ch string, err error) { f(ch, err) }

func (f observerFunc) AlertDropped(string) {}

// countingObserver counts drops per channel.
type countingObserver struct {
	mu      sync.Mutex
	dropped map[string]int
}

func (o *countingObserver) AlertDelivered(string, error) {}

func (o *countingObserver) AlertDropped(ch string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dropped == nil {
		o.dropped = make(map[string]int)
	}
	o.dropped[ch]++
}

// gateChannel blocks every send until release is closed.
type gateChannel struct {
	name    string
	release chan struct{}
	sent    atomic.Int64
}

func (g *gateChannel) Name() string { return g.name }

func (g *gateChannel) Send(ctx context.Context, _ Alert) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.sent.Add(1)
	return nil
}

func TestDispatcher_BoundedInFlight(t *testing.T) {
	tests := []struct {
		name        string
		maxInFlight int
		channels    int
		notifies    int
		wantSent    int64
	}{
		{"within bound", 4, 2, 2, 4},
		{"one channel saturated", 3, 1, 5, 3},
		{"fan-out saturated", 4, 3, 2, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			var channels []Channel
			var gates []*gateChannel
			for i := 0; i < tt.channels; i++ {
				g := &gateChannel{name: fmt.Sprintf("ch%d", i), release: release}
				gates = append(gates, g)
				channels = append(channels, g)
			}

			d := NewDispatcher(time.Minute, channels...)
			d.SetMaxInFlight(tt.maxInFlight)
			obs := &countingObserver{}
			d.SetObserver(obs)

			for i := 0; i < tt.notifies; i++ {
				d.Notify(Alert{Policy: "bedtime"})
			}
			close(release)
			d.Wait()

			var sent int64
			for _, g := range gates {
				sent += g.sent.Load()
			}
			wantDropped := int64(tt.channels*tt.notifies) - tt.wantSent
			if sent != tt.wantSent {
				t.Errorf("sent = %d, want %d", sent, tt.wantSent)
			}
			if d.Dropped() != wantDropped {
				t.Errorf("Dropped() = %d, want %d", d.Dropped(), wantDropped)
			}
			var observed int
			for _, n := range obs.dropped {
				observed += n
			}
			if int64(observed) != wantDropped {
				t.Errorf("observer saw %d drops, want %d", observed, wantDropped)
			}
		})
	}
}

func TestDispatcher_SlotsFreedAfterDelivery(t *testing.T) {
	ok := &recordingChannel{name: "ok"}
	d := NewDispatcher(time.Second, ok)
	d.SetMaxInFlight(1)

	for i := 0; i < 5; i++ {
		d.Notify(Alert{Policy: "bedtime"})
		d.Wait()
	}
	if len(ok.got) != 5 || d.Dropped() != 0 {
		t.Errorf("got %d alerts, dropped %d, want 5 and 0", len(ok.got), d.Dropped())
	}
}

func TestDispatcher_Notify(t *testing.T) {
	ok := &recordingChannel{name: "ok"}
	broken := &recordingChannel{name: "broken", err: errors.New("boom")}
	slow := &recordingChannel{name: "slow", delay: time.Second}

	d := NewDispatcher(50*time.Millisecond, ok, broken, slow)

	var mu sync.Mutex
	outcomes := map[string]error{}
	d.SetObserver(observerFunc(func(ch string, err error) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[ch] = err
	}))

	start := time.Now()
	d.Notify(Alert{Policy: "bedtime"})
	if time.Since(start) > 20*time.Millisecond {
		t.Error("Notify() blocked on delivery")
	}
	d.Wait()

	if len(ok.got) != 1 || ok.got[0].Timestamp.IsZero() {
		t.Errorf("ok channel got %v", ok.got)
	}
	if outcomes["ok"] != nil {
		t.Errorf("ok outcome = %v", outcomes["ok"])
	}
	if outcomes["broken"] == nil {
		t.Error("broken channel failure not observed")
	}
	if !errors.Is(outcomes["slow"], context.DeadlineExceeded) {
		t.Errorf("slow outcome = %v, want deadline exceeded", outcomes["slow"])
	}
}

func TestFromConfig(t *testing.T) {
	d, err := FromConfig(&config.AlertsConfig{Enabled: false, Webhooks: []config.WebhookConfig{{URL: "http://x"}}})
	if err != nil {
		t.Fatalf("FromConfig() failed: %v", err)
	}
	if len(d.Channels()) != 0 {
		t.Errorf("disabled alerts built channels: %v", d.Channels())
	}

	d, err = FromConfig(&config.AlertsConfig{
		Enabled:  true,
		Timeout:  time.Second,
		Webhooks: []config.WebhookConfig{{Name: "ops", URL: "http://x"}},
		Gotify:   config.GotifyConfig{URL: "http://gotify", Token: "t"},
		Pushover: config.PushoverConfig{URL: config.DefaultPushoverURL, UserKey: "u", APIToken: "t"},
		Email:    config.EmailConfig{SMTPHost: "mail", SMTPPort: 25, To: []string{"a@b"}},
	})
	if err != nil {
		t.Fatalf("FromConfig() failed: %v", err)
	}
	want := []string{"webhook:ops", "gotify", "pushover", "email"}
	got := d.Channels()
	if len(got) != len(want) {
		t.Fatalf("Channels() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Channels()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestAlert_Who(t *testing.T) {
	a := Alert{SourceIP: "10.0.0.2"}
	if a.Who() != "10.0.0.2" {
		t.Errorf("Who() = %q", a.Who())
	}
	a.Device = "tablet"
	if a.Who() != "tablet" {
		t.Errorf("Who() = %q", a.Who())
	}
	a.User = "alice"
	if a.Who() != "alice" {
		t.Errorf("Who() = %q", a.Who())
	}
}

var _ io.Closer = (*NATSChannel)(nil)
