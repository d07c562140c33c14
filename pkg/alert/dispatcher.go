package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/warden/pkg/config"
)

// Observer is told about every delivery attempt and every alert dropped
// because too many deliveries were in flight.
type Observer interface {
	AlertDelivered(channel string, err error)
	AlertDropped(channel string)
}

// Dispatcher fans alerts out to every configured channel. Delivery runs in
// background goroutines so Notify never blocks the request path. At most
// max in-flight deliveries run at once; further ones are dropped and counted.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	slots    chan struct{}
	dropped  atomic.Int64
	observer Observer
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Each delivery is bounded by timeout.
func NewDispatcher(timeout time.Duration, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = config.DefaultAlertTimeout
	}
	return &Dispatcher{
		channels: channels,
		timeout:  timeout,
		slots:    make(chan struct{}, config.DefaultAlertMaxInFlight),
		logger:   slog.Default().With("component", "alert.dispatcher"),
	}
}

// FromConfig builds a Dispatcher with every channel enabled in cfg. It
// returns a Dispatcher without channels when alerts are disabled.
func FromConfig(cfg *config.AlertsConfig) (*Dispatcher, error) {
	if !cfg.Enabled {
		return NewDispatcher(cfg.Timeout), nil
	}

	var channels []Channel
	for _, wh := range cfg.Webhooks {
		channels = append(channels, NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}
	if cfg.Gotify.URL != "" {
		channels = append(channels, NewGotifyChannel(cfg.Gotify.URL, cfg.Gotify.Token, cfg.Gotify.Priority))
	}
	if cfg.Pushover.UserKey != "" {
		channels = append(channels, NewPushoverChannel(cfg.Pushover.URL, cfg.Pushover.APIToken, cfg.Pushover.UserKey))
	}
	if cfg.Email.SMTPHost != "" {
		channels = append(channels, NewEmailChannel(cfg.Email))
	}
	if cfg.NATS.URL != "" {
		nc, err := NewNATSChannel(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		channels = append(channels, nc)
	}

	d := NewDispatcher(cfg.Timeout, channels...)
	d.SetMaxInFlight(cfg.MaxInFlight)
	return d, nil
}

// SetObserver reports delivery outcomes to o.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// SetMaxInFlight bounds concurrent deliveries. It must be called before the
// first Notify; n <= 0 keeps the default.
func (d *Dispatcher) SetMaxInFlight(n int) {
	if n > 0 {
		d.slots = make(chan struct{}, n)
	}
}

// Dropped returns the number of deliveries dropped so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Notify sends a to every channel without waiting. Failures are logged.
// A delivery that finds every slot taken is dropped.
func (d *Dispatcher) Notify(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	for _, ch := range d.channels {
		select {
		case d.slots <- struct{}{}:
			d.wg.Add(1)
			go d.deliver(ch, a)
		default:
			n := d.dropped.Add(1)
			if d.observer != nil {
				d.observer.AlertDropped(ch.Name())
			}
			d.logger.Warn("alert dropped, too many deliveries in flight",
				"channel", ch.Name(),
				"policy", a.Policy,
				"request_id", a.RequestID,
				"in_flight", cap(d.slots),
				"dropped_total", n,
			)
		}
	}
}

func (d *Dispatcher) deliver(ch Channel, a Alert) {
	defer func() {
		<-d.slots
		d.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := ch.Send(ctx, a)
	if d.observer != nil {
		d.observer.AlertDelivered(ch.Name(), err)
	}
	if err != nil {
		d.logger.Error("alert delivery failed",
			"channel", ch.Name(),
			"policy", a.Policy,
			"request_id", a.RequestID,
			"error", err,
		)
		return
	}
	d.logger.Debug("alert delivered", "channel", ch.Name(), "policy", a.Policy)
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close waits for in-flight deliveries and closes channels that hold
// connections.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	var errs []error
	for _, ch := range d.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
