package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes alerts as JSON on a NATS subject.
type NATSChannel struct {
	conn    *nats.Conn
	pub     publisher
	subject string
}

// NewNATSChannel connects to url. The connection reconnects forever.
func NewNATSChannel(url, subject string) (*NATSChannel, error) {
	logger := slog.Default().With("component", "alert.nats")

	conn, err := nats.Connect(url,
		nats.Name("warden-alerts"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return &NATSChannel{conn: conn, pub: conn, subject: subject}, nil
}

// Name implements Channel.
func (n *NATSChannel) Name() string { return "nats" }

// Send implements Channel.
func (n *NATSChannel) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish alert on %s: %w", n.subject, err)
	}
	return nil
}

// Close drains the connection so published alerts are flushed.
func (n *NATSChannel) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
