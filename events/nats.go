package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS publishes events to a NATS server and can forward subscriptions into
// a local Bus.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// ConnectNATS connects to the NATS server at url.
func ConnectNATS(url, name string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info("nats connected", "url", url)
	return &NATS{conn: conn, logger: logger}, nil
}

// Publish sends data on the subject named by topic.
func (n *NATS) Publish(_ context.Context, topic string, data []byte) error {
	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Forward subscribes to subject and republishes each message on bus, so
// local subscribers see events published by any instance.
func (n *NATS) Forward(subject string, bus *Bus) error {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		_ = bus.Publish(context.Background(), msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

// Ping flushes the connection to confirm the server is reachable.
func (n *NATS) Ping(ctx context.Context) error {
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close unsubscribes and drains the connection.
func (n *NATS) Close() {
	n.mu.Lock()
	for _, s := range n.subs {
		if err := s.Unsubscribe(); err != nil {
			n.logger.Error("nats unsubscribe failed", "subject", s.Subject, "error", err)
		}
	}
	n.subs = nil
	n.mu.Unlock()
	_ = n.conn.Drain()
}
