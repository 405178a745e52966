package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muxhq/mux/internal/common/config"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSEventBus implements EventBus over a NATS connection.
type NATSEventBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSEventBus connects to the configured NATS server with reconnection
// handling.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	if log == nil {
		log = logger.Default()
	}

	opts := []nats.Option{
		nats.Name("mux"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.String("subject", sub.Subject), zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATSEventBus{conn: conn, log: log}, nil
}

func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("event handler error",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains pending messages before shutting the connection down.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
