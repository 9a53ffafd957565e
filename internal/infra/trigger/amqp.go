package trigger

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"

	"drip-engine/internal/resilience/retry"
)

// Config describes the broker connection and queue.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
	// Retry paces the initial dial. The zero value uses
	// retry.ConnectConfig.
	Retry retry.Config
}

// Subscription is an open consumer on a durable queue.
type Subscription struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	Deliveries <-chan amqp.Delivery
}

// Subscribe dials the broker, retrying transient network failures,
// declares the durable queue and starts a manual-ack consumer on it.
func Subscribe(ctx context.Context, cfg Config) (*Subscription, error) {
	rc := cfg.Retry
	if rc.MaxAttempts < 1 {
		rc = retry.ConnectConfig()
	}
	var conn *amqp.Connection
	err := retry.WithBackoff(ctx, rc, func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Subscribe: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("Subscribe: open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("Subscribe: declare %s: %w", cfg.Queue, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("Subscribe: qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("Subscribe: consume: %w", err)
	}
	return &Subscription{conn: conn, ch: ch, Deliveries: deliveries}, nil
}

// NotifyClose reports broker-side connection loss.
func (s *Subscription) NotifyClose() <-chan *amqp.Error {
	return s.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the channel and the connection.
func (s *Subscription) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
