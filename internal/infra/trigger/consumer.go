// Package trigger consumes enrollment events from an AMQP queue.
//
// Each event enrolls one recipient in a campaign and, when the subscriber
// is new, schedules the first message of the chain. Events that can never
// succeed are rejected without requeue; transient failures are requeued.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/streadway/amqp"

	"drip-engine/internal/observability/logging"
	"drip-engine/internal/usecase/enrollment"
)

// Event is the JSON body of an enrollment message.
type Event struct {
	CampaignID int64          `json:"campaign_id"`
	Recipient  string         `json:"recipient"`
	ContactID  *int64         `json:"contact_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrMalformedEvent is returned for bodies that do not decode to a usable Event.
var ErrMalformedEvent = errors.New("trigger: malformed event")

// DecodeEvent parses and validates an event body.
func DecodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.CampaignID <= 0 {
		return Event{}, fmt.Errorf("%w: campaign_id is required", ErrMalformedEvent)
	}
	if strings.TrimSpace(ev.Recipient) == "" {
		return Event{}, fmt.Errorf("%w: recipient is required", ErrMalformedEvent)
	}
	return ev, nil
}

// Enroller is the enrollment use case the consumer drives.
type Enroller interface {
	EnrollAndSchedule(ctx context.Context, campaignID int64, recipientID string, opts enrollment.Options) (enrollment.Result, error)
}

// Metrics counts consumed events.
//
// Metrics:
//   - trigger_events_total{result}: enrolled, duplicate, rejected, malformed, requeued
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics registers the trigger metrics with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_events_total",
			Help: "Enrollment events consumed by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) record(result string) {
	if m != nil {
		m.events.WithLabelValues(result).Inc()
	}
}

// Consumer turns deliveries into enrollments.
type Consumer struct {
	enroller Enroller
	timeout  time.Duration
	metrics  *Metrics
}

// NewConsumer returns a consumer. timeout bounds each event; zero means 30s.
func NewConsumer(enroller Enroller, timeout time.Duration, metrics *Metrics) *Consumer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Consumer{enroller: enroller, timeout: timeout, metrics: metrics}
}

// Run handles deliveries until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("trigger: delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and acknowledges it.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	logger := logging.FromContext(ctx).With(
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.String("message_id", d.MessageId))

	ev, err := DecodeEvent(d.Body)
	if err != nil {
		logger.Warn("dropping malformed enrollment event", slog.Any("error", err))
		c.metrics.record("malformed")
		c.settle(logger, d.Nack(false, false))
		return
	}
	logger = logger.With(slog.Int64("campaign_id", ev.CampaignID))

	ctx, cancel := context.WithTimeout(logging.WithLogger(ctx, logger), c.timeout)
	defer cancel()

	res, err := c.enroller.EnrollAndSchedule(ctx, ev.CampaignID, ev.Recipient, enrollment.Options{
		ContactID: ev.ContactID,
		Metadata:  ev.Metadata,
	})
	switch {
	case err == nil:
		if res.Created {
			c.metrics.record("enrolled")
		} else {
			c.metrics.record("duplicate")
		}
		c.settle(logger, d.Ack(false))
	case enrollment.IsRejected(err):
		logger.Info("enrollment event rejected", slog.Any("error", err))
		c.metrics.record("rejected")
		c.settle(logger, d.Nack(false, false))
	default:
		logger.Warn("enrollment failed, requeueing",
			slog.Any("error", err),
			slog.Bool("redelivered", d.Redelivered))
		c.metrics.record("requeued")
		c.settle(logger, d.Nack(false, true))
	}
}

func (c *Consumer) settle(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("failed to acknowledge delivery", slog.Any("error", err))
	}
}
