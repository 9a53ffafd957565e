// Package delivery runs the per-job state machine that sends one campaign
// step to one subscriber and decides what happens next.
//
// Processor performs every store and channel side effect and returns a
// NextAction. Driver turns that action into queue operations.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/channel"
	"drip-engine/internal/infra/dedup"
	"drip-engine/internal/observability/logging"
	"drip-engine/internal/observability/tracing"
	"drip-engine/internal/repository"
	"drip-engine/internal/utils/text"
)

// MinInterMessageDelay is the shortest wait ever scheduled between steps.
const MinInterMessageDelay = 60 * time.Second

const (
	maxLoggedContent = 4000
	maxLoggedError   = 1000
)

// CampaignCache is the read-through view of slow-changing campaign facts.
type CampaignCache interface {
	CampaignStatus(ctx context.Context, campaignID int64) (entity.CampaignStatus, error)
	Campaign(ctx context.Context, campaignID int64) (*entity.Campaign, error)
	Messages(ctx context.Context, campaignID int64) (entity.MessageList, error)
	Channel(ctx context.Context, channelID int64) (*entity.Channel, error)
}

// CooldownGuard reads and enters per-channel cooldowns.
type CooldownGuard interface {
	Remaining(ctx context.Context, channelID int64) (time.Duration, error)
	Enter(ctx context.Context, channelID int64, d time.Duration) (time.Duration, error)
}

// SendBudget charges a channel's sliding-window send budget and returns
// how long to wait when it is spent.
type SendBudget interface {
	Take(ctx context.Context, channelID int64, max int, window time.Duration) (time.Duration, error)
}

// Deduplicator runs a send at most once per fingerprint.
type Deduplicator interface {
	WithDeduplication(ctx context.Context, in dedup.Inputs, send func(ctx context.Context) (string, error)) (dedup.Result, error)
}

// Config tunes the state machine.
type Config struct {
	// MinDelay is the minimum wait between steps. Values below
	// MinInterMessageDelay are raised to it.
	MinDelay time.Duration
	// NotReadyDelay is the fixed wait before retrying a job whose channel
	// was not ready.
	NotReadyDelay time.Duration
	// ConflictDelay is the wait before retrying a job whose fingerprint
	// was locked by another worker.
	ConflictDelay time.Duration
	// Cooldown is requested when an overloaded channel gave no retry hint.
	Cooldown time.Duration
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		MinDelay:      MinInterMessageDelay,
		NotReadyDelay: 30 * time.Second,
		ConflictDelay: 30 * time.Second,
		Cooldown:      120 * time.Second,
	}
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Cache       CampaignCache
	Subscribers repository.SubscriberRepository
	Contacts    repository.ContactRepository
	Logs        repository.DeliveryLogRepository
	Cooldown    CooldownGuard
	// Budget is optional; nil sends without a sliding-window limit.
	Budget      SendBudget
	Dedup       Deduplicator
	Sender      channel.Sender
	Metrics     *Metrics
}

// Processor executes one delivery job.
type Processor struct {
	Deps
	cfg Config
	now func() time.Time
}

// NewProcessor returns a processor.
func NewProcessor(deps Deps, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.MinDelay < MinInterMessageDelay {
		cfg.MinDelay = MinInterMessageDelay
	}
	if cfg.NotReadyDelay <= 0 {
		cfg.NotReadyDelay = def.NotReadyDelay
	}
	if cfg.ConflictDelay <= 0 {
		cfg.ConflictDelay = def.ConflictDelay
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Processor{Deps: deps, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// NextDelay is the wait before msg may be sent after its predecessor.
func (p *Processor) NextDelay(msg *entity.Message) time.Duration {
	if d := msg.Delay(); d > p.cfg.MinDelay {
		return d
	}
	return p.cfg.MinDelay
}

// Process runs the state machine for one job. A non-nil error is a
// transient infrastructure failure and should be retried with backoff;
// every other outcome is expressed by the returned action.
func (p *Processor) Process(ctx context.Context, job Payload) (action NextAction, err error) {
	ctx, span := tracing.GetTracer().Start(ctx, "delivery.process", trace.WithAttributes(
		attribute.Int64("subscriber.id", job.SubscriberID),
		attribute.Int64("campaign.id", job.CampaignID),
		attribute.Int("message.order", job.Order),
		attribute.Int64("channel.id", job.ChannelID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("delivery.action", action.Kind.String()))
		}
		span.End()
	}()

	logger := logging.FromContext(ctx).With(
		slog.Int64("subscriber_id", job.SubscriberID),
		slog.Int64("campaign_id", job.CampaignID),
		slog.Int("order", job.Order),
		slog.Int64("channel_id", job.ChannelID))
	ctx = logging.WithLogger(ctx, logger)

	// 1. cooldown
	if job.ChannelID > 0 {
		remaining, err := p.Cooldown.Remaining(ctx, job.ChannelID)
		if err != nil {
			return NextAction{}, err
		}
		if remaining > 0 {
			logger.Debug("channel cooling down", slog.Duration("remaining", remaining))
			return DeferFor(remaining, "channel cooldown"), nil
		}
	}

	// 2. campaign status
	if act, ok, err := p.checkCampaign(ctx, job.CampaignID); err != nil || !ok {
		return act, err
	}

	// 3. subscriber
	sub, err := p.Subscribers.Get(ctx, job.SubscriberID)
	if err != nil {
		return NextAction{}, fmt.Errorf("get subscriber: %w", err)
	}
	if sub == nil {
		logger.Info("subscriber no longer exists, discarding job")
		return Discard("subscriber missing"), nil
	}
	if !sub.IsActive() {
		logger.Info("subscriber not active, dropping job", slog.String("status", string(sub.Status)))
		return Drop("subscriber " + string(sub.Status)), nil
	}

	// 4. message resolution
	msgs, err := p.Cache.Messages(ctx, job.CampaignID)
	if err != nil {
		return NextAction{}, err
	}
	msg := msgs.ByOrder(job.Order)
	if msg == nil {
		next := msgs.NextAfter(job.Order)
		if next == nil {
			logger.Info("no message at or after requested order")
			return Discard("message missing"), nil
		}
		camp, act, ok, err := p.campaign(ctx, job.CampaignID)
		if err != nil || !ok {
			return act, err
		}
		logger.Warn("requested step missing, jumping to next available order",
			slog.Int("next_order", next.Order))
		return Reschedule(camp, next.Order, entity.PriorityHigh.QueuePriority(), job.Salt), nil
	}

	// 5. idempotence
	prior, err := p.Logs.Find(ctx, sub.ID, msg.ID)
	if err != nil {
		return NextAction{}, fmt.Errorf("find delivery log: %w", err)
	}
	if prior.IsSent() {
		logger.Info("step already delivered, continuing chain")
		if err := p.Subscribers.MarkSent(ctx, sub.ID, msg.Order, prior.CreatedAt); err != nil {
			return NextAction{}, fmt.Errorf("mark sent: %w", err)
		}
		return p.chain(ctx, job, msgs, msg.Order, prior.CreatedAt.UnixMilli())
	}

	// 6. render and send
	ch, err := p.Cache.Channel(ctx, job.ChannelID)
	if errors.Is(err, entity.ErrNotFound) || (err == nil && !ch.Active) {
		logger.Warn("channel unavailable, retrying later")
		return RetryAfter(p.cfg.NotReadyDelay, fmt.Errorf("channel %d: %w", job.ChannelID, ErrChannelUnavailable)), nil
	}
	if err != nil {
		return NextAction{}, err
	}

	content, err := p.render(ctx, sub, msg)
	if err != nil {
		return p.fail(ctx, job, sub, msg, content, err)
	}

	var camp *entity.Campaign
	if p.Budget != nil {
		c, act, ok, err := p.campaign(ctx, job.CampaignID)
		if err != nil || !ok {
			return act, err
		}
		camp = c
	}

	res, err := p.send(ctx, job, ch, camp, sub, content)
	if err != nil {
		return p.classify(ctx, job, ch, sub, msg, content, err)
	}

	// 7. log outcome
	sentAt := res.SentAt
	if sentAt.IsZero() {
		sentAt = p.now()
	}
	saved, err := p.Logs.Record(ctx, &entity.DeliveryLogEntry{
		SubscriberID:   sub.ID,
		MessageID:      msg.ID,
		CampaignID:     job.CampaignID,
		Status:         entity.DeliverySent,
		Content:        text.Truncate(describe(content), maxLoggedContent),
		ChannelMessage: res.MessageID,
	})
	if err != nil {
		return NextAction{}, fmt.Errorf("record delivery: %w", err)
	}
	if saved != nil && !saved.CreatedAt.IsZero() {
		sentAt = saved.CreatedAt
	}

	// 8. advance subscriber
	if err := p.Subscribers.MarkSent(ctx, sub.ID, msg.Order, sentAt); err != nil {
		return NextAction{}, fmt.Errorf("mark sent: %w", err)
	}
	logger.Info("step delivered",
		slog.String("message_id", res.MessageID),
		slog.Bool("dedup_skipped", res.Skipped))

	// 9. chain
	return p.chain(ctx, job, msgs, msg.Order, sentAt.UnixMilli())
}

// checkCampaign reports ok=false with a drop action when the campaign no
// longer permits processing.
func (p *Processor) checkCampaign(ctx context.Context, campaignID int64) (NextAction, bool, error) {
	status, err := p.Cache.CampaignStatus(ctx, campaignID)
	if err != nil {
		return NextAction{}, false, err
	}
	if status != entity.CampaignActive {
		logging.FromContext(ctx).Info("campaign not active, dropping job", slog.String("status", string(status)))
		if status == "" {
			return Discard("campaign missing"), false, nil
		}
		return Drop("campaign " + string(status)), false, nil
	}
	return NextAction{}, true, nil
}

func (p *Processor) campaign(ctx context.Context, campaignID int64) (*entity.Campaign, NextAction, bool, error) {
	camp, err := p.Cache.Campaign(ctx, campaignID)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, Discard("campaign missing"), false, nil
	}
	if err != nil {
		return nil, NextAction{}, false, err
	}
	return camp, NextAction{}, true, nil
}

// chain decides the step after order, which has just been delivered.
func (p *Processor) chain(ctx context.Context, job Payload, msgs entity.MessageList, order int, salt int64) (NextAction, error) {
	logger := logging.FromContext(ctx)
	if act, ok, err := p.checkCampaign(ctx, job.CampaignID); err != nil || !ok {
		return act, err
	}

	next := msgs.NextAfter(order)
	if next == nil {
		if err := p.Subscribers.UpdateStatus(ctx, job.SubscriberID, entity.SubscriberCompleted); err != nil {
			return NextAction{}, fmt.Errorf("complete subscriber: %w", err)
		}
		logger.Info("campaign completed for subscriber")
		return Complete(), nil
	}
	if next.Order != order+1 {
		logger.Warn("campaign orders are not contiguous",
			slog.Int("after", order), slog.Int("next_order", next.Order))
	}

	camp, act, ok, err := p.campaign(ctx, job.CampaignID)
	if err != nil || !ok {
		return act, err
	}
	return ScheduleNext(camp, next.Order, p.NextDelay(next), camp.Priority.QueuePriority(), salt), nil
}

// render enriches the subscriber when needed and renders the message.
func (p *Processor) render(ctx context.Context, sub *entity.Subscriber, msg *entity.Message) (channel.Content, error) {
	md := sub.Metadata
	if len(md) == 0 && sub.ContactID != nil {
		md = p.enrich(ctx, sub)
	}

	if msg.HasMedia() {
		caption := msg.Caption
		if strings.TrimSpace(caption) == "" {
			caption = msg.Body
		}
		content := channel.Content{
			Type:     channel.ContentMedia,
			Caption:  text.Render(caption, md),
			MediaURL: strings.TrimSpace(msg.MediaURL),
		}
		if err := entity.ValidateMediaURL(content.MediaURL); err != nil {
			return content, fmt.Errorf("media: %w", err)
		}
		return content, nil
	}

	content := channel.Content{Type: channel.ContentText, Text: text.Render(msg.Body, md)}
	if strings.TrimSpace(content.Text) == "" {
		return content, ErrEmptyContent
	}
	return content, nil
}

// enrich loads the linked contact, stores its flattened fields as the
// subscriber's metadata and returns them. Failures leave metadata empty.
func (p *Processor) enrich(ctx context.Context, sub *entity.Subscriber) map[string]any {
	logger := logging.FromContext(ctx)
	if p.Contacts == nil {
		return sub.Metadata
	}
	contact, err := p.Contacts.Get(ctx, *sub.ContactID)
	if err != nil {
		p.Metrics.enriched("error")
		logger.Warn("contact lookup failed, rendering without enrichment", slog.Any("error", err))
		return sub.Metadata
	}
	if contact == nil {
		p.Metrics.enriched("missing")
		return sub.Metadata
	}
	md := text.Enrich(sub.Metadata, contact)
	if err := p.Subscribers.UpdateMetadata(ctx, sub.ID, md); err != nil {
		logger.Warn("failed to persist enriched metadata", slog.Any("error", err))
	}
	p.Metrics.enriched("ok")
	return md
}

// send delivers content under the dedup guard. The campaign's budget is
// charged inside the guard, after the sent-marker check.
func (p *Processor) send(ctx context.Context, job Payload, ch *entity.Channel, camp *entity.Campaign, sub *entity.Subscriber, content channel.Content) (dedup.Result, error) {
	ctx, span := tracing.GetTracer().Start(ctx, "channel.send", trace.WithAttributes(
		attribute.String("channel.kind", string(ch.Kind)),
		attribute.String("content.type", string(content.Type)),
	))
	defer span.End()

	in := dedup.Inputs{
		ChannelID:     ch.ID,
		Recipient:     sub.RecipientID,
		MessageType:   string(content.Type),
		Content:       describe(content),
		CorrelationID: job.Key(),
	}
	start := p.now()
	var sent bool
	res, err := p.Dedup.WithDeduplication(ctx, in, func(ctx context.Context) (string, error) {
		if p.Budget != nil && camp != nil {
			wait, err := p.Budget.Take(ctx, ch.ID, camp.RateLimitMax, camp.RateLimitWindow)
			if err != nil {
				return "", err
			}
			if wait > 0 {
				return "", &BudgetExhaustedError{Wait: wait}
			}
		}
		sent = true
		return p.Sender.Send(ctx, *ch, sub.RecipientID, content)
	})
	elapsed := time.Duration(0)
	if sent {
		elapsed = p.now().Sub(start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Skipped {
		p.Metrics.skipped()
		p.Metrics.send(string(ch.Kind), "skipped", 0)
	} else {
		p.Metrics.send(string(ch.Kind), "sent", elapsed)
	}
	span.SetAttributes(attribute.Bool("dedup.skipped", res.Skipped))
	return res, nil
}

// classify maps a send failure onto the next action.
func (p *Processor) classify(ctx context.Context, job Payload, ch *entity.Channel, sub *entity.Subscriber, msg *entity.Message, content channel.Content, err error) (NextAction, error) {
	logger := logging.FromContext(ctx)
	kind := string(ch.Kind)

	if oe, ok := channel.AsOverload(err); ok {
		p.Metrics.send(kind, "overload", 0)
		wait := oe.RetryAfter
		if wait <= 0 {
			wait = p.cfg.Cooldown
		}
		applied, cerr := p.Cooldown.Enter(ctx, ch.ID, wait)
		if cerr != nil {
			return NextAction{}, cerr
		}
		logger.Warn("channel overloaded, job deferred", slog.Duration("cooldown", applied))
		return DeferFor(applied, "channel overloaded"), nil
	}

	var be *BudgetExhaustedError
	if errors.As(err, &be) {
		p.Metrics.send(kind, "budget", 0)
		logger.Debug("channel send budget spent", slog.Duration("wait", be.Wait))
		return DeferFor(be.Wait, "send budget exhausted"), nil
	}

	switch {
	case errors.Is(err, dedup.ErrConflict):
		p.Metrics.send(kind, "conflict", 0)
		logger.Info("identical send in flight elsewhere, deferring")
		return DeferFor(p.cfg.ConflictDelay, "dedup conflict"), nil
	case errors.Is(err, channel.ErrNotReady):
		p.Metrics.send(kind, "not_ready", 0)
		logger.Warn("channel not ready, retrying later", slog.Any("error", err))
		return RetryAfter(p.cfg.NotReadyDelay, err), nil
	case channel.IsContentError(err):
		p.Metrics.send(kind, "content_error", 0)
		return p.fail(ctx, job, sub, msg, content, err)
	default:
		p.Metrics.send(kind, "error", 0)
		return NextAction{}, fmt.Errorf("send: %w", err)
	}
}

// fail records a terminal content failure and halts the chain.
func (p *Processor) fail(ctx context.Context, job Payload, sub *entity.Subscriber, msg *entity.Message, content channel.Content, cause error) (NextAction, error) {
	_, err := p.Logs.Record(ctx, &entity.DeliveryLogEntry{
		SubscriberID: sub.ID,
		MessageID:    msg.ID,
		CampaignID:   job.CampaignID,
		Status:       entity.DeliveryFailed,
		Content:      text.Truncate(describe(content), maxLoggedContent),
		Error:        text.Truncate(cause.Error(), maxLoggedError),
	})
	if err != nil {
		return NextAction{}, fmt.Errorf("record failure: %w", err)
	}
	logging.FromContext(ctx).Warn("step failed, chain halted", slog.Any("error", cause))
	return Halt(cause.Error()), nil
}

// describe is the stored and fingerprinted form of content.
func describe(c channel.Content) string {
	if c.Type == channel.ContentMedia {
		if c.Caption == "" {
			return c.MediaURL
		}
		return c.Caption + "\n" + c.MediaURL
	}
	return c.Text
}
