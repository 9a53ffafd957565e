// Package enrollment binds recipients to campaigns and starts their chains.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/queue"
	"drip-engine/internal/observability/logging"
	"drip-engine/internal/repository"
	"drip-engine/internal/usecase/delivery"
	"drip-engine/internal/utils/text"
)

// Options carries the optional enrollment inputs.
type Options struct {
	// ContactID links the subscriber to a richer contact record whose
	// flattened fields seed the metadata.
	ContactID *int64
	// Metadata is merged over the contact fields.
	Metadata map[string]any
}

// Result reports what EnrollAndSchedule did.
type Result struct {
	Subscriber *entity.Subscriber
	Created    bool
	// Scheduled is false when the subscriber was already enrolled and
	// its chain had started.
	Scheduled bool
	Job       queue.Handle
}

// Service provides enrollment use cases.
type Service struct {
	Campaigns   delivery.CampaignCache
	Subscribers repository.SubscriberRepository
	Contacts    repository.ContactRepository
	Scheduler   *delivery.Scheduler
}

// EnrollSubscriber enrolls recipientID in the campaign. Enrolling the same
// recipient twice returns the existing subscriber with created=false.
func (s *Service) EnrollSubscriber(ctx context.Context, campaignID int64, recipientID string, opts Options) (*entity.Subscriber, bool, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, false, &entity.ValidationError{Field: "recipient", Message: "is required"}
	}
	if _, err := s.Campaigns.Campaign(ctx, campaignID); err != nil {
		return nil, false, fmt.Errorf("enroll: campaign %d: %w", campaignID, err)
	}

	metadata := make(map[string]any, len(opts.Metadata))
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if opts.ContactID != nil && s.Contacts != nil {
		contact, err := s.Contacts.Get(ctx, *opts.ContactID)
		if err != nil {
			return nil, false, fmt.Errorf("enroll: get contact: %w", err)
		}
		if contact == nil {
			return nil, false, fmt.Errorf("enroll: contact %d: %w", *opts.ContactID, entity.ErrNotFound)
		}
		metadata = text.Enrich(metadata, contact)
	}

	sub, created, err := s.Subscribers.CreateIfNotExists(ctx, &entity.Subscriber{
		CampaignID:  campaignID,
		RecipientID: recipientID,
		ContactID:   opts.ContactID,
		Status:      entity.SubscriberActive,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enroll: %w", err)
	}
	logging.FromContext(ctx).Info("subscriber enrolled",
		slog.Int64("campaign_id", campaignID),
		slog.Int64("subscriber_id", sub.ID),
		slog.Bool("created", created))
	return sub, created, nil
}

// ScheduleFirstMessage enqueues the lowest-order message of the campaign
// for the subscriber, delayed by that message's own delay.
func (s *Service) ScheduleFirstMessage(ctx context.Context, campaignID, subscriberID int64) (queue.Handle, error) {
	status, err := s.Campaigns.CampaignStatus(ctx, campaignID)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("schedule first: %w", err)
	}
	if status != entity.CampaignActive {
		return queue.Handle{}, fmt.Errorf("schedule first: campaign %d is %q: %w", campaignID, status, entity.ErrCampaignInactive)
	}

	sub, err := s.Subscribers.Get(ctx, subscriberID)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("schedule first: %w", err)
	}
	if sub == nil || sub.CampaignID != campaignID {
		return queue.Handle{}, fmt.Errorf("schedule first: subscriber %d: %w", subscriberID, entity.ErrNotFound)
	}
	if !sub.IsActive() {
		return queue.Handle{}, fmt.Errorf("schedule first: subscriber %d: %w", subscriberID, entity.ErrSubscriberInactive)
	}

	msgs, err := s.Campaigns.Messages(ctx, campaignID)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("schedule first: %w", err)
	}
	first := msgs.First()
	if first == nil {
		return queue.Handle{}, fmt.Errorf("schedule first: campaign %d has no messages: %w", campaignID, entity.ErrNotFound)
	}

	camp, err := s.Campaigns.Campaign(ctx, campaignID)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("schedule first: %w", err)
	}
	h, err := s.Scheduler.Schedule(ctx, camp,
		delivery.Payload{SubscriberID: sub.ID, Order: first.Order},
		first.Delay(), camp.Priority.QueuePriority())
	if err != nil {
		return queue.Handle{}, fmt.Errorf("schedule first: %w", err)
	}
	logging.FromContext(ctx).Info("first message scheduled",
		slog.Int64("campaign_id", campaignID),
		slog.Int64("subscriber_id", sub.ID),
		slog.Int("order", first.Order),
		slog.String("job_id", h.ID),
		slog.Bool("existing", h.Existing))
	return h, nil
}

// EnrollAndSchedule enrolls the recipient and starts the chain unless it
// has already started.
func (s *Service) EnrollAndSchedule(ctx context.Context, campaignID int64, recipientID string, opts Options) (Result, error) {
	sub, created, err := s.EnrollSubscriber(ctx, campaignID, recipientID, opts)
	if err != nil {
		return Result{}, err
	}
	res := Result{Subscriber: sub, Created: created}
	if !created && (sub.LastSentOrder > 0 || !sub.IsActive()) {
		return res, nil
	}

	h, err := s.ScheduleFirstMessage(ctx, campaignID, sub.ID)
	if err != nil {
		return res, err
	}
	res.Scheduled = true
	res.Job = h
	return res, nil
}

// IsRejected reports whether err means the request itself can never
// succeed, as opposed to a transient failure.
func IsRejected(err error) bool {
	var ve *entity.ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, entity.ErrNotFound) ||
		errors.Is(err, entity.ErrCampaignInactive) ||
		errors.Is(err, entity.ErrSubscriberInactive) ||
		errors.Is(err, entity.ErrInvalidInput)
}
