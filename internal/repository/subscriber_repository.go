package repository

import (
	"context"
	"time"

	"drip-engine/internal/domain/entity"
)

// SubscriberRepository persists campaign enrollments.
type SubscriberRepository interface {
	Get(ctx context.Context, id int64) (*entity.Subscriber, error)
	// CreateIfNotExists inserts sub unless (campaign, recipient) is already
	// enrolled. It returns the stored row and whether it was created.
	CreateIfNotExists(ctx context.Context, sub *entity.Subscriber) (*entity.Subscriber, bool, error)
	UpdateMetadata(ctx context.Context, id int64, metadata map[string]any) error
	MarkSent(ctx context.Context, id int64, order int, sentAt time.Time) error
	UpdateStatus(ctx context.Context, id int64, status entity.SubscriberStatus) error
}

// ContactRepository reads the richer contact record behind a subscriber.
type ContactRepository interface {
	Get(ctx context.Context, id int64) (*entity.Contact, error)
}
