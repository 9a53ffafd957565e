package repository

import (
	"context"

	"drip-engine/internal/domain/entity"
)

// DeliveryLogRepository stores one outcome row per (subscriber, message).
type DeliveryLogRepository interface {
	// Find returns the entry for the pair, or nil, nil.
	Find(ctx context.Context, subscriberID, messageID int64) (*entity.DeliveryLogEntry, error)
	// Record upserts the entry. A sent entry is never overwritten.
	Record(ctx context.Context, entry *entity.DeliveryLogEntry) (*entity.DeliveryLogEntry, error)
	ListBySubscriber(ctx context.Context, subscriberID int64) ([]*entity.DeliveryLogEntry, error)
}
