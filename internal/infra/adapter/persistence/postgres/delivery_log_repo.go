package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

type DeliveryLogRepo struct{ db *sql.DB }

func NewDeliveryLogRepo(db *sql.DB) repository.DeliveryLogRepository {
	return &DeliveryLogRepo{db: db}
}

const deliveryLogColumns = `id, subscriber_id, message_id, campaign_id, status, content, channel_message_id, error, created_at`

func scanDeliveryLog(row rowScanner) (*entity.DeliveryLogEntry, error) {
	var e entity.DeliveryLogEntry
	if err := row.Scan(
		&e.ID, &e.SubscriberID, &e.MessageID, &e.CampaignID, &e.Status,
		&e.Content, &e.ChannelMessage, &e.Error, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func (repo *DeliveryLogRepo) Find(ctx context.Context, subscriberID, messageID int64) (*entity.DeliveryLogEntry, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE subscriber_id = $1 AND message_id = $2 LIMIT 1`
	e, err := scanDeliveryLog(repo.db.QueryRowContext(ctx, query, subscriberID, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Find: %w", err)
	}
	return e, nil
}

// Record upserts on (subscriber_id, message_id). The WHERE clause on the
// update keeps an existing sent row intact; in that case the stored row is
// returned unchanged.
func (repo *DeliveryLogRepo) Record(ctx context.Context, entry *entity.DeliveryLogEntry) (*entity.DeliveryLogEntry, error) {
	upsert := `
INSERT INTO delivery_logs (subscriber_id, message_id, campaign_id, status, content, channel_message_id, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (subscriber_id, message_id) DO UPDATE
SET status = EXCLUDED.status, content = EXCLUDED.content, channel_message_id = EXCLUDED.channel_message_id,
    error = EXCLUDED.error, created_at = now()
WHERE delivery_logs.status <> 'sent'
RETURNING ` + deliveryLogColumns
	stored, err := scanDeliveryLog(repo.db.QueryRowContext(ctx, upsert,
		entry.SubscriberID, entry.MessageID, entry.CampaignID, entry.Status,
		entry.Content, entry.ChannelMessage, entry.Error,
	))
	if err == sql.ErrNoRows {
		existing, findErr := repo.Find(ctx, entry.SubscriberID, entry.MessageID)
		if findErr != nil {
			return nil, fmt.Errorf("Record: %w", findErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Record: %w", err)
	}
	return stored, nil
}

func (repo *DeliveryLogRepo) ListBySubscriber(ctx context.Context, subscriberID int64) ([]*entity.DeliveryLogEntry, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE subscriber_id = $1 ORDER BY created_at ASC`
	rows, err := repo.db.QueryContext(ctx, query, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("ListBySubscriber: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*entity.DeliveryLogEntry, 0, 8)
	for rows.Next() {
		e, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("ListBySubscriber: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
