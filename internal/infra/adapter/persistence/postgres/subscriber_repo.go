package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

type SubscriberRepo struct{ db *sql.DB }

func NewSubscriberRepo(db *sql.DB) repository.SubscriberRepository {
	return &SubscriberRepo{db: db}
}

const subscriberColumns = `id, campaign_id, recipient_id, contact_id, status, last_sent_order, last_sent_at, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*entity.Subscriber, error) {
	var s entity.Subscriber
	var contactID sql.NullInt64
	var lastSentAt sql.NullTime
	var metadataJSON []byte
	if err := row.Scan(
		&s.ID, &s.CampaignID, &s.RecipientID, &contactID, &s.Status,
		&s.LastSentOrder, &lastSentAt, &metadataJSON, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if contactID.Valid {
		id := contactID.Int64
		s.ContactID = &id
	}
	if lastSentAt.Valid {
		t := lastSentAt.Time
		s.LastSentAt = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &s, nil
}

func (repo *SubscriberRepo) Get(ctx context.Context, id int64) (*entity.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1 LIMIT 1`
	s, err := scanSubscriber(repo.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return s, nil
}

// CreateIfNotExists relies on UNIQUE (campaign_id, recipient_id). The insert
// returns no row on conflict, in which case the existing row is read back.
func (repo *SubscriberRepo) CreateIfNotExists(ctx context.Context, sub *entity.Subscriber) (*entity.Subscriber, bool, error) {
	metadataJSON, err := marshalMap(sub.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("CreateIfNotExists: %w", err)
	}
	status := sub.Status
	if status == "" {
		status = entity.SubscriberActive
	}

	insert := `
INSERT INTO subscribers (campaign_id, recipient_id, contact_id, status, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (campaign_id, recipient_id) DO NOTHING
RETURNING ` + subscriberColumns
	created, err := scanSubscriber(repo.db.QueryRowContext(ctx, insert,
		sub.CampaignID, sub.RecipientID, nullableID(sub.ContactID), status, metadataJSON,
	))
	if err == nil {
		return created, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("CreateIfNotExists: %w", err)
	}

	existing := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE campaign_id = $1 AND recipient_id = $2`
	found, err := scanSubscriber(repo.db.QueryRowContext(ctx, existing, sub.CampaignID, sub.RecipientID))
	if err != nil {
		return nil, false, fmt.Errorf("CreateIfNotExists: %w", err)
	}
	return found, false, nil
}

func (repo *SubscriberRepo) UpdateMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	metadataJSON, err := marshalMap(metadata)
	if err != nil {
		return fmt.Errorf("UpdateMetadata: %w", err)
	}
	const query = `UPDATE subscribers SET metadata = $1, updated_at = now() WHERE id = $2`
	if _, err := repo.db.ExecContext(ctx, query, metadataJSON, id); err != nil {
		return fmt.Errorf("UpdateMetadata: %w", err)
	}
	return nil
}

// MarkSent never moves last_sent_order backwards.
func (repo *SubscriberRepo) MarkSent(ctx context.Context, id int64, order int, sentAt time.Time) error {
	const query = `
UPDATE subscribers
SET last_sent_order = GREATEST(last_sent_order, $1), last_sent_at = $2, updated_at = now()
WHERE id = $3`
	if _, err := repo.db.ExecContext(ctx, query, order, sentAt, id); err != nil {
		return fmt.Errorf("MarkSent: %w", err)
	}
	return nil
}

func (repo *SubscriberRepo) UpdateStatus(ctx context.Context, id int64, status entity.SubscriberStatus) error {
	const query = `UPDATE subscribers SET status = $1, updated_at = now() WHERE id = $2`
	if _, err := repo.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	return nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
