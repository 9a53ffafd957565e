package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

type CampaignRepo struct{ db *sql.DB }

func NewCampaignRepo(db *sql.DB) repository.CampaignRepository {
	return &CampaignRepo{db: db}
}

func (repo *CampaignRepo) Get(ctx context.Context, id int64) (*entity.Campaign, error) {
	const query = `
SELECT id, name, status, priority, channel_id, rate_limit_max, rate_limit_window_seconds, created_at, updated_at
FROM campaigns
WHERE id = $1
LIMIT 1`
	var c entity.Campaign
	var windowSeconds int64
	err := repo.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Status, &c.Priority, &c.ChannelID,
		&c.RateLimitMax, &windowSeconds, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	c.RateLimitWindow = time.Duration(windowSeconds) * time.Second
	return &c, nil
}

// GetStatus returns an empty status when the campaign does not exist.
func (repo *CampaignRepo) GetStatus(ctx context.Context, id int64) (entity.CampaignStatus, error) {
	const query = `SELECT status FROM campaigns WHERE id = $1`
	var status entity.CampaignStatus
	err := repo.db.QueryRowContext(ctx, query, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("GetStatus: %w", err)
	}
	return status, nil
}

func (repo *CampaignRepo) ListMessages(ctx context.Context, campaignID int64) ([]*entity.Message, error) {
	const query = `
SELECT id, campaign_id, sort_order, body, caption, media_url, delay_minutes
FROM campaign_messages
WHERE campaign_id = $1
ORDER BY sort_order ASC`
	rows, err := repo.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("ListMessages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]*entity.Message, 0, 8)
	for rows.Next() {
		var m entity.Message
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.Order, &m.Body, &m.Caption, &m.MediaURL, &m.DelayMinutes); err != nil {
			return nil, fmt.Errorf("ListMessages: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (repo *CampaignRepo) Create(ctx context.Context, c *entity.Campaign) error {
	const query = `
INSERT INTO campaigns (name, status, priority, channel_id, rate_limit_max, rate_limit_window_seconds)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at, updated_at`
	if err := repo.db.QueryRowContext(ctx, query,
		c.Name, c.Status, c.Priority, c.ChannelID, c.RateLimitMax, int64(c.RateLimitWindow/time.Second),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (repo *CampaignRepo) UpdateStatus(ctx context.Context, id int64, status entity.CampaignStatus) error {
	const query = `UPDATE campaigns SET status = $1, updated_at = now() WHERE id = $2`
	res, err := repo.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("UpdateStatus: %w", entity.ErrNotFound)
	}
	return nil
}

func (repo *CampaignRepo) AddMessage(ctx context.Context, m *entity.Message) error {
	const query = `
INSERT INTO campaign_messages (campaign_id, sort_order, body, caption, media_url, delay_minutes)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	if err := repo.db.QueryRowContext(ctx, query,
		m.CampaignID, m.Order, m.Body, m.Caption, m.MediaURL, m.DelayMinutes,
	).Scan(&m.ID); err != nil {
		return fmt.Errorf("AddMessage: %w", err)
	}
	return nil
}
