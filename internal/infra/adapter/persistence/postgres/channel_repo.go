package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

type ChannelRepo struct{ db *sql.DB }

func NewChannelRepo(db *sql.DB) repository.ChannelRepository {
	return &ChannelRepo{db: db}
}

// Get does not load the credential; use GetCredential.
func (repo *ChannelRepo) Get(ctx context.Context, id int64) (*entity.Channel, error) {
	const query = `SELECT id, name, kind, endpoint, from_address, active FROM channels WHERE id = $1`
	var ch entity.Channel
	err := repo.db.QueryRowContext(ctx, query, id).Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.Endpoint, &ch.From, &ch.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &ch, nil
}

func (repo *ChannelRepo) GetCredential(ctx context.Context, id int64) (string, error) {
	const query = `SELECT credential FROM channels WHERE id = $1`
	var credential string
	err := repo.db.QueryRowContext(ctx, query, id).Scan(&credential)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("GetCredential: %w", entity.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("GetCredential: %w", err)
	}
	return credential, nil
}

func (repo *ChannelRepo) Upsert(ctx context.Context, ch *entity.Channel) error {
	const query = `
INSERT INTO channels (id, name, kind, endpoint, from_address, credential, active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, kind = EXCLUDED.kind, endpoint = EXCLUDED.endpoint,
    from_address = EXCLUDED.from_address, credential = EXCLUDED.credential, active = EXCLUDED.active`
	if _, err := repo.db.ExecContext(ctx, query,
		ch.ID, ch.Name, ch.Kind, ch.Endpoint, ch.From, ch.Credential, ch.Active,
	); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (repo *ChannelRepo) List(ctx context.Context) ([]*entity.Channel, error) {
	const query = `SELECT id, name, kind, endpoint, from_address, active FROM channels ORDER BY id ASC`
	rows, err := repo.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	channels := make([]*entity.Channel, 0, 4)
	for rows.Next() {
		var ch entity.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.Endpoint, &ch.From, &ch.Active); err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

type ContactRepo struct{ db *sql.DB }

func NewContactRepo(db *sql.DB) repository.ContactRepository {
	return &ContactRepo{db: db}
}

func (repo *ContactRepo) Get(ctx context.Context, id int64) (*entity.Contact, error) {
	const query = `SELECT id, name, phone, email, details FROM contacts WHERE id = $1`
	var c entity.Contact
	var detailsJSON []byte
	err := repo.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &detailsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &c.Details); err != nil {
			return nil, fmt.Errorf("Get: unmarshal details: %w", err)
		}
	}
	return &c, nil
}
