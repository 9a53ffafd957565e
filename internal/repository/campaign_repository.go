package repository

import (
	"context"

	"drip-engine/internal/domain/entity"
)

// CampaignRepository reads campaigns and their ordered messages.
// Get methods return nil, nil when the row does not exist.
type CampaignRepository interface {
	Get(ctx context.Context, id int64) (*entity.Campaign, error)
	GetStatus(ctx context.Context, id int64) (entity.CampaignStatus, error)
	ListMessages(ctx context.Context, campaignID int64) ([]*entity.Message, error)
	Create(ctx context.Context, campaign *entity.Campaign) error
	UpdateStatus(ctx context.Context, id int64, status entity.CampaignStatus) error
	AddMessage(ctx context.Context, msg *entity.Message) error
}
