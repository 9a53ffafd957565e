package repository

import (
	"context"

	"drip-engine/internal/domain/entity"
)

// ChannelRepository reads outbound channel records.
type ChannelRepository interface {
	Get(ctx context.Context, id int64) (*entity.Channel, error)
	GetCredential(ctx context.Context, id int64) (string, error)
	Upsert(ctx context.Context, ch *entity.Channel) error
	List(ctx context.Context) ([]*entity.Channel, error)
}
