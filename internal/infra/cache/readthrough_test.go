package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/adapter/persistence/memory"
	"drip-engine/internal/repository"
)

type countingCampaigns struct {
	repository.CampaignRepository
	listCalls   atomic.Int32
	statusCalls atomic.Int32
	gate        chan struct{}
}

func (c *countingCampaigns) ListMessages(ctx context.Context, id int64) ([]*entity.Message, error) {
	c.listCalls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.CampaignRepository.ListMessages(ctx, id)
}

func (c *countingCampaigns) GetStatus(ctx context.Context, id int64) (entity.CampaignStatus, error) {
	c.statusCalls.Add(1)
	return c.CampaignRepository.GetStatus(ctx, id)
}

// brokenStore fails every operation, as an unreachable Redis would.
type brokenStore struct{ Store }

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) (string, error)              { return "", errDown }
func (brokenStore) Set(context.Context, string, string, time.Duration) error { return errDown }

type fixture struct {
	db        *memory.Store
	campaigns *countingCampaigns
	store     *MemoryStore
	rt        *ReadThrough
	metrics   *Metrics
	campaign  *entity.Campaign
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.NewStore()

	require.NoError(t, db.Channels().Upsert(ctx, &entity.Channel{ID: 3, Name: "sms", Kind: entity.ChannelLog, Credential: "secret", Active: true}))
	c := &entity.Campaign{Name: "welcome", Status: entity.CampaignActive, Priority: entity.PriorityHigh, ChannelID: 3}
	require.NoError(t, db.Campaigns().Create(ctx, c))
	for _, order := range []int{2, 1} {
		require.NoError(t, db.Campaigns().AddMessage(ctx, &entity.Message{CampaignID: c.ID, Order: order, Body: "hi", DelayMinutes: order}))
	}

	campaigns := &countingCampaigns{CampaignRepository: db.Campaigns()}
	store := NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	return &fixture{
		db:        db,
		campaigns: campaigns,
		store:     store,
		rt:        NewReadThrough(store, campaigns, db.Channels(), DefaultTTLs(), metrics),
		metrics:   metrics,
		campaign:  c,
	}
}

func TestReadThrough_Messages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		list, err := f.rt.Messages(ctx, f.campaign.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 1, list[0].Order)
		assert.Equal(t, 2, list[1].Order)
	}

	assert.Equal(t, int32(1), f.campaigns.listCalls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.lookups.WithLabelValues("messages", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.lookups.WithLabelValues("messages", "miss")))
}

func TestReadThrough_StatusInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.rt.CampaignStatus(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignActive, status)

	require.NoError(t, f.db.Campaigns().UpdateStatus(ctx, f.campaign.ID, entity.CampaignPaused))
	status, _ = f.rt.CampaignStatus(ctx, f.campaign.ID)
	assert.Equal(t, entity.CampaignActive, status, "stale until TTL or invalidation")

	require.NoError(t, f.rt.InvalidateCampaign(ctx, f.campaign.ID))
	status, err = f.rt.CampaignStatus(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignPaused, status)
	assert.Equal(t, int32(2), f.campaigns.statusCalls.Load())

	missing, err := f.rt.CampaignStatus(ctx, 999)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignStatus(""), missing)
}

func TestReadThrough_ChannelAndCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, err := f.rt.Channel(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "secret", ch.Credential)
	assert.Equal(t, entity.ChannelLog, ch.Kind)

	raw, err := f.store.Get(ctx, channelKey(3))
	require.NoError(t, err)
	assert.NotContains(t, raw, "secret")

	_, err = f.rt.Channel(ctx, 42)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestReadThrough_Campaign(t *testing.T) {
	f := newFixture(t)
	c, err := f.rt.Campaign(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PriorityHigh, c.Priority)
	assert.Equal(t, int64(3), c.ChannelID)

	_, err = f.rt.Campaign(context.Background(), 12345)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestReadThrough_CoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	f.campaigns.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.rt.Messages(context.Background(), f.campaign.ID)
		}()
	}

	require.Eventually(t, func() bool { return f.campaigns.listCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.campaigns.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.campaigns.listCalls.Load())
}

func TestReadThrough_BrokenStoreFallsBack(t *testing.T) {
	f := newFixture(t)
	rt := NewReadThrough(brokenStore{}, f.campaigns, f.db.Channels(), DefaultTTLs(), nil)

	list, err := rt.Messages(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	cred, err := rt.Credential(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "secret", cred)
}
