package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

// TTLs controls how long each cached fact lives.
type TTLs struct {
	Credential     time.Duration
	Messages       time.Duration
	CampaignStatus time.Duration
	Campaign       time.Duration
}

// DefaultTTLs returns the TTLs used when none are configured.
func DefaultTTLs() TTLs {
	return TTLs{
		Credential:     10 * time.Minute,
		Messages:       5 * time.Minute,
		CampaignStatus: 30 * time.Second,
		Campaign:       5 * time.Minute,
	}
}

// Metrics counts read-through lookups.
//
// Metrics:
//   - readthrough_lookups_total{cache,result} (result: hit, miss, error)
type Metrics struct {
	lookups *prometheus.CounterVec
}

// NewMetrics registers the cache metrics with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "readthrough_lookups_total",
			Help: "Read-through cache lookups by cache and result",
		}, []string{"cache", "result"}),
	}
}

func (m *Metrics) record(cache, result string) {
	if m != nil {
		m.lookups.WithLabelValues(cache, result).Inc()
	}
}

// ReadThrough serves the hot, slow-changing facts the delivery worker reads
// on every job: a channel's credential and record, a campaign's ordered
// message list, its status and its settings.
//
// Concurrent misses for the same key are coalesced into one store-of-record
// read. A failing cache store is bypassed with a warning; only store-of-record
// errors are returned to the caller.
type ReadThrough struct {
	store     Store
	campaigns repository.CampaignRepository
	channels  repository.ChannelRepository
	ttls      TTLs
	metrics   *Metrics
	group     singleflight.Group
}

// NewReadThrough wires the cache in front of the campaign and channel
// repositories. metrics may be nil.
func NewReadThrough(store Store, campaigns repository.CampaignRepository, channels repository.ChannelRepository, ttls TTLs, metrics *Metrics) *ReadThrough {
	return &ReadThrough{
		store:     store,
		campaigns: campaigns,
		channels:  channels,
		ttls:      ttls,
		metrics:   metrics,
	}
}

func credentialKey(channelID int64) string { return "cache:credential:" + strconv.FormatInt(channelID, 10) }
func channelKey(channelID int64) string    { return "cache:channel:" + strconv.FormatInt(channelID, 10) }
func messagesKey(campaignID int64) string  { return "cache:messages:" + strconv.FormatInt(campaignID, 10) }
func statusKey(campaignID int64) string    { return "cache:status:" + strconv.FormatInt(campaignID, 10) }
func campaignKey(campaignID int64) string  { return "cache:campaign:" + strconv.FormatInt(campaignID, 10) }

// load returns the cached value for key or calls fetch, caching its result
// for ttl. fetch returns the encoded value.
func (rt *ReadThrough) load(ctx context.Context, name, key string, ttl time.Duration, fetch func() (string, error)) (string, error) {
	val, err := rt.store.Get(ctx, key)
	switch {
	case err == nil:
		rt.metrics.record(name, "hit")
		return val, nil
	case errors.Is(err, ErrMiss):
		rt.metrics.record(name, "miss")
	default:
		rt.metrics.record(name, "error")
		slog.WarnContext(ctx, "cache read failed, falling back to store",
			slog.String("key", key),
			slog.Any("error", err))
	}

	v, err, _ := rt.group.Do(key, func() (interface{}, error) {
		fresh, err := fetch()
		if err != nil {
			return "", err
		}
		if err := rt.store.Set(ctx, key, fresh, ttl); err != nil {
			slog.WarnContext(ctx, "cache write failed",
				slog.String("key", key),
				slog.Any("error", err))
		}
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Credential returns the outbound credential of a channel.
func (rt *ReadThrough) Credential(ctx context.Context, channelID int64) (string, error) {
	return rt.load(ctx, "credential", credentialKey(channelID), rt.ttls.Credential, func() (string, error) {
		cred, err := rt.channels.GetCredential(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("Credential: %w", err)
		}
		return cred, nil
	})
}

// Channel returns the channel record with its credential populated, or
// entity.ErrNotFound.
func (rt *ReadThrough) Channel(ctx context.Context, channelID int64) (*entity.Channel, error) {
	raw, err := rt.load(ctx, "channel", channelKey(channelID), rt.ttls.Credential, func() (string, error) {
		ch, err := rt.channels.Get(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("Channel: %w", err)
		}
		if ch == nil {
			return "", fmt.Errorf("Channel %d: %w", channelID, entity.ErrNotFound)
		}
		ch.Credential = ""
		return encode(ch)
	})
	if err != nil {
		return nil, err
	}
	var ch entity.Channel
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("Channel: decode: %w", err)
	}
	cred, err := rt.Credential(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ch.Credential = cred
	return &ch, nil
}

// Messages returns the campaign's messages sorted by order. A campaign
// without messages yields an empty list.
func (rt *ReadThrough) Messages(ctx context.Context, campaignID int64) (entity.MessageList, error) {
	raw, err := rt.load(ctx, "messages", messagesKey(campaignID), rt.ttls.Messages, func() (string, error) {
		msgs, err := rt.campaigns.ListMessages(ctx, campaignID)
		if err != nil {
			return "", fmt.Errorf("Messages: %w", err)
		}
		return encode(entity.SortMessages(msgs))
	})
	if err != nil {
		return nil, err
	}
	var list entity.MessageList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("Messages: decode: %w", err)
	}
	return list, nil
}

// CampaignStatus returns the campaign's status, or "" when the campaign
// does not exist.
func (rt *ReadThrough) CampaignStatus(ctx context.Context, campaignID int64) (entity.CampaignStatus, error) {
	raw, err := rt.load(ctx, "status", statusKey(campaignID), rt.ttls.CampaignStatus, func() (string, error) {
		status, err := rt.campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return "", fmt.Errorf("CampaignStatus: %w", err)
		}
		return string(status), nil
	})
	if err != nil {
		return "", err
	}
	return entity.CampaignStatus(raw), nil
}

// Campaign returns the campaign settings, or entity.ErrNotFound. Status on
// the returned value may be stale; use CampaignStatus for gating.
func (rt *ReadThrough) Campaign(ctx context.Context, campaignID int64) (*entity.Campaign, error) {
	raw, err := rt.load(ctx, "campaign", campaignKey(campaignID), rt.ttls.Campaign, func() (string, error) {
		c, err := rt.campaigns.Get(ctx, campaignID)
		if err != nil {
			return "", fmt.Errorf("Campaign: %w", err)
		}
		if c == nil {
			return "", fmt.Errorf("Campaign %d: %w", campaignID, entity.ErrNotFound)
		}
		return encode(c)
	})
	if err != nil {
		return nil, err
	}
	var c entity.Campaign
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("Campaign: decode: %w", err)
	}
	return &c, nil
}

// InvalidateCampaign drops every cached fact about a campaign.
func (rt *ReadThrough) InvalidateCampaign(ctx context.Context, campaignID int64) error {
	for _, key := range []string{messagesKey(campaignID), statusKey(campaignID), campaignKey(campaignID)} {
		if err := rt.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("InvalidateCampaign: %w", err)
		}
	}
	return nil
}

// InvalidateChannel drops the cached channel record and credential.
func (rt *ReadThrough) InvalidateChannel(ctx context.Context, channelID int64) error {
	for _, key := range []string{channelKey(channelID), credentialKey(channelID)} {
		if err := rt.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("InvalidateChannel: %w", err)
		}
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}
