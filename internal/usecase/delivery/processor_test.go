package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/adapter/persistence/memory"
	"drip-engine/internal/infra/cache"
	"drip-engine/internal/infra/channel"
	"drip-engine/internal/infra/dedup"
	"drip-engine/internal/infra/throttle"
	"drip-engine/pkg/ratelimit"
)

/* ───────────────────────── fixtures ───────────────────────── */

type sentCall struct {
	channelID int64
	recipient string
	content   channel.Content
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sentCall
	err   error
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, ch entity.Channel, recipient string, content channel.Content) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{channelID: ch.ID, recipient: recipient, content: content})
	if f.err != nil {
		return "", f.err
	}
	return "msg-" + recipient, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	rt       *cache.ReadThrough
	cooldown *throttle.Cooldown
	sender   *fakeSender
	metrics  *Metrics
	proc     *Processor
	camp     *entity.Campaign
	msgs     []*entity.Message
	sub      *entity.Subscriber
	now      time.Time
}

const testChannelID = 900

func newHarness(t *testing.T, msgs ...entity.Message) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		t:      t,
		ctx:    ctx,
		store:  memory.NewStore(),
		sender: &fakeSender{},
		now:    time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
	h.store.SetClock(func() time.Time { return h.now })

	require.NoError(t, h.store.Channels().Upsert(ctx, &entity.Channel{
		ID: testChannelID, Name: "local", Kind: entity.ChannelLog, Credential: "secret", Active: true,
	}))
	h.camp = &entity.Campaign{Name: "welcome", Status: entity.CampaignActive, Priority: entity.PriorityNormal, ChannelID: testChannelID}
	require.NoError(t, h.store.Campaigns().Create(ctx, h.camp))
	for i := range msgs {
		m := msgs[i]
		m.CampaignID = h.camp.ID
		require.NoError(t, h.store.Campaigns().AddMessage(ctx, &m))
		h.msgs = append(h.msgs, &m)
	}
	sub, created, err := h.store.Subscribers().CreateIfNotExists(ctx, &entity.Subscriber{
		CampaignID:  h.camp.ID,
		RecipientID: "+15550001",
		Metadata:    map[string]any{"name": "Ana"},
	})
	require.NoError(t, err)
	require.True(t, created)
	h.sub = sub

	kv := cache.NewMemoryStore()
	h.rt = cache.NewReadThrough(kv, h.store.Campaigns(), h.store.Channels(), cache.DefaultTTLs(), nil)
	h.cooldown = throttle.NewCooldown(kv, throttle.MinCooldown, nil)
	h.metrics = NewMetrics(prometheus.NewRegistry())
	h.proc = NewProcessor(Deps{
		Cache:       h.rt,
		Subscribers: h.store.Subscribers(),
		Contacts:    h.store.Contacts(),
		Logs:        h.store.DeliveryLogs(),
		Cooldown:    h.cooldown,
		Dedup:       dedup.NewGuard(kv, dedup.DefaultConfig()),
		Sender:      h.sender,
		Metrics:     h.metrics,
	}, DefaultConfig())
	h.proc.SetClock(func() time.Time { return h.now })
	return h
}

type harnessClock struct{ h *harness }

func (c harnessClock) Now() time.Time { return c.h.now }

// withBudget limits the campaign to max sends per window on its channel.
func (h *harness) withBudget(max int, window time.Duration) {
	h.t.Helper()
	h.camp.RateLimitMax = max
	h.camp.RateLimitWindow = window
	require.NoError(h.t, h.store.Campaigns().Create(h.ctx, h.camp))
	require.NoError(h.t, h.rt.InvalidateCampaign(h.ctx, h.camp.ID))
	limiter := ratelimit.NewLimiter(ratelimit.NewInMemoryRateLimitStore(), nil, harnessClock{h: h})
	h.proc.Budget = throttle.NewBudget(limiter, nil)
}

func (h *harness) job(order int) Payload {
	return Payload{SubscriberID: h.sub.ID, CampaignID: h.camp.ID, Order: order, ChannelID: testChannelID}
}

func (h *harness) process(order int) NextAction {
	h.t.Helper()
	act, err := h.proc.Process(h.ctx, h.job(order))
	require.NoError(h.t, err)
	return act
}

func (h *harness) subscriber() *entity.Subscriber {
	h.t.Helper()
	sub, err := h.store.Subscribers().Get(h.ctx, h.sub.ID)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) logFor(order int) *entity.DeliveryLogEntry {
	h.t.Helper()
	for _, m := range h.msgs {
		if m.Order == order {
			e, err := h.store.DeliveryLogs().Find(h.ctx, h.sub.ID, m.ID)
			require.NoError(h.t, err)
			return e
		}
	}
	return nil
}

func (h *harness) setCampaignStatus(status entity.CampaignStatus) {
	require.NoError(h.t, h.store.Campaigns().UpdateStatus(h.ctx, h.camp.ID, status))
	require.NoError(h.t, h.rt.InvalidateCampaign(h.ctx, h.camp.ID))
}

func threeSteps() []entity.Message {
	return []entity.Message{
		{Order: 1, Body: "Hi {{Name}}"},
		{Order: 2, Body: "Day two, {{name}}", DelayMinutes: 5},
		{Order: 3, Body: "Bye {{NAME}}"},
	}
}

/* ───────────────────────── 1. Happy path ───────────────────────── */

func TestProcess_SendsAndSchedulesNext(t *testing.T) {
	h := newHarness(t, threeSteps()...)

	act := h.process(1)

	assert.Equal(t, ActionScheduleNext, act.Kind)
	assert.Equal(t, 2, act.Order)
	assert.Equal(t, 5*time.Minute, act.Delay)
	assert.Equal(t, 5, act.Priority, "normal tier")
	assert.Equal(t, h.now.UnixMilli(), act.Salt)
	require.NotNil(t, act.Campaign)
	assert.Equal(t, h.camp.ID, act.Campaign.ID)

	require.Equal(t, 1, h.sender.count())
	call := h.sender.calls[0]
	assert.Equal(t, "+15550001", call.recipient)
	assert.Equal(t, channel.Content{Type: channel.ContentText, Text: "Hi Ana"}, call.content)

	entry := h.logFor(1)
	require.True(t, entry.IsSent())
	assert.Equal(t, "Hi Ana", entry.Content)
	assert.Equal(t, "msg-+15550001", entry.ChannelMessage)

	sub := h.subscriber()
	assert.Equal(t, 1, sub.LastSentOrder)
	require.NotNil(t, sub.LastSentAt)
	assert.True(t, sub.LastSentAt.Equal(h.now))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.sends.WithLabelValues("log", "sent")))
}

func TestProcess_DelayFloor(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "a"}, entity.Message{Order: 2, Body: "b", DelayMinutes: 0})

	act := h.process(1)

	assert.Equal(t, ActionScheduleNext, act.Kind)
	assert.Equal(t, MinInterMessageDelay, act.Delay)
}

func TestNewProcessor_RaisesConfiguredFloor(t *testing.T) {
	p := NewProcessor(Deps{}, Config{MinDelay: time.Second})
	assert.Equal(t, MinInterMessageDelay, p.NextDelay(&entity.Message{}))
	assert.Equal(t, 10*time.Minute, p.NextDelay(&entity.Message{DelayMinutes: 10}))

	p = NewProcessor(Deps{}, Config{MinDelay: 2 * time.Minute})
	assert.Equal(t, 2*time.Minute, p.NextDelay(&entity.Message{DelayMinutes: 1}))
}

func TestProcess_LastStepCompletesSubscriber(t *testing.T) {
	h := newHarness(t, threeSteps()...)

	act := h.process(3)

	assert.Equal(t, ActionComplete, act.Kind)
	assert.Equal(t, entity.SubscriberCompleted, h.subscriber().Status)
}

func TestProcess_HighPriorityTier(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.camp.Priority = entity.PriorityHigh
	require.NoError(t, h.store.Campaigns().Create(h.ctx, h.camp))
	require.NoError(t, h.rt.InvalidateCampaign(h.ctx, h.camp.ID))

	assert.Equal(t, 1, h.process(1).Priority)
}

/* ───────────────────────── 2. Guards and state drift ───────────────────────── */

func TestProcess_CooldownDefersWithoutSideEffects(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	_, err := h.cooldown.Enter(h.ctx, testChannelID, 3*time.Minute)
	require.NoError(t, err)

	act := h.process(1)

	assert.Equal(t, ActionDefer, act.Kind)
	assert.InDelta(t, (3 * time.Minute).Seconds(), act.Delay.Seconds(), 2)
	assert.Zero(t, h.sender.count())
	assert.Nil(t, h.logFor(1))
}

func TestProcess_PausedCampaignDrops(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.setCampaignStatus(entity.CampaignPaused)

	act := h.process(1)

	assert.Equal(t, ActionDrop, act.Kind)
	assert.Zero(t, h.sender.count())
	assert.Nil(t, h.logFor(1))
}

func TestProcess_MissingSubscriberDiscards(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.store.DeleteSubscriber(h.sub.ID)

	act := h.process(1)

	assert.Equal(t, ActionDiscard, act.Kind)
	assert.Zero(t, h.sender.count())
	assert.Nil(t, h.logFor(1))
}

func TestProcess_InactiveSubscriberDrops(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	require.NoError(t, h.store.Subscribers().UpdateStatus(h.ctx, h.sub.ID, entity.SubscriberUnsubscribed))

	act := h.process(1)

	assert.Equal(t, ActionDrop, act.Kind)
	assert.Zero(t, h.sender.count())
}

type pausingCache struct {
	CampaignCache
	mu    sync.Mutex
	calls int
}

func (c *pausingCache) CampaignStatus(ctx context.Context, id int64) (entity.CampaignStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls > 1 {
		return entity.CampaignPaused, nil
	}
	return entity.CampaignActive, nil
}

func TestProcess_PauseMidChainStopsScheduling(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.proc.Cache = &pausingCache{CampaignCache: h.rt}

	act := h.process(1)

	assert.Equal(t, ActionDrop, act.Kind)
	assert.Equal(t, 1, h.sender.count(), "the current step still completes")
	assert.True(t, h.logFor(1).IsSent())
	assert.Equal(t, entity.SubscriberActive, h.subscriber().Status)
}

/* ───────────────────────── 3. Message resolution ───────────────────────── */

func TestProcess_MissingOrderJumpsToNextHigher(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "a"}, entity.Message{Order: 3, Body: "c"})

	act := h.process(2)

	assert.Equal(t, ActionReschedule, act.Kind)
	assert.Equal(t, 3, act.Order)
	assert.Equal(t, 1, act.Priority)
	assert.Zero(t, act.Delay)
	assert.Zero(t, h.sender.count())
}

func TestProcess_NoHigherOrderDiscards(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "a"})

	act := h.process(4)

	assert.Equal(t, ActionDiscard, act.Kind)
}

func TestProcess_SchedulesAcrossGap(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "a"}, entity.Message{Order: 3, Body: "c", DelayMinutes: 2})

	act := h.process(1)

	assert.Equal(t, ActionScheduleNext, act.Kind)
	assert.Equal(t, 3, act.Order)
	assert.Equal(t, 2*time.Minute, act.Delay)
}

/* ───────────────────────── 4. Idempotence ───────────────────────── */

func TestProcess_AlreadySentSkipsSend(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	first := h.process(1)
	require.Equal(t, 1, h.sender.count())

	h.now = h.now.Add(time.Hour)
	again := h.process(1)

	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, ActionScheduleNext, again.Kind)
	assert.Equal(t, first.Salt, again.Salt, "re-running a step reproduces the next job key")
}

func TestProcess_ConcurrentDuplicatesSendOnce(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.sender.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.proc.Process(h.ctx, h.job(1))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.sender.count())
	logs, err := h.store.DeliveryLogs().ListBySubscriber(h.ctx, h.sub.ID)
	require.NoError(t, err)
	sent := 0
	for _, e := range logs {
		if e.IsSent() {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
}

/* ───────────────────────── 5. Send budget ───────────────────────── */

func TestProcess_BudgetChargedOnlyForRealSends(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.withBudget(1, time.Minute)

	h.setCampaignStatus(entity.CampaignPaused)
	assert.Equal(t, ActionDrop, h.process(1).Kind)
	h.setCampaignStatus(entity.CampaignActive)

	require.NoError(t, h.store.Subscribers().UpdateStatus(h.ctx, h.sub.ID, entity.SubscriberUnsubscribed))
	assert.Equal(t, ActionDrop, h.process(1).Kind)
	require.NoError(t, h.store.Subscribers().UpdateStatus(h.ctx, h.sub.ID, entity.SubscriberActive))

	assert.Equal(t, ActionScheduleNext, h.process(1).Kind, "dropped jobs left the single slot free")
	assert.Equal(t, ActionScheduleNext, h.process(1).Kind, "an already delivered step is free")
	require.Equal(t, 1, h.sender.count())

	act := h.process(2)
	assert.Equal(t, ActionDefer, act.Kind)
	assert.InDelta(t, time.Minute.Seconds(), act.Delay.Seconds(), 1)
	assert.Equal(t, 1, h.sender.count())
	assert.Nil(t, h.logFor(2))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.sends.WithLabelValues("log", "budget")))

	h.now = h.now.Add(time.Minute + time.Second)
	assert.Equal(t, ActionScheduleNext, h.process(2).Kind, "the deferred step sends once the window slides")
	assert.Equal(t, 2, h.sender.count())
}

/* ───────────────────────── 6. Send failures ───────────────────────── */

func TestProcess_NotReadyRetriesWithoutLogging(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.sender.err = channel.ErrNotReady

	act := h.process(1)

	assert.Equal(t, ActionRetry, act.Kind)
	assert.Equal(t, DefaultConfig().NotReadyDelay, act.Delay)
	assert.ErrorIs(t, act.Err, channel.ErrNotReady)
	assert.Nil(t, h.logFor(1))
	assert.Zero(t, h.subscriber().LastSentOrder)

	h.sender.err = nil
	assert.Equal(t, ActionScheduleNext, h.process(1).Kind, "a later retry may send")
}

func TestProcess_OverloadEntersCooldown(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.sender.err = &channel.OverloadError{RetryAfter: 10 * time.Second}

	act := h.process(1)

	assert.Equal(t, ActionDefer, act.Kind)
	assert.Equal(t, throttle.MinCooldown, act.Delay, "short hints are raised to the floor")
	remaining, err := h.cooldown.Remaining(h.ctx, testChannelID)
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Minute)
	assert.Nil(t, h.logFor(1))

	h.sender.err = nil
	assert.Equal(t, ActionDefer, h.process(1).Kind, "jobs keep deferring until the cooldown ends")
	assert.Equal(t, 1, h.sender.count())
}

func TestProcess_ContentErrorHaltsChain(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.sender.err = &channel.ContentError{StatusCode: 400, Message: "invalid recipient"}

	act := h.process(1)

	assert.Equal(t, ActionHalt, act.Kind)
	entry := h.logFor(1)
	require.NotNil(t, entry)
	assert.Equal(t, entity.DeliveryFailed, entry.Status)
	assert.Contains(t, entry.Error, "invalid recipient")
	assert.Equal(t, entity.SubscriberActive, h.subscriber().Status)
	assert.Zero(t, h.subscriber().LastSentOrder)
}

func TestProcess_EmptyRenderHalts(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "{{missing}}"})

	act := h.process(1)

	assert.Equal(t, ActionHalt, act.Kind)
	assert.Zero(t, h.sender.count())
	assert.Contains(t, h.logFor(1).Error, ErrEmptyContent.Error())
}

func TestProcess_InvalidMediaHalts(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "pic", MediaURL: "ftp://example.com/a.png"})

	act := h.process(1)

	assert.Equal(t, ActionHalt, act.Kind)
	assert.Zero(t, h.sender.count())
	assert.Equal(t, entity.DeliveryFailed, h.logFor(1).Status)
}

func TestProcess_MediaMessage(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "fallback", Caption: "For {{name}}", MediaURL: "https://cdn.example.com/a.png"})

	act := h.process(1)

	assert.Equal(t, ActionComplete, act.Kind)
	require.Equal(t, 1, h.sender.count())
	assert.Equal(t, channel.Content{Type: channel.ContentMedia, Caption: "For Ana", MediaURL: "https://cdn.example.com/a.png"}, h.sender.calls[0].content)
}

func TestProcess_InactiveChannelRetries(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	require.NoError(t, h.store.Channels().Upsert(h.ctx, &entity.Channel{ID: testChannelID, Kind: entity.ChannelLog, Active: false}))
	require.NoError(t, h.rt.InvalidateChannel(h.ctx, testChannelID))

	act := h.process(1)

	assert.Equal(t, ActionRetry, act.Kind)
	assert.ErrorIs(t, act.Err, ErrChannelUnavailable)
	assert.Zero(t, h.sender.count())
}

func TestProcess_UnknownSendErrorIsTransient(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.sender.err = errors.New("boom")

	_, err := h.proc.Process(h.ctx, h.job(1))

	assert.Error(t, err)
	assert.Nil(t, h.logFor(1))
}

type conflictDedup struct{}

func (conflictDedup) WithDeduplication(context.Context, dedup.Inputs, func(context.Context) (string, error)) (dedup.Result, error) {
	return dedup.Result{}, dedup.ErrConflict
}

func TestProcess_DedupConflictDefers(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	h.proc.Dedup = conflictDedup{}

	act := h.process(1)

	assert.Equal(t, ActionDefer, act.Kind)
	assert.Equal(t, DefaultConfig().ConflictDelay, act.Delay)
}

/* ───────────────────────── 7. Enrichment ───────────────────────── */

func TestProcess_EnrichesEmptyMetadataFromContact(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "Hi {{first_name}} from {{City}}"})
	contact := h.store.PutContact(&entity.Contact{
		Name:    "Bruno Costa",
		Details: map[string]any{"address": map[string]any{"city": "Braga"}},
	})
	sub, _, err := h.store.Subscribers().CreateIfNotExists(h.ctx, &entity.Subscriber{
		CampaignID: h.camp.ID, RecipientID: "+15550002", ContactID: &contact.ID,
	})
	require.NoError(t, err)
	h.sub = sub

	h.process(1)

	require.Equal(t, 1, h.sender.count())
	assert.Equal(t, "Hi Bruno from Braga", h.sender.calls[0].content.Text)
	assert.Equal(t, "Braga", h.subscriber().Metadata["address_city"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.enrichments.WithLabelValues("ok")))
}

func TestProcess_ExistingMetadataIsNotEnriched(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "Hi {{name}}"})
	contact := h.store.PutContact(&entity.Contact{Name: "Other"})
	sub, _, err := h.store.Subscribers().CreateIfNotExists(h.ctx, &entity.Subscriber{
		CampaignID: h.camp.ID, RecipientID: "+15550003", ContactID: &contact.ID,
		Metadata: map[string]any{"name": "Ana"},
	})
	require.NoError(t, err)
	h.sub = sub

	h.process(1)

	assert.Equal(t, "Hi Ana", h.sender.calls[0].content.Text)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.enrichments.WithLabelValues("ok")))
}
