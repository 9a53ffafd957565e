package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/channel"
	"drip-engine/internal/infra/queue"
	"drip-engine/internal/infra/throttle"
)

func newTestQueue(t *testing.T, now *time.Time) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.New(client, queue.Config{})
	q.SetClock(func() time.Time { return *now })
	return q
}

func claim(t *testing.T, q *queue.Queue) *queue.Job {
	t.Helper()
	ctx := context.Background()
	_, err := q.Promote(ctx)
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	return job
}

/* ───────────────────────── 1. Scheduler ───────────────────────── */

func TestScheduler_Schedule(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	q := newTestQueue(t, &now)
	s := NewScheduler(q, SchedulerConfig{MaxAttempts: 3, Timeout: 10 * time.Second})
	camp := &entity.Campaign{ID: 4, ChannelID: 9, RateLimitMax: 20, RateLimitWindow: time.Minute}

	h, err := s.Schedule(context.Background(), camp, Payload{SubscriberID: 11, Order: 1}, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "11:4:1:0", h.ID)
	assert.False(t, h.Existing)

	again, err := s.Schedule(context.Background(), camp, Payload{SubscriberID: 11, Order: 1}, 0, 5)
	require.NoError(t, err)
	assert.True(t, again.Existing, "same step and salt is not queued twice")

	job := claim(t, q)
	require.NotNil(t, job)
	assert.Equal(t, throttle.ChannelGroup(9), job.Group)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 10*time.Second, job.Timeout)

	p, err := DecodePayload(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, Payload{SubscriberID: 11, CampaignID: 4, Order: 1, ChannelID: 9}, p)
}

func TestDecodePayload_Invalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"subscriber_id":1,"campaign_id":2,"message_order":0}`} {
		_, err := DecodePayload([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}

/* ───────────────────────── 2. Driver ───────────────────────── */

func TestDriver_ChainsThroughQueue(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	q := newTestQueue(t, &h.now)
	sched := NewScheduler(q, SchedulerConfig{})
	d := NewDriver(h.proc, sched)
	ctx := context.Background()

	_, err := sched.Schedule(ctx, h.camp, Payload{SubscriberID: h.sub.ID, Order: 1}, 0, 5)
	require.NoError(t, err)

	for step := 1; step <= 3; step++ {
		job := claim(t, q)
		require.NotNil(t, job, "step %d should be due", step)
		require.NoError(t, d.Handle(ctx, job))
		done, err := q.Complete(ctx, job)
		require.NoError(t, err)
		require.True(t, done)

		// nothing is due before the inter-message delay
		assert.Nil(t, claim(t, q))
		h.now = h.now.Add(6 * time.Minute)
	}

	assert.Equal(t, 3, h.sender.count())
	assert.Equal(t, "Hi Ana", h.sender.calls[0].content.Text)
	assert.Equal(t, "Day two, Ana", h.sender.calls[1].content.Text)
	assert.Equal(t, "Bye Ana", h.sender.calls[2].content.Text)
	assert.Equal(t, entity.SubscriberCompleted, h.subscriber().Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestDriver_ActionsMapToQueueErrors(t *testing.T) {
	h := newHarness(t, threeSteps()...)
	q := newTestQueue(t, &h.now)
	d := NewDriver(h.proc, NewScheduler(q, SchedulerConfig{}))
	ctx := context.Background()
	job := func(order int) *queue.Job {
		body, err := h.job(order).Encode()
		require.NoError(t, err)
		return &queue.Job{ID: "j", Payload: body}
	}

	t.Run("malformed payload is permanent", func(t *testing.T) {
		err := d.Handle(ctx, &queue.Job{ID: "bad", Payload: []byte("{")})
		var pe *queue.PermanentError
		assert.ErrorAs(t, err, &pe)
	})

	t.Run("not ready retries after a fixed delay", func(t *testing.T) {
		h.sender.err = channel.ErrNotReady
		defer func() { h.sender.err = nil }()
		err := d.Handle(ctx, job(1))
		var re *queue.RetryAfterError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, DefaultConfig().NotReadyDelay, re.Delay)
	})

	t.Run("cooldown defers", func(t *testing.T) {
		_, err := h.cooldown.Enter(ctx, testChannelID, time.Minute)
		require.NoError(t, err)
		defer func() { _ = h.cooldown.Clear(ctx, testChannelID) }()
		err = d.Handle(ctx, job(1))
		var de *queue.DeferError
		assert.ErrorAs(t, err, &de)
	})

	t.Run("transient failure is returned", func(t *testing.T) {
		h.sender.err = errors.New("socket closed")
		defer func() { h.sender.err = nil }()
		err := d.Handle(ctx, job(1))
		require.Error(t, err)
		var de *queue.DeferError
		assert.False(t, errors.As(err, &de))
	})

	t.Run("missing subscriber completes quietly", func(t *testing.T) {
		body, err := Payload{SubscriberID: 424242, CampaignID: h.camp.ID, Order: 1, ChannelID: testChannelID}.Encode()
		require.NoError(t, err)
		assert.NoError(t, d.Handle(ctx, &queue.Job{ID: "gone", Payload: body}))
	})
}

func TestDriver_RecoveryJumpIsEnqueuedAtHighestPriority(t *testing.T) {
	h := newHarness(t, entity.Message{Order: 1, Body: "a"}, entity.Message{Order: 3, Body: "c"})
	q := newTestQueue(t, &h.now)
	d := NewDriver(h.proc, NewScheduler(q, SchedulerConfig{}))
	ctx := context.Background()

	body, err := h.job(2).Encode()
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, &queue.Job{ID: "x", Payload: body}))

	job := claim(t, q)
	require.NotNil(t, job, "recovery job is due immediately")
	assert.Equal(t, 1, job.Priority)
	p, err := DecodePayload(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Order)
}
