// Package throttle protects outbound channels: an explicit cooldown entered
// when a channel reports overload, and a sliding-window send budget per
// channel. Both are keyed by channel id and shared across workers.
//
// The cooldown is enforced at dequeue by Gate and again at the start of
// processing. The budget is charged by the delivery processor immediately
// before a send.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"drip-engine/internal/infra/cache"
	"drip-engine/internal/infra/queue"
	"drip-engine/pkg/ratelimit"
)

// MinCooldown is the shortest cooldown ever entered.
const MinCooldown = 120 * time.Second

// Metrics exports throttle decisions.
//
// Metrics:
//   - channel_cooldowns_entered_total{channel_id}
//   - channel_throttle_deferrals_total{reason} (reason: cooldown, budget)
type Metrics struct {
	cooldownsEntered *prometheus.CounterVec
	deferrals        *prometheus.CounterVec
}

// NewMetrics registers the throttle metrics with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		cooldownsEntered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_cooldowns_entered_total",
			Help: "Cooldowns entered after a channel signalled overload",
		}, []string{"channel_id"}),
		deferrals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_throttle_deferrals_total",
			Help: "Jobs re-delayed by the channel throttle",
		}, []string{"reason"}),
	}
}

/* ──────────────────────────────── cooldown ──────────────────────────────── */

// Cooldown blocks sending through a channel until its window expires.
// State lives in a cache.Store with a TTL, so expiry needs no sweeper and
// entering is a single atomic extend-only write.
type Cooldown struct {
	store   cache.Store
	floor   time.Duration
	metrics *Metrics
}

// NewCooldown returns a cooldown guard. Durations shorter than floor are
// raised to it; a floor below MinCooldown is raised to MinCooldown.
func NewCooldown(store cache.Store, floor time.Duration, metrics *Metrics) *Cooldown {
	if floor < MinCooldown {
		floor = MinCooldown
	}
	return &Cooldown{store: store, floor: floor, metrics: metrics}
}

func cooldownKey(channelID int64) string {
	return "cooldown:channel:" + strconv.FormatInt(channelID, 10)
}

// Enter places the channel in cooldown for at least max(d, floor) and
// returns the window now in force. A cooldown already running longer is
// kept as is.
func (c *Cooldown) Enter(ctx context.Context, channelID int64, d time.Duration) (time.Duration, error) {
	if d < c.floor {
		d = c.floor
	}
	until := time.Now().Add(d).UTC().Format(time.RFC3339)
	applied, err := c.store.Extend(ctx, cooldownKey(channelID), until, d)
	if err != nil {
		return 0, fmt.Errorf("Enter cooldown %d: %w", channelID, err)
	}
	if c.metrics != nil {
		c.metrics.cooldownsEntered.WithLabelValues(strconv.FormatInt(channelID, 10)).Inc()
	}
	slog.WarnContext(ctx, "channel entered cooldown",
		slog.Int64("channel_id", channelID),
		slog.Duration("requested", d),
		slog.Duration("duration", applied))
	return applied, nil
}

// Remaining returns how long the channel stays in cooldown, 0 when it is
// eligible to send.
func (c *Cooldown) Remaining(ctx context.Context, channelID int64) (time.Duration, error) {
	d, err := c.store.TTL(ctx, cooldownKey(channelID))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Remaining cooldown %d: %w", channelID, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Clear ends a cooldown early.
func (c *Cooldown) Clear(ctx context.Context, channelID int64) error {
	if err := c.store.Delete(ctx, cooldownKey(channelID)); err != nil {
		return fmt.Errorf("Clear cooldown %d: %w", channelID, err)
	}
	return nil
}

/* ──────────────────────────────── send budget ──────────────────────────────── */

// Budget enforces a sliding-window send budget per channel. It is charged
// right before a message goes out, so jobs that end without sending leave
// the window untouched.
type Budget struct {
	limiter *ratelimit.Limiter
	metrics *Metrics
}

// NewBudget wraps a limiter.
func NewBudget(limiter *ratelimit.Limiter, metrics *Metrics) *Budget {
	return &Budget{limiter: limiter, metrics: metrics}
}

// Take consumes one send from the channel's budget of max per window. It
// returns 0 when the send may proceed, or how long to wait otherwise. A
// non-positive max means unlimited.
func (b *Budget) Take(ctx context.Context, channelID int64, max int, window time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}
	decision, err := b.limiter.Allow(ctx, "channel:"+strconv.FormatInt(channelID, 10), max, window)
	if err != nil {
		return 0, fmt.Errorf("Take budget %d: %w", channelID, err)
	}
	if decision.Allowed {
		return 0, nil
	}
	if b.metrics != nil {
		b.metrics.deferrals.WithLabelValues("budget").Inc()
	}
	return decision.RetryAfter, nil
}

/* ──────────────────────────────── queue gate ──────────────────────────────── */

// ChannelGroup returns the queue group name for a channel.
func ChannelGroup(channelID int64) string {
	return "channel:" + strconv.FormatInt(channelID, 10)
}

// ParseChannelGroup extracts the channel id from a queue group name.
func ParseChannelGroup(group string) (int64, bool) {
	raw, ok := strings.CutPrefix(group, "channel:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Gate holds back claimed jobs whose channel is cooling down. Jobs without
// a channel group pass through.
type Gate struct {
	cooldown *Cooldown
	metrics  *Metrics
}

var _ queue.Gate = (*Gate)(nil)

// NewGate wraps a cooldown guard.
func NewGate(cooldown *Cooldown, metrics *Metrics) *Gate {
	return &Gate{cooldown: cooldown, metrics: metrics}
}

// Admit implements queue.Gate.
func (g *Gate) Admit(ctx context.Context, job *queue.Job) (time.Duration, error) {
	channelID, ok := ParseChannelGroup(job.Group)
	if !ok {
		return 0, nil
	}
	remaining, err := g.cooldown.Remaining(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if remaining > 0 && g.metrics != nil {
		g.metrics.deferrals.WithLabelValues("cooldown").Inc()
	}
	return remaining, nil
}
