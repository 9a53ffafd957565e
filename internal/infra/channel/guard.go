package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/resilience/circuitbreaker"
)

// GuardConfig tunes the per-channel protection applied around a sender.
type GuardConfig struct {
	// RequestsPerSecond is the sustained send rate per channel.
	// Zero disables the token bucket.
	RequestsPerSecond float64

	// Burst is the token bucket capacity.
	Burst int

	// Breaker builds the circuit breaker config for a channel key.
	// Nil uses circuitbreaker.ChannelConfig.
	Breaker func(key string) circuitbreaker.Config
}

// DefaultGuardConfig returns 5 req/s with a burst of 10 per channel.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{RequestsPerSecond: 5, Burst: 10}
}

// Guard wraps a sender with a token bucket and a circuit breaker per
// channel id. An open breaker is reported as ErrNotReady.
type Guard struct {
	next     Sender
	cfg      GuardConfig
	breakers *circuitbreaker.Group

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewGuard wraps next.
func NewGuard(next Sender, cfg GuardConfig) *Guard {
	template := cfg.Breaker
	if template == nil {
		template = circuitbreaker.ChannelConfig
	}
	return &Guard{
		next: next,
		cfg:  cfg,
		breakers: circuitbreaker.NewGroup(func(key string) circuitbreaker.Config {
			c := template(key)
			c.IsSuccessful = breakerSuccess
			return c
		}),
		limiters: make(map[int64]*rate.Limiter),
	}
}

// breakerSuccess keeps rejected content and throttling from tripping the
// breaker. Those say nothing about whether the channel is reachable.
func breakerSuccess(err error) bool {
	if err == nil || IsContentError(err) {
		return true
	}
	if _, ok := AsOverload(err); ok {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Send implements Sender.
func (g *Guard) Send(ctx context.Context, ch entity.Channel, recipient string, content Content) (string, error) {
	if l := g.limiter(ch.ID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	cb := g.breakers.Get("channel:" + strconv.FormatInt(ch.ID, 10))
	res, err := cb.Execute(func() (interface{}, error) {
		return g.next.Send(ctx, ch, recipient, content)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

// BreakerOpen reports whether the breaker for a channel is currently open.
func (g *Guard) BreakerOpen(channelID int64) bool {
	return g.breakers.Get("channel:" + strconv.FormatInt(channelID, 10)).IsOpen()
}

func (g *Guard) limiter(channelID int64) *rate.Limiter {
	if g.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[channelID]
	if !ok {
		burst := g.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), burst)
		g.limiters[channelID] = l
	}
	return l
}
