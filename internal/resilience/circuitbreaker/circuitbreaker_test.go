package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var errSend = errors.New("send failed")

func testConfig() Config {
	return Config{
		Name:             "webhook-1",
		MaxRequests:      1,
		Interval:         10 * time.Second,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errSend })
	}
}

func TestNew(t *testing.T) {
	cb := New(testConfig())

	if cb.Name() != "webhook-1" {
		t.Errorf("expected name='webhook-1', got %q", cb.Name())
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected initial state=Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_TripsOpen(t *testing.T) {
	cb := New(testConfig())
	fail(cb, 5)

	if !cb.IsOpen() {
		t.Fatalf("expected state=Open after 5 failures, got %v", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) {
		t.Error("function should not be called when circuit is open")
		return nil, nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
}

func TestCircuitBreaker_MinRequests(t *testing.T) {
	cb := New(testConfig())
	fail(cb, 4)

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected state=Closed (below MinRequests), got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := New(testConfig())
	fail(cb, 5)

	time.Sleep(150 * time.Millisecond)
	if cb.State() != gobreaker.StateHalfOpen {
		t.Fatalf("expected state=HalfOpen after timeout, got %v", cb.State())
	}

	if _, err := cb.Execute(func() (interface{}, error) { return "ok", nil }); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected state=Closed after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	errRejected := errors.New("content rejected")
	cfg := testConfig()
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errRejected)
	}
	cb := New(cfg)

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errRejected })
		if !errors.Is(err, errRejected) {
			t.Fatalf("expected caller to see the error, got %v", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected content errors not to trip the breaker, got %v", cb.State())
	}
}

func TestGroup_IsolatesKeys(t *testing.T) {
	g := NewGroup(func(key string) Config {
		cfg := testConfig()
		cfg.Name = key
		return cfg
	})

	fail(g.Get("channel-1"), 5)

	if !g.Get("channel-1").IsOpen() {
		t.Error("expected channel-1 to be open")
	}
	if g.Get("channel-2").IsOpen() {
		t.Error("expected channel-2 to stay closed")
	}
	if g.Get("channel-1") != g.Get("channel-1") {
		t.Error("expected Get to return the same breaker for a key")
	}
}

func TestPresetConfigs(t *testing.T) {
	c := ChannelConfig("webhook-3")
	if c.Name != "webhook-3" || c.MaxRequests != 1 || c.Timeout != 30*time.Second {
		t.Errorf("ChannelConfig() = %+v", c)
	}
}
