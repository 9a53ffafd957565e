// Package channel delivers rendered content through an outbound channel.
//
// Every transport reports failures through the same three shapes so the
// delivery worker can react without knowing which transport was used:
//
//   - ErrNotReady: the channel is unreachable or failing. Retry later.
//   - *OverloadError: the transport asked us to slow down. Cool the channel.
//   - *ContentError: the transport rejected this message or recipient.
//     Retrying will not help.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"drip-engine/internal/domain/entity"
)

// ContentType is the shape of an outbound message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentMedia ContentType = "media"
)

// Content is a fully rendered message ready to be sent.
type Content struct {
	Type     ContentType
	Text     string
	Caption  string
	MediaURL string
}

// Sender sends content to one recipient through a channel and returns the
// transport's message id.
type Sender interface {
	Send(ctx context.Context, ch entity.Channel, recipient string, content Content) (string, error)
}

// ErrNotReady reports a channel that cannot currently deliver anything.
var ErrNotReady = errors.New("channel not ready")

// ErrUnknownKind is returned by Registry for a kind without a sender.
var ErrUnknownKind = errors.New("unknown channel kind")

// OverloadError is returned when the transport throttled the request.
// A zero RetryAfter means the transport did not say how long to wait.
type OverloadError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *OverloadError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("channel overloaded (retry after %v)", e.RetryAfter)
}

// ContentError is returned when the transport rejected the message itself.
type ContentError struct {
	StatusCode int
	Message    string
}

func (e *ContentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("content rejected (status %d): %s", e.StatusCode, e.Message)
	}
	return "content rejected: " + e.Message
}

// AsOverload reports whether err is an OverloadError.
func AsOverload(err error) (*OverloadError, bool) {
	var oe *OverloadError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsContentError reports whether err is a ContentError.
func IsContentError(err error) bool {
	var ce *ContentError
	return errors.As(err, &ce)
}

// Registry dispatches Send to the sender registered for the channel's kind.
type Registry struct {
	mu      sync.RWMutex
	senders map[entity.ChannelKind]Sender
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[entity.ChannelKind]Sender)}
}

// Register binds a sender to a channel kind, replacing any previous one.
func (r *Registry) Register(kind entity.ChannelKind, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[kind] = s
}

// Kinds returns the registered channel kinds.
func (r *Registry) Kinds() []entity.ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]entity.ChannelKind, 0, len(r.senders))
	for k := range r.senders {
		kinds = append(kinds, k)
	}
	return kinds
}

// Send implements Sender.
func (r *Registry) Send(ctx context.Context, ch entity.Channel, recipient string, content Content) (string, error) {
	r.mu.RLock()
	s, ok := r.senders[ch.Kind]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("Registry.Send: %w: %q", ErrUnknownKind, ch.Kind)
	}
	return s.Send(ctx, ch, recipient, content)
}
