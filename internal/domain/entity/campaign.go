package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
// Only CampaignActive permits message processing.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "Active"
	CampaignPaused   CampaignStatus = "Paused"
	CampaignDraft    CampaignStatus = "Draft"
	CampaignArchived CampaignStatus = "Archived"
)

// PriorityTier controls how eagerly a campaign's jobs are dequeued
// relative to other campaigns sharing the same workers.
type PriorityTier string

const (
	PriorityHigh   PriorityTier = "high"
	PriorityNormal PriorityTier = "normal"
	PriorityLow    PriorityTier = "low"
)

// QueuePriority maps the tier to the numeric queue priority.
// Lower values dequeue first. Unknown tiers are treated as normal.
func (p PriorityTier) QueuePriority() int {
	switch PriorityTier(strings.ToLower(string(p))) {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// Campaign is an ordered sequence of messages delivered to its subscribers
// through a single outbound channel.
type Campaign struct {
	ID        int64
	Name      string
	Status    CampaignStatus
	Priority  PriorityTier
	ChannelID int64

	// RateLimitMax sends are permitted per RateLimitWindow on the channel.
	// A zero RateLimitMax disables the sliding-window budget.
	RateLimitMax    int
	RateLimitWindow time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the campaign currently permits processing.
func (c *Campaign) IsActive() bool {
	return c != nil && c.Status == CampaignActive
}

// Validate validates the Campaign entity fields.
func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if c.ChannelID <= 0 {
		return &ValidationError{Field: "channel_id", Message: "channel is required"}
	}
	switch PriorityTier(strings.ToLower(string(c.Priority))) {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority tier %q", c.Priority)}
	}
	if c.RateLimitMax < 0 {
		return &ValidationError{Field: "rate_limit_max", Message: "must not be negative"}
	}
	if c.RateLimitMax > 0 && c.RateLimitWindow <= 0 {
		return &ValidationError{Field: "rate_limit_window", Message: "window is required when a limit is set"}
	}
	return nil
}

// Message is one step of a campaign.
type Message struct {
	ID         int64
	CampaignID int64
	// Order is 1-based and determines the position of the step in the chain.
	Order    int
	Body     string
	Caption  string
	MediaURL string
	// DelayMinutes is the wait after the previous step before this one is eligible.
	DelayMinutes int
}

// Delay returns DelayMinutes as a duration.
func (m *Message) Delay() time.Duration {
	if m.DelayMinutes <= 0 {
		return 0
	}
	return time.Duration(m.DelayMinutes) * time.Minute
}

// HasMedia reports whether the message carries a media attachment.
func (m *Message) HasMedia() bool {
	return strings.TrimSpace(m.MediaURL) != ""
}

// Validate validates the Message entity fields.
func (m *Message) Validate() error {
	if m.Order < 1 {
		return &ValidationError{Field: "order", Message: "order must be 1 or greater"}
	}
	if m.DelayMinutes < 0 {
		return &ValidationError{Field: "delay", Message: "delay must not be negative"}
	}
	if strings.TrimSpace(m.Body) == "" && !m.HasMedia() {
		return &ValidationError{Field: "body", Message: "body or media is required"}
	}
	if m.HasMedia() {
		if err := ValidateMediaURL(m.MediaURL); err != nil {
			return err
		}
	}
	return nil
}

// MessageList is a campaign's messages sorted by ascending Order.
type MessageList []*Message

// SortMessages returns a copy of msgs ordered by Order.
func SortMessages(msgs []*Message) MessageList {
	out := make(MessageList, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ByOrder returns the message with the exact order, or nil.
func (l MessageList) ByOrder(order int) *Message {
	for _, m := range l {
		if m.Order == order {
			return m
		}
	}
	return nil
}

// NextAfter returns the message with the smallest order strictly greater than
// order, or nil when none exists. The list must be sorted.
func (l MessageList) NextAfter(order int) *Message {
	for _, m := range l {
		if m.Order > order {
			return m
		}
	}
	return nil
}

// First returns the lowest-order message, or nil for an empty list.
func (l MessageList) First() *Message {
	if len(l) == 0 {
		return nil
	}
	return l[0]
}
