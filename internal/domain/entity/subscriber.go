package entity

import (
	"strings"
	"time"
)

// SubscriberStatus is the chain state of a recipient within one campaign.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberCompleted    SubscriberStatus = "completed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// Subscriber binds one recipient to one campaign.
type Subscriber struct {
	ID          int64
	CampaignID  int64
	RecipientID string
	ContactID   *int64
	Status      SubscriberStatus

	// LastSentOrder is 0 until the first step is delivered.
	LastSentOrder int
	LastSentAt    *time.Time

	// Metadata is the per-recipient key/value bag used for rendering.
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the subscriber's chain may continue.
func (s *Subscriber) IsActive() bool {
	return s != nil && s.Status == SubscriberActive
}

// Validate validates the Subscriber entity fields.
func (s *Subscriber) Validate() error {
	if s.CampaignID <= 0 {
		return &ValidationError{Field: "campaign_id", Message: "campaign is required"}
	}
	if strings.TrimSpace(s.RecipientID) == "" {
		return &ValidationError{Field: "recipient_id", Message: "recipient is required"}
	}
	return nil
}

// Contact is the richer record a subscriber may reference.
type Contact struct {
	ID    int64
	Name  string
	Phone string
	Email string
	// Details holds arbitrary, possibly nested, profile fields.
	Details map[string]any
}
