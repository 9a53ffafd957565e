package entity

import "time"

// DeliveryStatus is the recorded outcome of a send attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryLogEntry records the outcome for one (subscriber, message) pair.
// A sent entry is the authoritative marker that the step must not be resent.
type DeliveryLogEntry struct {
	ID             int64
	SubscriberID   int64
	MessageID      int64
	CampaignID     int64
	Status         DeliveryStatus
	Content        string
	ChannelMessage string
	Error          string
	CreatedAt      time.Time
}

// IsSent reports whether the entry marks a completed delivery.
func (e *DeliveryLogEntry) IsSent() bool {
	return e != nil && e.Status == DeliverySent
}
