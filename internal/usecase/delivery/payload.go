package delivery

import (
	"encoding/json"
	"fmt"
)

// Payload is the body of a delivery job: send step Order of a campaign to
// one subscriber through one channel.
type Payload struct {
	SubscriberID int64 `json:"subscriber_id"`
	CampaignID   int64 `json:"campaign_id"`
	Order        int   `json:"message_order"`
	ChannelID    int64 `json:"channel_id"`
	// Salt separates chains that reach the same step more than once.
	// The first step uses 0, later steps the send time of their predecessor.
	Salt int64 `json:"salt"`
}

// Key is the queue idempotency key for the job.
func (p Payload) Key() string {
	return fmt.Sprintf("%d:%d:%d:%d", p.SubscriberID, p.CampaignID, p.Order, p.Salt)
}

// Encode serialises the payload for the queue.
func (p Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("Payload.Encode: %w", err)
	}
	return b, nil
}

// DecodePayload parses and validates a job payload.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.SubscriberID <= 0 || p.CampaignID <= 0 || p.Order < 1 {
		return Payload{}, fmt.Errorf("%w: subscriber=%d campaign=%d order=%d",
			ErrInvalidPayload, p.SubscriberID, p.CampaignID, p.Order)
	}
	return p, nil
}
