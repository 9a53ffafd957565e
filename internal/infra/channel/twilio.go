package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/resilience/retry"
)

// messageCreator is the slice of the Twilio REST API the sender uses.
type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// TwilioSender sends SMS and MMS through Twilio. The channel credential
// is "accountSid:authToken" and ch.From is the sending number.
type TwilioSender struct {
	newClient func(accountSid, authToken string) messageCreator

	mu      sync.Mutex
	clients map[string]messageCreator
}

// NewTwilioSender returns a sender that builds one REST client per credential.
func NewTwilioSender() *TwilioSender {
	return &TwilioSender{
		newClient: func(accountSid, authToken string) messageCreator {
			c := twilio.NewRestClientWithParams(twilio.ClientParams{
				Username: accountSid,
				Password: authToken,
			})
			return c.Api
		},
		clients: make(map[string]messageCreator),
	}
}

// Send implements Sender.
func (t *TwilioSender) Send(ctx context.Context, ch entity.Channel, recipient string, content Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	creator, err := t.client(ch.Credential)
	if err != nil {
		return "", err
	}

	params := &api.CreateMessageParams{}
	params.SetFrom(ch.From)
	params.SetTo(recipient)
	if content.Type == ContentMedia {
		params.SetMediaUrl([]string{content.MediaURL})
		if content.Caption != "" {
			params.SetBody(content.Caption)
		}
	} else {
		params.SetBody(content.Text)
	}

	resp, err := creator.CreateMessage(params)
	if err != nil {
		return "", classifyTwilio(err)
	}
	if resp != nil && resp.Sid != nil {
		return *resp.Sid, nil
	}
	return uuid.NewString(), nil
}

func (t *TwilioSender) client(credential string) (messageCreator, error) {
	sid, token, ok := strings.Cut(credential, ":")
	if !ok || sid == "" || token == "" {
		return nil, fmt.Errorf("%w: twilio credential must be accountSid:authToken", ErrNotReady)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[credential]
	if !ok {
		c = t.newClient(sid, token)
		t.clients[credential] = c
	}
	return c, nil
}

func classifyTwilio(err error) error {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	switch {
	case restErr.Status == http.StatusTooManyRequests:
		return &OverloadError{Message: restErr.Message}
	case restErr.Status >= 400 && restErr.Status < 500:
		return &ContentError{StatusCode: restErr.Status, Message: fmt.Sprintf("%d: %s", restErr.Code, restErr.Message)}
	default:
		return fmt.Errorf("%w: %w", ErrNotReady, &retry.HTTPError{StatusCode: restErr.Status, Message: restErr.Message})
	}
}
