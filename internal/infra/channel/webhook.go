package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/resilience/retry"
)

const maxResponseBody = 64 << 10

// WebhookConfig holds the HTTP settings of the webhook sender.
type WebhookConfig struct {
	Timeout time.Duration
}

// WebhookSender posts each message as JSON to the channel's endpoint.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender returns a webhook sender.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

type webhookResponse struct {
	MessageID  string  `json:"messageId"`
	ID         string  `json:"id"`
	RetryAfter float64 `json:"retry_after"`
	Error      string  `json:"error"`
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, ch entity.Channel, recipient string, content Content) (string, error) {
	body, err := json.Marshal(webhookPayload{
		From:     ch.From,
		To:       recipient,
		Type:     string(content.Type),
		Text:     content.Text,
		Caption:  content.Caption,
		MediaURL: content.MediaURL,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrNotReady, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "drip-engine/1.0")
	if ch.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+ch.Credential)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	var parsed webhookResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.MessageID != "" {
			return parsed.MessageID, nil
		}
		if parsed.ID != "" {
			return parsed.ID, nil
		}
		if id := resp.Header.Get("X-Message-Id"); id != "" {
			return id, nil
		}
		return uuid.NewString(), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &OverloadError{
			RetryAfter: retryAfter(resp.Header, parsed.RetryAfter),
			Message:    "webhook rate limited",
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &ContentError{StatusCode: resp.StatusCode, Message: responseMessage(parsed, respBody)}
	default:
		return "", fmt.Errorf("%w: %w", ErrNotReady, &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    responseMessage(parsed, respBody),
		})
	}
}

// retryAfter prefers the JSON body's retry_after, then the Retry-After
// header in seconds or HTTP-date form.
func retryAfter(h http.Header, bodySeconds float64) time.Duration {
	if bodySeconds > 0 {
		return time.Duration(bodySeconds * float64(time.Second))
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func responseMessage(parsed webhookResponse, raw []byte) string {
	if parsed.Error != "" {
		return parsed.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
