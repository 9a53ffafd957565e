package channel

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/observability/logging"
)

// LogSender writes every message to the log instead of sending it.
// It is used for local runs and for channels of kind "log".
type LogSender struct{}

// NewLogSender returns a LogSender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// Send logs the message and returns a fresh message id.
func (LogSender) Send(ctx context.Context, ch entity.Channel, recipient string, content Content) (string, error) {
	id := uuid.NewString()
	logging.FromContext(ctx).Info("message sent to log channel",
		slog.Int64("channel_id", ch.ID),
		slog.String("recipient", recipient),
		slog.String("type", string(content.Type)),
		slog.Int("text_len", len(content.Text)),
		slog.String("media_url", content.MediaURL),
		slog.String("message_id", id))
	return id, nil
}
