package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})), &buf
}

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		env  string
		want slog.Level
	}{
		{env: "", want: slog.LevelInfo},
		{env: "debug", want: slog.LevelDebug},
		{env: "warn", want: slog.LevelWarn},
		{env: "error", want: slog.LevelError},
		{env: "invalid", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.env)
			assert.Equal(t, tt.want, levelFromEnv())
			assert.NotNil(t, NewLogger())
			assert.NotNil(t, NewTextLogger())
		})
	}
}

func TestForJob(t *testing.T) {
	base, buf := bufferLogger()
	ctx := WithJobID(context.Background(), "sub:12:camp:3:order:2:0")

	ForJob(ctx, base).Info("processing job")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sub:12:camp:3:order:2:0", entry["job_id"])
	assert.Equal(t, "sub:12:camp:3:order:2:0", JobIDFromContext(ctx))
}

func TestForJob_NoJobID(t *testing.T) {
	base, buf := bufferLogger()

	logger := ForJob(context.Background(), base)
	logger.Info("idle")

	assert.Same(t, base, logger)
	assert.NotContains(t, buf.String(), "job_id")
}

func TestWithFields(t *testing.T) {
	base, buf := bufferLogger()

	WithFields(base, map[string]interface{}{
		"campaign_id": 3,
		"channel":     "sms",
		"resumed":     true,
	}).Info("chain scheduled")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(3), entry["campaign_id"])
	assert.Equal(t, "sms", entry["channel"])
	assert.Equal(t, true, entry["resumed"])
}

func TestFromContext(t *testing.T) {
	base, _ := bufferLogger()

	assert.Same(t, base, FromContext(WithLogger(context.Background(), base)))
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
	assert.Equal(t, slog.Default(), FromContext(context.WithValue(context.Background(), loggerContextKey, "not a logger")))
}
