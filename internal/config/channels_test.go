package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/adapter/persistence/memory"
)

const sampleChannels = `channels:
  - id: 1
    name: sms
    kind: Twilio
    from: "+15550000"
    credential_env: TWILIO_CREDENTIAL
  - id: 2
    name: hook
    kind: webhook
    endpoint: https://hooks.example.com/send
    active: false
  - id: 3
    name: local
    kind: log
campaigns:
  - id: 40
    name: onboarding
    priority: high
    channel_id: 1
    rate_limit_max: 20
    rate_limit_window: 1m
    messages:
      - order: 1
        body: "Hi {{name}}"
      - order: 2
        body: "Day two"
        delay_minutes: 1440
`

func TestParseChannelsFile(t *testing.T) {
	f, err := ParseChannelsFile([]byte(sampleChannels))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(f.Channels))
	}
	if got := f.Channels[0].entity(); got.Kind != entity.ChannelTwilio || !got.Active {
		t.Errorf("channel 1 = %+v", got)
	}
	if got := f.Channels[1].entity(); got.Active {
		t.Errorf("channel 2 should be inactive")
	}
	camp, msgs := f.Campaigns[0].entities()
	if camp.Status != entity.CampaignActive || camp.RateLimitWindow != time.Minute {
		t.Errorf("campaign = %+v", camp)
	}
	if len(msgs) != 2 || msgs[1].DelayMinutes != 1440 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestParseChannelsFile_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		errorMsg string
	}{
		{"malformed", "channels: [", "failed to parse"},
		{"unknown kind", "channels:\n  - id: 1\n    kind: fax\n", "unknown channel kind"},
		{"webhook without endpoint", "channels:\n  - id: 1\n    kind: webhook\n", "channels[0]"},
		{"duplicate id", "channels:\n  - id: 1\n    kind: log\n  - id: 1\n    kind: log\n", "duplicate id"},
		{"campaign on unknown channel", "channels:\n  - id: 1\n    kind: log\ncampaigns:\n  - name: x\n    channel_id: 9\n", "unknown channel 9"},
		{"message without body", "campaigns:\n  - name: x\n    channel_id: 1\n    messages:\n      - order: 1\n", "messages[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChannelsFile([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestLoadChannelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(sampleChannels), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChannelsFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := LoadChannelsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestChannelsFile_Apply(t *testing.T) {
	ctx := context.Background()
	f, err := ParseChannelsFile([]byte(sampleChannels))
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore()
	env := map[string]string{"TWILIO_CREDENTIAL": "ACxxx:token"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	n, err := f.ApplyChannels(ctx, store.Channels(), lookup)
	if err != nil || n != 3 {
		t.Fatalf("ApplyChannels = %d, %v", n, err)
	}
	cred, err := store.Channels().GetCredential(ctx, 1)
	if err != nil || cred != "ACxxx:token" {
		t.Errorf("credential = %q, %v", cred, err)
	}

	n, err = f.ApplyCampaigns(ctx, store.Campaigns())
	if err != nil || n != 1 {
		t.Fatalf("ApplyCampaigns = %d, %v", n, err)
	}
	msgs, err := store.Campaigns().ListMessages(ctx, 40)
	if err != nil || len(msgs) != 2 {
		t.Errorf("messages = %v, %v", msgs, err)
	}

	delete(env, "TWILIO_CREDENTIAL")
	if _, err := f.ApplyChannels(ctx, store.Channels(), lookup); err == nil {
		t.Error("expected error for missing credential variable")
	}
}
