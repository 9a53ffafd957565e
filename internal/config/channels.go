// Package config loads file-based configuration: outbound channel
// definitions and, for local runs, campaigns to seed the in-memory store.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

// ChannelSpec is one channel entry. The secret is read from the
// environment variable named by CredentialEnv so it never lives in the file.
type ChannelSpec struct {
	ID            int64              `yaml:"id"`
	Name          string             `yaml:"name"`
	Kind          entity.ChannelKind `yaml:"kind"`
	Endpoint      string             `yaml:"endpoint"`
	From          string             `yaml:"from"`
	CredentialEnv string             `yaml:"credential_env"`
	Active        *bool              `yaml:"active"`
}

// MessageSpec is one step of a seeded campaign.
type MessageSpec struct {
	Order        int    `yaml:"order"`
	Body         string `yaml:"body"`
	Caption      string `yaml:"caption"`
	MediaURL     string `yaml:"media_url"`
	DelayMinutes int    `yaml:"delay_minutes"`
}

// CampaignSpec is a campaign to seed the in-memory store with.
type CampaignSpec struct {
	ID              int64         `yaml:"id"`
	Name            string        `yaml:"name"`
	Status          string        `yaml:"status"`
	Priority        string        `yaml:"priority"`
	ChannelID       int64         `yaml:"channel_id"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	Messages        []MessageSpec `yaml:"messages"`
}

// ChannelsFile is the document read by LoadChannelsFile.
type ChannelsFile struct {
	Channels  []ChannelSpec  `yaml:"channels"`
	Campaigns []CampaignSpec `yaml:"campaigns"`
}

// LoadChannelsFile reads and validates a channels file.
// The path is expected to come from a trusted source (CHANNELS_FILE).
func LoadChannelsFile(path string) (*ChannelsFile, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channels file: %w", err)
	}
	return ParseChannelsFile(data)
}

// ParseChannelsFile decodes and validates a channels document.
func ParseChannelsFile(data []byte) (*ChannelsFile, error) {
	var f ChannelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse channels file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("channels file validation failed: %w", err)
	}
	return &f, nil
}

func (f *ChannelsFile) validate() error {
	seen := make(map[int64]bool, len(f.Channels))
	for i, s := range f.Channels {
		ch := s.entity()
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %d", i, ch.ID)
		}
		seen[ch.ID] = true
	}
	for i, s := range f.Campaigns {
		camp, msgs := s.entities()
		if err := camp.Validate(); err != nil {
			return fmt.Errorf("campaigns[%d]: %w", i, err)
		}
		if len(f.Channels) > 0 && !seen[camp.ChannelID] {
			return fmt.Errorf("campaigns[%d]: unknown channel %d", i, camp.ChannelID)
		}
		for j, m := range msgs {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("campaigns[%d].messages[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (s ChannelSpec) entity() entity.Channel {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return entity.Channel{
		ID:       s.ID,
		Name:     s.Name,
		Kind:     entity.ChannelKind(strings.ToLower(string(s.Kind))),
		Endpoint: s.Endpoint,
		From:     s.From,
		Active:   active,
	}
}

func (s CampaignSpec) entities() (entity.Campaign, []entity.Message) {
	status := entity.CampaignActive
	if s.Status != "" {
		status = entity.CampaignStatus(s.Status)
	}
	camp := entity.Campaign{
		ID:              s.ID,
		Name:            s.Name,
		Status:          status,
		Priority:        entity.PriorityTier(strings.ToLower(s.Priority)),
		ChannelID:       s.ChannelID,
		RateLimitMax:    s.RateLimitMax,
		RateLimitWindow: s.RateLimitWindow,
	}
	msgs := make([]entity.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, entity.Message{
			Order:        m.Order,
			Body:         m.Body,
			Caption:      m.Caption,
			MediaURL:     m.MediaURL,
			DelayMinutes: m.DelayMinutes,
		})
	}
	return camp, msgs
}

// ApplyChannels upserts every channel, resolving credentials through
// lookupEnv. It returns the number of channels written.
func (f *ChannelsFile) ApplyChannels(ctx context.Context, repo repository.ChannelRepository, lookupEnv func(string) (string, bool)) (int, error) {
	for _, s := range f.Channels {
		ch := s.entity()
		if s.CredentialEnv != "" {
			cred, ok := lookupEnv(s.CredentialEnv)
			if !ok {
				return 0, fmt.Errorf("channel %d: credential variable %s is not set", ch.ID, s.CredentialEnv)
			}
			ch.Credential = cred
		}
		if err := repo.Upsert(ctx, &ch); err != nil {
			return 0, fmt.Errorf("channel %d: %w", ch.ID, err)
		}
	}
	return len(f.Channels), nil
}

// ApplyCampaigns creates the seeded campaigns and their messages.
func (f *ChannelsFile) ApplyCampaigns(ctx context.Context, repo repository.CampaignRepository) (int, error) {
	for _, s := range f.Campaigns {
		camp, msgs := s.entities()
		if err := repo.Create(ctx, &camp); err != nil {
			return 0, fmt.Errorf("campaign %q: %w", camp.Name, err)
		}
		for i := range msgs {
			msgs[i].CampaignID = camp.ID
			if err := repo.AddMessage(ctx, &msgs[i]); err != nil {
				return 0, fmt.Errorf("campaign %q message %d: %w", camp.Name, msgs[i].Order, err)
			}
		}
	}
	return len(f.Campaigns), nil
}
