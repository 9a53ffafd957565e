package entity

import (
	"fmt"
	"strings"
)

// ChannelKind selects the transport implementation for a channel.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelTwilio  ChannelKind = "twilio"
	ChannelLog     ChannelKind = "log"
)

// Channel is an outbound account through which messages are physically sent.
type Channel struct {
	ID       int64       `yaml:"id"`
	Name     string      `yaml:"name"`
	Kind     ChannelKind `yaml:"kind"`
	Endpoint string      `yaml:"endpoint"`
	From     string      `yaml:"from"`
	// Credential is the secret used to authenticate against the transport.
	// It is loaded separately from the rest of the record and cached.
	Credential string `yaml:"credential"`
	Active     bool   `yaml:"active"`
}

// Validate validates the Channel entity fields.
func (c *Channel) Validate() error {
	if c.ID <= 0 {
		return &ValidationError{Field: "id", Message: "id must be positive"}
	}
	switch ChannelKind(strings.ToLower(string(c.Kind))) {
	case ChannelWebhook:
		if err := ValidateMediaURL(c.Endpoint); err != nil {
			return &ValidationError{Field: "endpoint", Message: err.Error()}
		}
	case ChannelTwilio:
		if strings.TrimSpace(c.From) == "" {
			return &ValidationError{Field: "from", Message: "from number is required"}
		}
	case ChannelLog:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown channel kind %q", c.Kind)}
	}
	return nil
}
