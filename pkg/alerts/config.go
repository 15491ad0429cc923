/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package alerts

import (
	"fmt"
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

// Channel types.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelDiscord = "discord"

	defaultHistorySize     = 500
	defaultDispatchTimeout = 10 * time.Second
	defaultThrottle        = 5 * time.Minute
)

// ChannelConfig describes one named delivery target.
type ChannelConfig struct {
	Type    string          `json:"type" yaml:"type"`
	URL     string          `json:"url,omitempty" yaml:"url,omitempty"`
	Headers []models.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout models.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Discord delivery uses a webhook when WebhookID is set, otherwise a bot session.
	WebhookID    string `json:"webhook_id,omitempty" yaml:"webhook_id,omitempty"`
	WebhookToken string `json:"webhook_token,omitempty" yaml:"webhook_token,omitempty"`
	BotToken     string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	ChannelID    string `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`
}

// Config is the `alerts` section of the engine config.
type Config struct {
	Enabled     bool                     `json:"enabled" yaml:"enabled"`
	RulesFile   string                   `json:"rules_file,omitempty" yaml:"rules_file,omitempty"`
	Rules       []models.AlertRule       `json:"rules,omitempty" yaml:"rules,omitempty"`
	Channels    map[string]ChannelConfig `json:"channels,omitempty" yaml:"channels,omitempty"`
	HistorySize int                      `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// Validate fills defaults and checks channel definitions. Rules are checked by
// ValidateRules once any rules file has been merged in.
func (c *Config) Validate() error {
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}

	if c.Channels == nil {
		c.Channels = make(map[string]ChannelConfig)
	}

	if _, ok := c.Channels[ChannelLog]; !ok {
		c.Channels[ChannelLog] = ChannelConfig{Type: ChannelLog}
	}

	for name, ch := range c.Channels {
		if err := ch.validate(); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
	}

	if c.RulesFile == "" && len(c.Rules) > 0 {
		return ValidateRules(c.Rules, c.Channels)
	}

	return nil
}

func (c ChannelConfig) validate() error {
	switch c.Type {
	case ChannelLog:
		return nil
	case ChannelWebhook:
		if c.URL == "" {
			return ErrMissingWebhookURL
		}

		return nil
	case ChannelDiscord:
		if (c.WebhookID != "" && c.WebhookToken != "") || (c.BotToken != "" && c.ChannelID != "") {
			return nil
		}

		return ErrMissingDiscord
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannelType, c.Type)
	}
}

// ValidateRules checks every rule against the defined channels.
func ValidateRules(rules []models.AlertRule, channels map[string]ChannelConfig) error {
	seen := make(map[string]bool, len(rules))

	for i, r := range rules {
		switch {
		case r.Name == "":
			return fmt.Errorf("%w: rule %d has no name", ErrInvalidRule, i)
		case seen[r.Name]:
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		case !r.Event.Valid():
			return fmt.Errorf("%w: rule %q has unknown event %q", ErrInvalidRule, r.Name, r.Event)
		case len(r.Channels) == 0:
			return fmt.Errorf("%w: rule %q has no channels", ErrInvalidRule, r.Name)
		case r.Throttle < 0 || r.PendingFor < 0:
			return fmt.Errorf("%w: rule %q has a negative duration", ErrInvalidRule, r.Name)
		}

		seen[r.Name] = true

		for _, ch := range r.Channels {
			if _, ok := channels[ch]; !ok {
				return fmt.Errorf("%w: rule %q routes to %q", ErrUnknownChannel, r.Name, ch)
			}
		}
	}

	return nil
}
