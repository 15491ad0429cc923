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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const discordMessageLimit = 2000

// Channel delivers fired alert events.
type Channel interface {
	Send(ctx context.Context, event *models.AlertEvent) error
}

// BuildChannels constructs every configured channel.
func BuildChannels(cfgs map[string]ChannelConfig, log logger.Logger) (map[string]Channel, error) {
	out := make(map[string]Channel, len(cfgs))

	for name, cfg := range cfgs {
		ch, err := newChannel(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}

		out[name] = ch
	}

	return out, nil
}

func newChannel(cfg ChannelConfig, log logger.Logger) (Channel, error) {
	switch cfg.Type {
	case ChannelLog:
		return &LogChannel{logger: log}, nil
	case ChannelWebhook:
		return NewWebhookChannel(cfg, &http.Client{Timeout: cfg.Timeout.OrDefault(defaultDispatchTimeout)}), nil
	case ChannelDiscord:
		return NewDiscordChannel(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannelType, cfg.Type)
	}
}

// LogChannel writes events to the engine log.
type LogChannel struct {
	logger logger.Logger
}

// Send never fails.
func (c *LogChannel) Send(_ context.Context, event *models.AlertEvent) error {
	ev := c.logger.Info()
	if event.Type == models.AlertAgentError || event.Type == models.AlertProviderDegraded {
		ev = c.logger.Warn()
	}

	ev.Str("rule", event.Rule).
		Str("event", string(event.Type)).
		Str("subject", event.Subject).
		Int64("generation", event.Generation).
		Msg(event.Message)

	return nil
}

// WebhookChannel POSTs the event as JSON.
type WebhookChannel struct {
	url     string
	headers []models.Header
	client  *http.Client
}

// NewWebhookChannel builds a webhook channel using client.
func NewWebhookChannel(cfg ChannelConfig, client *http.Client) *WebhookChannel {
	return &WebhookChannel{url: cfg.URL, headers: cfg.Headers, client: client}
}

// Send treats any non-2xx response as a failure.
func (c *WebhookChannel) Send(ctx context.Context, event *models.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	for _, h := range c.headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", errWebhookStatus, resp.StatusCode)
	}

	return nil
}

// DiscordSender posts a message to Discord.
type DiscordSender interface {
	Send(ctx context.Context, content string) error
}

// DiscordChannel formats events as Discord messages.
type DiscordChannel struct {
	sender DiscordSender
}

// NewDiscordChannel picks webhook delivery when a webhook id is configured, else a bot session.
func NewDiscordChannel(cfg ChannelConfig) (*DiscordChannel, error) {
	session, err := discordgo.New(normalizeBotToken(cfg.BotToken))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	if cfg.Timeout > 0 {
		session.Client.Timeout = cfg.Timeout.Std()
	}

	if cfg.WebhookID != "" {
		return &DiscordChannel{sender: &discordWebhook{
			session:  session,
			id:       cfg.WebhookID,
			token:    cfg.WebhookToken,
			username: cfg.Username,
		}}, nil
	}

	return &DiscordChannel{sender: &discordBot{session: session, channelID: strings.TrimSpace(cfg.ChannelID)}}, nil
}

// NewDiscordChannelWithSender is used when the transport is supplied externally.
func NewDiscordChannelWithSender(sender DiscordSender) *DiscordChannel {
	return &DiscordChannel{sender: sender}
}

// Send formats and posts the event.
func (c *DiscordChannel) Send(ctx context.Context, event *models.AlertEvent) error {
	return c.sender.Send(ctx, formatDiscord(event))
}

func formatDiscord(event *models.AlertEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**[%s]** %s", event.Type, event.Message)

	if a := event.Agent; a != nil {
		if a.Workspace != "" {
			fmt.Fprintf(&b, "\nworkspace: `%s`", a.Workspace)
		}

		if a.Model != "" {
			fmt.Fprintf(&b, "\nmodel: `%s`", a.Model)
		}
	}

	msg := b.String()
	if len(msg) > discordMessageLimit {
		msg = msg[:discordMessageLimit]
	}

	return msg
}

type discordWebhook struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

func (d *discordWebhook) Send(ctx context.Context, content string) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Content:  content,
		Username: d.username,
	}, discordgo.WithContext(ctx))

	return err
}

type discordBot struct {
	session   *discordgo.Session
	channelID string
}

func (d *discordBot) Send(ctx context.Context, content string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx))

	return err
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}

	return "Bot " + token
}
