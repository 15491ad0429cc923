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

package relay

import (
	"net/url"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const (
	defaultPushTimeout  = 5 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultTTL          = 60 * time.Second
	defaultListenAddr   = ":19851"
	defaultProxyTimeout = 10 * time.Second
	defaultMaxPushBytes = 32 << 20
	defaultRelayID      = "relay"
)

// ClientConfig is the `relay` section of the engine config.
type ClientConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	// AdvertiseURL is where the relay reaches this instance's API for conversation proxying.
	AdvertiseURL string          `json:"advertise_url,omitempty" yaml:"advertise_url,omitempty"`
	PushTimeout  models.Duration `json:"push_timeout,omitempty" yaml:"push_timeout,omitempty"`
	MaxBackoff   models.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	TTL          models.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// Validate fills defaults. URL and token are only checked when the relay is enabled.
func (c *ClientConfig) Validate() error {
	if c.PushTimeout == 0 {
		c.PushTimeout = models.Duration(defaultPushTimeout)
	}

	if c.MaxBackoff == 0 {
		c.MaxBackoff = models.Duration(defaultMaxBackoff)
	}

	if c.TTL == 0 {
		c.TTL = models.Duration(defaultTTL)
	}

	if c.PushTimeout < 0 || c.MaxBackoff < 0 || c.TTL < 0 {
		return ErrInvalidDuration
	}

	if !c.Enabled {
		return nil
	}

	if c.URL == "" {
		return ErrMissingURL
	}

	if err := checkHTTPURL(c.URL); err != nil {
		return err
	}

	if c.AdvertiseURL != "" {
		if err := checkHTTPURL(c.AdvertiseURL); err != nil {
			return err
		}
	}

	if c.Token == "" {
		return ErrMissingToken
	}

	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}

	return nil
}

// ServerConfig configures the relay server binary.
type ServerConfig struct {
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	Token      string `json:"token" yaml:"token"`
	// InstanceToken is sent to instances when proxying conversations. Defaults to Token.
	InstanceToken string            `json:"instance_token,omitempty" yaml:"instance_token,omitempty"`
	DefaultTTL    models.Duration   `json:"default_ttl,omitempty" yaml:"default_ttl,omitempty"`
	ProxyTimeout  models.Duration   `json:"proxy_timeout,omitempty" yaml:"proxy_timeout,omitempty"`
	MaxPushBytes  int64             `json:"max_push_bytes,omitempty" yaml:"max_push_bytes,omitempty"`
	CORS          models.CORSConfig `json:"cors" yaml:"cors"`
	Logging       *logger.Config    `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Validate fills defaults and requires a token.
func (c *ServerConfig) Validate() error {
	if c.InstanceID == "" {
		c.InstanceID = defaultRelayID
	}

	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if c.DefaultTTL == 0 {
		c.DefaultTTL = models.Duration(defaultTTL)
	}

	if c.ProxyTimeout == 0 {
		c.ProxyTimeout = models.Duration(defaultProxyTimeout)
	}

	if c.MaxPushBytes == 0 {
		c.MaxPushBytes = defaultMaxPushBytes
	}

	if c.InstanceToken == "" {
		c.InstanceToken = c.Token
	}

	if c.DefaultTTL < 0 || c.ProxyTimeout < 0 || c.MaxPushBytes < 0 {
		return ErrInvalidDuration
	}

	if c.Token == "" {
		return ErrMissingToken
	}

	return nil
}
