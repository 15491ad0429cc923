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

package engine

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/agentradar/pkg/alerts"
	"github.com/carverauto/agentradar/pkg/canon"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/peers"
	"github.com/carverauto/agentradar/pkg/providers"
	"github.com/carverauto/agentradar/pkg/relay"
)

const (
	defaultListenAddr      = ":19850"
	defaultPollInterval    = 3 * time.Second
	defaultProviderTimeout = 2 * time.Second
	defaultMaxFailures     = 3
)

// Config is the engine daemon's configuration file.
type Config struct {
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	Hostname   string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Workspace  string `json:"workspace,omitempty" yaml:"workspace,omitempty"`

	ListenAddr string            `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	APIToken   string            `json:"api_token,omitempty" yaml:"api_token,omitempty"`
	CORS       models.CORSConfig `json:"cors,omitempty" yaml:"cors,omitempty"`

	PollInterval    models.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	ProviderTimeout models.Duration `json:"provider_timeout,omitempty" yaml:"provider_timeout,omitempty"`
	// MaxConsecutiveFailures is a pointer so an explicit 0 (never disable) survives defaulting.
	MaxConsecutiveFailures *int `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	ActivityWindow         int  `json:"activity_window,omitempty" yaml:"activity_window,omitempty"`

	Providers map[string]providers.Config `json:"providers,omitempty" yaml:"providers,omitempty"`
	Peers     peers.Config                `json:"peers" yaml:"peers"`
	Relay     relay.ClientConfig          `json:"relay" yaml:"relay"`
	Alerts    alerts.Config               `json:"alerts" yaml:"alerts"`
	Logging   *logger.Config              `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Validate fills defaults and validates every section.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}

	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}

	if c.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Workspace = filepath.Base(wd)
		}
	}

	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if _, err := c.APIPort(); err != nil {
		return err
	}

	if c.PollInterval == 0 {
		c.PollInterval = models.Duration(defaultPollInterval)
	}

	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = models.Duration(defaultProviderTimeout)
	}

	if c.PollInterval < 0 || c.ProviderTimeout < 0 {
		return ErrInvalidDuration
	}

	if c.MaxConsecutiveFailures == nil {
		n := defaultMaxFailures
		c.MaxConsecutiveFailures = &n
	}

	if *c.MaxConsecutiveFailures < 0 {
		return ErrInvalidMaxFailures
	}

	if c.ActivityWindow == 0 {
		c.ActivityWindow = canon.DefaultActivityWindow
	}

	if c.ActivityWindow < 0 {
		return ErrInvalidWindow
	}

	if c.Peers.Enabled {
		if err := c.Peers.Validate(); err != nil {
			return fmt.Errorf("peers: %w", err)
		}
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	if c.Alerts.Enabled {
		if err := c.Alerts.Validate(); err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
	}

	return nil
}

// APIPort is the port part of ListenAddr, advertised to peers.
func (c *Config) APIPort() (int, error) {
	_, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidListenAddr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidListenAddr, c.ListenAddr)
	}

	return port, nil
}
