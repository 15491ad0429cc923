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

package peers

import (
	"os"
	"path/filepath"
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

const (
	StoreFile = "file"
	StoreNATS = "nats"

	defaultTTL          = 30 * time.Second
	defaultFetchTimeout = time.Second
	defaultBucket       = "agentradar-peers"
	defaultFetchLimit   = 8
)

// Config is the `peers` section of the engine config.
type Config struct {
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	Store        string          `json:"store,omitempty" yaml:"store,omitempty"`
	RegistryDir  string          `json:"registry_dir,omitempty" yaml:"registry_dir,omitempty"`
	NATSURL      string          `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	NATSBucket   string          `json:"nats_bucket,omitempty" yaml:"nats_bucket,omitempty"`
	Ports        []int           `json:"ports,omitempty" yaml:"ports,omitempty"`
	TTL          models.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	FetchTimeout models.Duration `json:"fetch_timeout,omitempty" yaml:"fetch_timeout,omitempty"`
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Store == "" {
		c.Store = StoreFile
	}

	if c.TTL == 0 {
		c.TTL = models.Duration(defaultTTL)
	}

	if c.FetchTimeout == 0 {
		c.FetchTimeout = models.Duration(defaultFetchTimeout)
	}

	if c.NATSBucket == "" {
		c.NATSBucket = defaultBucket
	}

	if c.RegistryDir == "" {
		c.RegistryDir = DefaultRegistryDir()
	}

	if c.TTL < 0 || c.FetchTimeout < 0 {
		return ErrInvalidTTL
	}

	for _, p := range c.Ports {
		if p <= 0 || p > 65535 {
			return ErrInvalidPort
		}
	}

	switch c.Store {
	case StoreFile:
	case StoreNATS:
		if c.NATSURL == "" {
			return ErrMissingNATSURL
		}
	default:
		return ErrUnknownStore
	}

	return nil
}

// DefaultRegistryDir is shared by every instance run by the same user.
func DefaultRegistryDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "agentradar", "peers")
	}

	return filepath.Join(os.TempDir(), "agentradar-peers")
}
