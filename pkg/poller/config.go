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

package poller

import (
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

const (
	defaultInterval        = 3 * time.Second
	defaultProviderTimeout = 2 * time.Second
)

// Config controls the cycle cadence and failure handling.
type Config struct {
	Interval        models.Duration `json:"interval" yaml:"interval"`
	ProviderTimeout models.Duration `json:"provider_timeout" yaml:"provider_timeout"`
	// MaxConsecutiveFailures disables a provider after that many failed cycles in a row.
	// Zero never disables.
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// Validate fills defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Interval == 0 {
		c.Interval = models.Duration(defaultInterval)
	}

	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = models.Duration(defaultProviderTimeout)
	}

	if c.Interval < 0 {
		return ErrInvalidInterval
	}

	if c.ProviderTimeout < 0 {
		return ErrInvalidTimeout
	}

	if c.MaxConsecutiveFailures < 0 {
		return ErrInvalidMaxFailures
	}

	return nil
}
