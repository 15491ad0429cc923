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
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
)

// CircuitState is the breaker's current mode.
type CircuitState int

const (
	// StateClosed lets pushes through.
	StateClosed CircuitState = iota
	// StateOpen rejects pushes until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a single trial push through.
	StateHalfOpen
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker opens after threshold consecutive relay failures. Once the
// cooldown has passed one trial request decides whether it closes again.
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    logger.Logger

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time, log logger.Logger) *circuitBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}

	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}

	return &circuitBreaker{threshold: threshold, cooldown: cooldown, now: now, logger: log}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}

		cb.state = StateHalfOpen
		cb.trial = true
		cb.logger.Info().Msg("Relay circuit half-open, sending trial push")

		return true
	case StateHalfOpen:
		// one trial at a time
		if cb.trial {
			return false
		}

		cb.trial = true

		return true
	default:
		return false
	}
}

func (cb *circuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != StateClosed {
			cb.logger.Info().Msg("Relay circuit closed")
		}

		cb.state = StateClosed
		cb.failures = 0
		cb.trial = false

		return
	}

	cb.failures++
	cb.trial = false

	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		if cb.state != StateOpen {
			cb.logger.Warn().Err(err).Int("failures", cb.failures).Msg("Relay circuit opened")
		}

		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// HTTPClient is the subset of *http.Client used by the synchronizer.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// breakerClient counts transport errors and 5xx responses against the breaker.
// A 4xx means the relay is up and rejected the request, so it counts as success.
type breakerClient struct {
	client  HTTPClient
	breaker *circuitBreaker
}

func (c *breakerClient) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.record(err)

		return nil, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		err = fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
		c.breaker.record(err)

		return nil, err
	}

	c.breaker.record(nil)

	return resp, nil
}
