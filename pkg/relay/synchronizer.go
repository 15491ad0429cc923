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

// Package relay pushes local snapshots to a relay server and implements that server.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const (
	pushPath        = "/api/push"
	statePath       = "/api/state"
	initialBackoff  = 500 * time.Millisecond
	backoffMultiple = 2.0
)

// Identity is the instance metadata attached to every push.
type Identity struct {
	InstanceID string
	Hostname   string
	Workspace  string
	// APIPort lets the relay reach this instance at the push's source address
	// when no advertise URL is configured.
	APIPort int
}

// PushObserver is told about every push attempt.
type PushObserver func(err error, d time.Duration)

// Status reports the synchronizer's recent outcome.
type Status struct {
	Enabled      bool      `json:"enabled"`
	URL          string    `json:"url,omitempty"`
	LastPushAt   time.Time `json:"lastPushAt,omitzero"`
	LastError    string    `json:"lastError,omitempty"`
	Pushes       int64     `json:"pushes"`
	Failures     int64     `json:"failures"`
	CircuitState string    `json:"circuitState"`
}

// Synchronizer pushes the newest submitted snapshot in the background.
// Submit never blocks; a snapshot submitted during a retry replaces the pending one.
type Synchronizer struct {
	config     *ClientConfig
	identity   Identity
	baseURL    string
	client     *breakerClient
	newBackOff func() backoff.BackOff
	observer   PushObserver
	now        func() time.Time
	logger     logger.Logger

	pending atomic.Pointer[models.Snapshot]
	signal  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHTTPClient replaces the transport wrapped by the circuit breaker.
func WithHTTPClient(c HTTPClient) Option {
	return func(s *Synchronizer) { s.client.client = c }
}

// WithBackOff overrides the retry policy.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Synchronizer) { s.newBackOff = factory }
}

// WithPushObserver registers a callback for push attempts.
func WithPushObserver(o PushObserver) Option {
	return func(s *Synchronizer) { s.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer expects a validated cfg.
func NewSynchronizer(cfg *ClientConfig, id Identity, log logger.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		config:   cfg,
		identity: id,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		now:      time.Now,
		logger:   log,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	maxBackoff := cfg.MaxBackoff.OrDefault(defaultMaxBackoff)
	s.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = initialBackoff
		bo.MaxInterval = maxBackoff
		bo.Multiplier = backoffMultiple
		bo.RandomizationFactor = 0.2

		return bo
	}

	s.client = &breakerClient{
		client:  &http.Client{},
		breaker: newCircuitBreaker(defaultBreakerThreshold, defaultBreakerCooldown, func() time.Time { return s.now() }, log),
	}

	for _, o := range opts {
		o(s)
	}

	s.status = Status{Enabled: cfg.Enabled, URL: s.baseURL}

	return s
}

// Submit hands the latest snapshot to the push loop.
func (s *Synchronizer) Submit(snap *models.Snapshot) {
	if snap == nil {
		return
	}

	s.pending.Store(snap)

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Start launches the push loop and returns immediately.
func (s *Synchronizer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.run(ctx)
	}()

	if s.config.AdvertiseURL == "" {
		s.logger.Warn().
			Int("api_port", s.identity.APIPort).
			Msg("relay.advertise_url is not set; the relay will proxy conversations to the push source address")
	}

	s.logger.Info().Str("url", s.baseURL).Msg("Relay synchronizer started")

	return nil
}

// Stop cancels any in-flight retry and waits for the loop to exit.
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)

		if s.cancel != nil {
			s.cancel()
		}
	})

	waitCh := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synchronizer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.signal:
			if err := s.flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Relay push abandoned until next snapshot")
			}
		}
	}
}

// flush pushes the pending snapshot, retrying with backoff. Every attempt sends
// whatever is newest at that moment.
func (s *Synchronizer) flush(ctx context.Context) error {
	op := func() (struct{}, error) {
		snap := s.pending.Load()
		if snap == nil {
			return struct{}{}, nil
		}

		if err := s.pushOnce(ctx, snap); err != nil {
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRejected) {
				return struct{}{}, backoff.Permanent(err)
			}

			return struct{}{}, err
		}

		s.pending.CompareAndSwap(snap, nil)

		return struct{}{}, nil
	}

	notify := func(err error, next time.Duration) {
		s.logger.Debug().Err(err).Dur("retry_in", next).Msg("Relay push failed")
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(s.config.TTL.OrDefault(defaultTTL)),
		backoff.WithNotify(notify))

	return err
}

func (s *Synchronizer) pushOnce(ctx context.Context, snap *models.Snapshot) error {
	start := s.now()
	err := s.Push(ctx, snap)

	if s.observer != nil {
		s.observer(err, s.now().Sub(start))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()

		return err
	}

	s.status.Pushes++
	s.status.LastPushAt = s.now()
	s.status.LastError = ""

	return nil
}

// Push sends one snapshot synchronously.
func (s *Synchronizer) Push(ctx context.Context, snap *models.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.PushTimeout.OrDefault(defaultPushTimeout))
	defer cancel()

	body, err := encodePush(&models.RelayPush{
		InstanceID:   s.identity.InstanceID,
		Hostname:     s.identity.Hostname,
		Workspace:    s.identity.Workspace,
		AdvertiseURL: s.config.AdvertiseURL,
		APIPort:      s.identity.APIPort,
		TTLSeconds:   int(s.config.TTL.OrDefault(defaultTTL) / time.Second),
		Snapshot:     snap,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+s.config.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return &models.TransportError{Op: "relay push", Err: err}
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &models.TransportError{Op: "relay push", StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &models.TransportError{Op: "relay push", StatusCode: resp.StatusCode, Err: ErrRejected}
	default:
		return &models.TransportError{Op: "relay push", StatusCode: resp.StatusCode, Err: errUnexpectedStatus}
	}
}

func encodePush(push *models.RelayPush) ([]byte, error) {
	raw, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push: %w", err)
	}

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// FetchAggregate reads the relay's merged view across all instances.
func (s *Synchronizer) FetchAggregate(ctx context.Context) (*models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.PushTimeout.OrDefault(defaultPushTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+statePath, http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &models.TransportError{Op: "relay state", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &models.TransportError{Op: "relay state", StatusCode: resp.StatusCode, Err: errUnexpectedStatus}
	}

	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &models.TransportError{Op: "relay state", Err: err}
	}

	return &snap, nil
}

// Status returns a copy of the push counters.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status
	st.CircuitState = s.client.breaker.State().String()

	return st
}
