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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/providers"
)

// CycleHandler receives the batch produced by each cycle.
type CycleHandler func(ctx context.Context, batch *models.RawBatch)

// Poller drives the fixed-interval collection cycle and owns ProviderHealth.
type Poller struct {
	config    Config
	providers []providers.Provider
	clock     Clock
	logger    logger.Logger

	// cycleMu keeps cycles from overlapping.
	cycleMu sync.Mutex

	mu     sync.RWMutex
	health map[string]*models.ProviderHealth

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type fetchOutcome struct {
	records  []models.RawRecord
	status   models.ProviderStatus
	err      error
	duration time.Duration
}

// New creates a poller over provs. A nil clock uses the real one.
func New(config *Config, provs []providers.Provider, clock Clock, log logger.Logger) (*Poller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if clock == nil {
		clock = realClock{}
	}

	sorted := append([]providers.Provider(nil), provs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	p := &Poller{
		config:    *config,
		providers: sorted,
		clock:     clock,
		logger:    log,
		health:    make(map[string]*models.ProviderHealth, len(sorted)),
		done:      make(chan struct{}),
	}

	for _, prov := range sorted {
		p.health[prov.Name()] = &models.ProviderHealth{Name: prov.Name(), Status: models.ProviderStatusOK}
	}

	return p, nil
}

// Start runs an initial cycle, then one per interval until ctx is done or Stop is called.
// Ticks that arrive while a cycle is still running are dropped.
func (p *Poller) Start(ctx context.Context, handle CycleHandler) error {
	interval := p.config.Interval.Std()

	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	p.wg.Add(1)
	defer p.wg.Done()

	p.logger.Info().
		Dur("interval", interval).
		Dur("provider_timeout", p.config.ProviderTimeout.Std()).
		Int("providers", len(p.providers)).
		Msg("Starting poller")

	p.cycle(ctx, handle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-ticker.Chan():
			p.cycle(ctx, handle)
		}
	}
}

// Stop ends the loop and waits for an in-flight cycle to finish or ctx to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.done)
	})

	finished := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info().Msg("Poller stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller did not stop in time: %w", ctx.Err())
	}
}

func (p *Poller) cycle(ctx context.Context, handle CycleHandler) {
	batch := p.RunCycle(ctx)

	if handle == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Cycle handler panicked")
		}
	}()

	handle(ctx, batch)
}

// RunCycle fetches every enabled provider concurrently and returns the union of their records.
// A provider failure only affects its own health entry. Cancelling ctx does not abort
// in-flight fetches; each is bounded by the provider timeout instead.
func (p *Poller) RunCycle(ctx context.Context) *models.RawBatch {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	active := p.enabledProviders()
	outcomes := make([]fetchOutcome, len(active))

	var wg sync.WaitGroup

	for i, prov := range active {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcomes[i] = p.fetch(ctx, prov)
		}()
	}

	wg.Wait()

	batch := &models.RawBatch{CollectedAt: p.clock.Now()}

	for i, prov := range active {
		p.apply(prov.Name(), outcomes[i], batch.CollectedAt)
		batch.Records = append(batch.Records, outcomes[i].records...)
	}

	batch.Health = p.Health()

	p.logger.Debug().
		Int("providers", len(active)).
		Int("records", len(batch.Records)).
		Msg("Poll cycle complete")

	return batch
}

// Health returns a copy of the current per-provider health.
func (p *Poller) Health() map[string]models.ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]models.ProviderHealth, len(p.health))
	for name, h := range p.health {
		out[name] = *h
	}

	return out
}

func (p *Poller) enabledProviders() []providers.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]providers.Provider, 0, len(p.providers))

	for _, prov := range p.providers {
		if p.health[prov.Name()].Status != models.ProviderStatusDisabled {
			out = append(out, prov)
		}
	}

	return out
}

// fetch runs one provider under the provider timeout. The fetch goroutine is
// abandoned on timeout; its buffered channel lets it finish without leaking a send.
func (p *Poller) fetch(ctx context.Context, prov providers.Provider) fetchOutcome {
	name := prov.Name()
	start := p.clock.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.ProviderTimeout.Std())
	defer cancel()

	type result struct {
		res *providers.FetchResult
		err error
	}

	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: %v", errProviderPanic, r)}
			}
		}()

		res, err := prov.Fetch(fetchCtx)
		ch <- result{res: res, err: err}
	}()

	var out fetchOutcome

	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			out.err = &models.SourceError{Source: name, Timeout: errors.Is(r.err, context.DeadlineExceeded), Err: r.err}
		case r.res == nil:
			out.err = &models.SourceError{Source: name, Err: errNilResult}
		default:
			out.records = r.res.Records
			out.status = models.ProviderStatusOK

			if s := prov.Health(); s != "" && !s.Healthy() {
				out.status = models.ProviderStatusDegraded
			}
		}
	case <-fetchCtx.Done():
		out.err = &models.SourceError{Source: name, Timeout: true, Err: fetchCtx.Err()}
	}

	out.duration = p.clock.Now().Sub(start)

	return out
}

func (p *Poller) apply(name string, out fetchOutcome, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.health[name]
	h.LastDurationMs = out.duration.Milliseconds()

	if out.err == nil {
		if h.ConsecutiveFailures > 0 {
			p.logger.Info().Str("provider", name).Int("failures", h.ConsecutiveFailures).Msg("Provider recovered")
		}

		h.Status = out.status
		h.LastSuccessAt = now
		h.LastError = ""
		h.ConsecutiveFailures = 0
		h.RecordCount = len(out.records)

		return
	}

	h.ConsecutiveFailures++
	h.LastError = out.err.Error()
	h.RecordCount = 0
	h.Status = models.ProviderStatusError

	var srcErr *models.SourceError
	if errors.As(out.err, &srcErr) && srcErr.Timeout {
		h.Status = models.ProviderStatusDegraded
	}

	if limit := p.config.MaxConsecutiveFailures; limit > 0 && h.ConsecutiveFailures >= limit {
		h.Status = models.ProviderStatusDisabled

		p.logger.Warn().
			Str("provider", name).
			Int("failures", h.ConsecutiveFailures).
			Err(out.err).
			Msg("Provider disabled until restart")

		return
	}

	p.logger.Warn().
		Str("provider", name).
		Str("status", string(h.Status)).
		Int("failures", h.ConsecutiveFailures).
		Err(out.err).
		Msg("Provider fetch failed")
}
