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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/providers"
)

var errBoom = errors.New("boom")

func newProvider(ctrl *gomock.Controller, name string) *providers.MockProvider {
	p := providers.NewMockProvider(ctrl)
	p.EXPECT().Name().Return(name).AnyTimes()

	return p
}

func records(provider string, sessions ...string) *providers.FetchResult {
	res := &providers.FetchResult{}
	for _, s := range sessions {
		res.Records = append(res.Records, models.RawRecord{Provider: provider, SessionID: s})
	}

	return res
}

func newTestPoller(t *testing.T, cfg Config, provs ...providers.Provider) *Poller {
	t.Helper()

	p, err := New(&cfg, provs, nil, logger.NewTestLogger())
	require.NoError(t, err)

	return p
}

func TestRunCycleIsolatesFailingProvider(t *testing.T) {
	ctrl := gomock.NewController(t)

	good := newProvider(ctrl, "claude")
	good.EXPECT().Fetch(gomock.Any()).Return(records("claude", "s1", "s2"), nil)
	good.EXPECT().Health().Return(models.ProviderStatusOK)

	bad := newProvider(ctrl, "codex")
	bad.EXPECT().Fetch(gomock.Any()).Return(nil, errBoom)

	p := newTestPoller(t, Config{}, bad, good)

	batch := p.RunCycle(context.Background())

	require.Len(t, batch.Records, 2)
	assert.Equal(t, models.ProviderStatusOK, batch.Health["claude"].Status)
	assert.Equal(t, 2, batch.Health["claude"].RecordCount)
	assert.Equal(t, models.ProviderStatusError, batch.Health["codex"].Status)
	assert.Contains(t, batch.Health["codex"].LastError, "boom")
	assert.Equal(t, 1, batch.Health["codex"].ConsecutiveFailures)
}

func TestRunCycleTimeoutMarksDegraded(t *testing.T) {
	ctrl := gomock.NewController(t)

	slow := newProvider(ctrl, "slow")
	slow.EXPECT().Fetch(gomock.Any()).DoAndReturn(func(ctx context.Context) (*providers.FetchResult, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)

		return records("slow", "late"), nil
	})

	fast := newProvider(ctrl, "fast")
	fast.EXPECT().Fetch(gomock.Any()).Return(records("fast", "s1"), nil)
	fast.EXPECT().Health().Return(models.ProviderStatusOK)

	p := newTestPoller(t, Config{ProviderTimeout: models.Duration(20 * time.Millisecond)}, slow, fast)

	batch := p.RunCycle(context.Background())

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "fast", batch.Records[0].Provider)
	assert.Equal(t, models.ProviderStatusDegraded, batch.Health["slow"].Status)
	assert.Contains(t, batch.Health["slow"].LastError, "timed out")
}

func TestRunCycleRecoversPanics(t *testing.T) {
	ctrl := gomock.NewController(t)

	crashy := newProvider(ctrl, "crashy")
	crashy.EXPECT().Fetch(gomock.Any()).DoAndReturn(func(context.Context) (*providers.FetchResult, error) {
		panic("nil map")
	})

	p := newTestPoller(t, Config{}, crashy)

	batch := p.RunCycle(context.Background())

	assert.Empty(t, batch.Records)
	assert.Equal(t, models.ProviderStatusError, batch.Health["crashy"].Status)
	assert.Contains(t, batch.Health["crashy"].LastError, "panicked")
}

func TestRunCycleDisablesAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)

	bad := newProvider(ctrl, "bad")
	bad.EXPECT().Fetch(gomock.Any()).Return(nil, errBoom).Times(3)

	p := newTestPoller(t, Config{MaxConsecutiveFailures: 3}, bad)

	for i := 0; i < 2; i++ {
		batch := p.RunCycle(context.Background())
		assert.Equal(t, models.ProviderStatusError, batch.Health["bad"].Status)
	}

	batch := p.RunCycle(context.Background())
	assert.Equal(t, models.ProviderStatusDisabled, batch.Health["bad"].Status)

	// Disabled providers are no longer called; gomock fails on a fourth Fetch.
	batch = p.RunCycle(context.Background())
	assert.Equal(t, models.ProviderStatusDisabled, batch.Health["bad"].Status)
	assert.Equal(t, 3, batch.Health["bad"].ConsecutiveFailures)
}

func TestRunCycleNeverDisablesWhenLimitIsZero(t *testing.T) {
	ctrl := gomock.NewController(t)

	bad := newProvider(ctrl, "bad")
	bad.EXPECT().Fetch(gomock.Any()).Return(nil, errBoom).Times(5)

	p := newTestPoller(t, Config{}, bad)

	var batch *models.RawBatch
	for i := 0; i < 5; i++ {
		batch = p.RunCycle(context.Background())
	}

	assert.Equal(t, models.ProviderStatusError, batch.Health["bad"].Status)
	assert.Equal(t, 5, batch.Health["bad"].ConsecutiveFailures)
}

func TestRunCycleRecoveryResetsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)

	flaky := newProvider(ctrl, "flaky")
	gomock.InOrder(
		flaky.EXPECT().Fetch(gomock.Any()).Return(nil, errBoom),
		flaky.EXPECT().Fetch(gomock.Any()).Return(records("flaky", "s1"), nil),
	)
	flaky.EXPECT().Health().Return(models.ProviderStatusOK)

	p := newTestPoller(t, Config{MaxConsecutiveFailures: 3}, flaky)

	p.RunCycle(context.Background())
	batch := p.RunCycle(context.Background())

	h := batch.Health["flaky"]
	assert.Equal(t, models.ProviderStatusOK, h.Status)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
	assert.False(t, h.LastSuccessAt.IsZero())
}

func TestRunCycleKeepsRecordsOfSelfDegradedProvider(t *testing.T) {
	ctrl := gomock.NewController(t)

	partial := newProvider(ctrl, "partial")
	partial.EXPECT().Fetch(gomock.Any()).Return(records("partial", "s1"), nil)
	partial.EXPECT().Health().Return(models.ProviderStatusDegraded)

	p := newTestPoller(t, Config{}, partial)

	batch := p.RunCycle(context.Background())

	require.Len(t, batch.Records, 1)
	assert.Equal(t, models.ProviderStatusDegraded, batch.Health["partial"].Status)
	assert.Zero(t, batch.Health["partial"].ConsecutiveFailures)
}

func TestRunCycleIgnoresCancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)

	prov := newProvider(ctrl, "claude")
	prov.EXPECT().Fetch(gomock.Any()).DoAndReturn(func(ctx context.Context) (*providers.FetchResult, error) {
		return records("claude", "s1"), ctx.Err()
	})
	prov.EXPECT().Health().Return(models.ProviderStatusOK)

	p := newTestPoller(t, Config{}, prov)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := p.RunCycle(ctx)
	require.Len(t, batch.Records, 1)
}

func TestStartRunsCyclesUntilStopped(t *testing.T) {
	ctrl := gomock.NewController(t)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	tick := make(chan time.Time)

	clock := NewMockClock(ctrl)
	ticker := NewMockTicker(ctrl)

	clock.EXPECT().Now().Return(now).AnyTimes()
	clock.EXPECT().Ticker(3 * time.Second).Return(ticker)
	ticker.EXPECT().Chan().Return((<-chan time.Time)(tick)).AnyTimes()
	ticker.EXPECT().Stop()

	prov := newProvider(ctrl, "claude")
	prov.EXPECT().Fetch(gomock.Any()).Return(records("claude", "s1"), nil).Times(2)
	prov.EXPECT().Health().Return(models.ProviderStatusOK).Times(2)

	p, err := New(&Config{}, []providers.Provider{prov}, clock, logger.NewTestLogger())
	require.NoError(t, err)

	batches := make(chan *models.RawBatch, 2)
	errCh := make(chan error, 1)

	go func() {
		errCh <- p.Start(context.Background(), func(_ context.Context, b *models.RawBatch) {
			batches <- b
		})
	}()

	first := <-batches
	assert.Equal(t, now, first.CollectedAt)

	tick <- now.Add(3 * time.Second)

	second := <-batches
	require.Len(t, second.Records, 1)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, p.Stop(stopCtx))
	require.NoError(t, <-errCh)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, models.Duration(3*time.Second), cfg.Interval)
	assert.Equal(t, models.Duration(2*time.Second), cfg.ProviderTimeout)

	cfg = Config{MaxConsecutiveFailures: -1}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidMaxFailures)

	cfg = Config{Interval: models.Duration(-time.Second)}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidInterval)
}
