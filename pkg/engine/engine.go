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

// Package engine wires providers, the poller, the canonicalizer, peers, relay
// sync, alerts and the API into one cycle loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/agentradar/pkg/alerts"
	"github.com/carverauto/agentradar/pkg/api"
	"github.com/carverauto/agentradar/pkg/canon"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/metrics"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/peers"
	"github.com/carverauto/agentradar/pkg/poller"
	"github.com/carverauto/agentradar/pkg/providers"
	"github.com/carverauto/agentradar/pkg/relay"
)

// Engine owns every component of one agentradar instance.
type Engine struct {
	config  *Config
	logger  logger.Logger
	now     func() time.Time
	metrics *metrics.Metrics

	poller    *poller.Poller
	canon     *canon.Canonicalizer
	peers     *peers.Registry
	relay     *relay.Synchronizer
	alerts    *alerts.Engine
	api       *api.Server
	publisher *Publisher
	initial   *models.Snapshot
	sources   map[string]providers.ConversationSource
}

type options struct {
	providers   []providers.Provider
	clock       poller.Clock
	peerStore   peers.Store
	peerOpts    []peers.Option
	relayOpts   []relay.Option
	alertOpts   []alerts.Option
	alertChans  map[string]alerts.Channel
	now         func() time.Time
	providerEnv providers.Env
}

// Option configures New.
type Option func(*options)

// WithProviders skips the provider registry and uses provs as-is.
func WithProviders(provs ...providers.Provider) Option {
	return func(o *options) { o.providers = provs }
}

// WithClock drives the poller and snapshot timestamps.
func WithClock(clock poller.Clock) Option {
	return func(o *options) {
		o.clock = clock
		o.now = clock.Now
	}
}

// WithPeerStore replaces the configured peer store.
func WithPeerStore(store peers.Store, opts ...peers.Option) Option {
	return func(o *options) {
		o.peerStore = store
		o.peerOpts = opts
	}
}

// WithRelayOptions passes options through to the relay synchronizer.
func WithRelayOptions(opts ...relay.Option) Option {
	return func(o *options) { o.relayOpts = opts }
}

// WithAlertChannels replaces the configured channels and passes opts to the alert engine.
func WithAlertChannels(channels map[string]alerts.Channel, opts ...alerts.Option) Option {
	return func(o *options) {
		o.alertChans = channels
		o.alertOpts = opts
	}
}

// WithProviderEnv overrides the host facts handed to provider factories.
func WithProviderEnv(env providers.Env) Option {
	return func(o *options) { o.providerEnv = env }
}

// New builds every component from a validated cfg.
func New(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*Engine, error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		config:  cfg,
		logger:  log,
		now:     o.now,
		metrics: metrics.New(),
		sources: make(map[string]providers.ConversationSource),
	}

	e.initial = models.NewEmptySnapshot(cfg.InstanceID, e.now())
	e.publisher = NewPublisher(e.initial)

	provs := o.providers
	if provs == nil {
		env := o.providerEnv
		env.Hostname = firstNonEmpty(env.Hostname, cfg.Hostname)
		env.Logger = log

		built, err := providers.DefaultRegistry().Build(ctx, cfg.Providers, env)
		if err != nil {
			return nil, err
		}

		provs = built
	}

	for _, p := range provs {
		if src, ok := p.(providers.ConversationSource); ok {
			e.sources[p.Name()] = src
		}
	}

	pl, err := poller.New(&poller.Config{
		Interval:               cfg.PollInterval,
		ProviderTimeout:        cfg.ProviderTimeout,
		MaxConsecutiveFailures: *cfg.MaxConsecutiveFailures,
	}, provs, o.clock, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	e.poller = pl

	e.canon = canon.New(cfg.InstanceID, log,
		canon.WithActivityWindow(cfg.ActivityWindow),
		canon.WithConflictHandler(func(c *models.MergeConflict) {
			e.metrics.ObserveMergeConflict(c)
			log.Debug().Err(c).Msg("Resolved merge conflict")
		}))

	if err := e.setupPeers(ctx, o); err != nil {
		return nil, err
	}

	if cfg.Relay.Enabled {
		// Validate has already checked the listen address.
		port, _ := cfg.APIPort()

		relayOpts := append([]relay.Option{relay.WithPushObserver(e.metrics.ObservePush)}, o.relayOpts...)
		e.relay = relay.NewSynchronizer(&cfg.Relay, relay.Identity{
			InstanceID: cfg.InstanceID,
			Hostname:   cfg.Hostname,
			Workspace:  cfg.Workspace,
			APIPort:    port,
		}, log, relayOpts...)
	}

	if cfg.Alerts.Enabled {
		if err := e.setupAlerts(o); err != nil {
			return nil, err
		}
	}

	e.api = api.NewServer(api.Config{
		ListenAddr: cfg.ListenAddr,
		APIToken:   cfg.APIToken,
		InstanceID: cfg.InstanceID,
		CORS:       cfg.CORS,
	}, e, log, api.WithClock(e.now), api.WithMetricsHandler(e.metrics.Handler()))

	return e, nil
}

func (e *Engine) setupPeers(ctx context.Context, o *options) error {
	if !e.config.Peers.Enabled {
		return nil
	}

	store := o.peerStore
	if store == nil {
		s, err := peers.NewStore(ctx, &e.config.Peers, e.logger)
		if err != nil {
			return fmt.Errorf("failed to open peer store: %w", err)
		}

		store = s
	}

	port, err := e.config.APIPort()
	if err != nil {
		return err
	}

	peerOpts := append([]peers.Option{peers.WithToken(e.config.APIToken), peers.WithClock(e.now)}, o.peerOpts...)
	e.peers = peers.NewRegistry(&e.config.Peers, peers.Self{InstanceID: e.config.InstanceID, APIPort: port}, store, e.logger, peerOpts...)

	return nil
}

func (e *Engine) setupAlerts(o *options) error {
	rules, err := alerts.ResolveRules(&e.config.Alerts)
	if err != nil {
		return err
	}

	channels := o.alertChans
	if channels == nil {
		channels, err = alerts.BuildChannels(e.config.Alerts.Channels, e.logger)
		if err != nil {
			return err
		}
	}

	alertOpts := append([]alerts.Option{
		alerts.WithClock(e.now),
		alerts.WithDeliveryObserver(e.metrics.ObserveDelivery),
	}, o.alertOpts...)

	e.alerts = alerts.NewEngine(rules, channels, alerts.NewHistory(e.config.Alerts.HistorySize), e.logger, alertOpts...)

	return nil
}

// Start runs the API server and the poll loop until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("instance_id", e.config.InstanceID).
		Str("hostname", e.config.Hostname).
		Str("workspace", e.config.Workspace).
		Bool("peers", e.peers != nil).
		Bool("relay", e.relay != nil).
		Bool("alerts", e.alerts != nil).
		Msg("Starting agentradar engine")

	if e.relay != nil {
		if err := e.relay.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.api.Start(gctx)
	})

	g.Go(func() error {
		err := e.poller.Start(gctx, e.HandleCycle)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	return g.Wait()
}

// Stop ends the poll loop, then tears down every component. Errors are joined.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error

	if err := e.poller.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := e.api.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}

	if e.relay != nil {
		if err := e.relay.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
	}

	if e.alerts != nil {
		if err := e.alerts.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("alerts: %w", err))
		}
	}

	if e.peers != nil {
		if err := e.peers.Deregister(ctx); err != nil {
			errs = append(errs, fmt.Errorf("peer deregister: %w", err))
		}

		if err := e.peers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer store: %w", err))
		}
	}

	e.logger.Info().Msg("Engine stopped")

	return errors.Join(errs...)
}

// HandleCycle turns one raw batch into the published snapshots and feeds every consumer.
func (e *Engine) HandleCycle(ctx context.Context, batch *models.RawBatch) {
	start := e.now()

	local := e.canon.Merge(batch)
	e.publisher.PublishLocal(local)

	cur := local

	if e.peers != nil {
		foreign := e.peers.Sync(ctx, len(local.Agents))
		parts := append([]*models.Snapshot{local}, foreign...)

		cur = e.canon.MergeSnapshots(canon.Header{
			InstanceID:     e.config.InstanceID,
			GeneratedAt:    local.GeneratedAt,
			ProviderHealth: local.ProviderHealth,
			Peers:          e.peers.Peers(),
		}, parts...)
	}

	prev := e.publisher.PublishCurrent(cur)
	if prev == e.initial {
		prev = nil
	}

	if e.relay != nil {
		e.relay.Submit(local)
	}

	if e.alerts != nil {
		e.metrics.ObserveAlerts(e.alerts.Evaluate(ctx, prev, cur))
	}

	e.api.Broadcast(cur)

	d := e.now().Sub(start)
	e.metrics.ObserveCycle(d, cur)

	e.logger.Debug().
		Int("local_agents", len(local.Agents)).
		Int("agents", len(cur.Agents)).
		Int("peers", len(cur.Peers)).
		Dur("duration", d).
		Msg("Cycle published")
}

// RunCycle runs one poll cycle synchronously.
func (e *Engine) RunCycle(ctx context.Context) {
	e.HandleCycle(ctx, e.poller.RunCycle(ctx))
}

// Local implements api.Backend.
func (e *Engine) Local() *models.Snapshot {
	return e.publisher.Local()
}

// Current implements api.Backend.
func (e *Engine) Current() *models.Snapshot {
	return e.publisher.Current()
}

// RecentAlerts implements api.Backend.
func (e *Engine) RecentAlerts(limit int) []models.AlertEvent {
	if e.alerts == nil {
		return nil
	}

	return e.alerts.History().Recent(limit)
}

// RelayState implements api.Backend.
func (e *Engine) RelayState(ctx context.Context) (*models.Snapshot, error) {
	if e.relay == nil {
		return nil, api.ErrRelayDisabled
	}

	return e.relay.FetchAggregate(ctx)
}

// RelayStatus reports the synchronizer's push state; ok is false when relay sync is off.
func (e *Engine) RelayStatus() (status relay.Status, ok bool) {
	if e.relay == nil {
		return relay.Status{}, false
	}

	return e.relay.Status(), true
}

// Metrics exposes the collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// API exposes the HTTP server.
func (e *Engine) API() *api.Server {
	return e.api
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
