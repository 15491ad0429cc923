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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/agentradar/pkg/alerts"
	"github.com/carverauto/agentradar/pkg/api"
	arHttp "github.com/carverauto/agentradar/pkg/http"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/peers"
	"github.com/carverauto/agentradar/pkg/providers"
	"github.com/carverauto/agentradar/pkg/relay"
)

var errBroken = errors.New("provider exploded")

type fakeProvider struct {
	name    string
	records []models.RawRecord
	convs   map[string]*models.Conversation
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Fetch(context.Context) (*providers.FetchResult, error) {
	return &providers.FetchResult{Records: p.records}, nil
}

func (*fakeProvider) Health() models.ProviderStatus { return models.ProviderStatusOK }

func (p *fakeProvider) LoadConversation(_ context.Context, agent models.Agent) (*models.Conversation, error) {
	path := agent.Transcripts[p.name]
	if path == "bad" {
		return nil, fmt.Errorf("%w: line 1", models.ErrTranscriptMalformed)
	}

	conv, ok := p.convs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStoreUnreachable, path)
	}

	out := *conv
	out.AgentID = agent.ID

	return &out, nil
}

type recordingChannel struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (c *recordingChannel) Send(_ context.Context, ev *models.AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, *ev)

	return nil
}

func (c *recordingChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.events)
}

func record(sid string, status models.AgentStatus, path string) models.RawRecord {
	return models.RawRecord{
		Provider:   "fake",
		SessionID:  sid,
		Host:       "devbox",
		Workspace:  "agentradar",
		Status:     status,
		Model:      "opus",
		Tokens:     models.TokenUsage{Input: 500},
		SourcePath: path,
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testConfig(t *testing.T, instanceID string) *Config {
	t.Helper()

	cfg := &Config{
		InstanceID: instanceID,
		Hostname:   "devbox",
		Workspace:  "agentradar",
		ListenAddr: "127.0.0.1:19850",
	}
	require.NoError(t, cfg.Validate())

	return cfg
}

func newTestEngine(t *testing.T, cfg *Config, opts ...Option) *Engine {
	t.Helper()

	e, err := New(context.Background(), cfg, logger.NewTestLogger(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	return e
}

func defaultProvider() *fakeProvider {
	return &fakeProvider{
		name: "fake",
		records: []models.RawRecord{
			record("s1", models.AgentStatusActive, "/home/dev/s1.jsonl"),
			record("s2", models.AgentStatusError, "bad"),
			record("s3", models.AgentStatusIdle, ""),
		},
		convs: map[string]*models.Conversation{
			"/home/dev/s1.jsonl": {Source: "fake", Turns: []models.ConversationTurn{{Role: "user", Content: "fix the build"}}},
		},
	}
}

func TestCyclePublishesAndAlerts(t *testing.T) {
	cfg := testConfig(t, "inst-1")
	cfg.Alerts = alerts.Config{
		Enabled:  true,
		Channels: map[string]alerts.ChannelConfig{"rec": {Type: alerts.ChannelLog}},
		Rules:    []models.AlertRule{{Name: "errors", Event: models.AlertAgentError, Channels: []string{"rec"}}},
	}
	require.NoError(t, cfg.Validate())

	rec := &recordingChannel{}
	e := newTestEngine(t, cfg,
		WithProviders(defaultProvider()),
		WithAlertChannels(map[string]alerts.Channel{"rec": rec}))

	before := e.Current()
	assert.Empty(t, before.Agents)

	e.RunCycle(context.Background())

	cur := e.Current()
	require.Len(t, cur.Agents, 3)
	assert.Same(t, cur, e.Local())
	assert.Equal(t, []string{"inst-1"}, cur.Agents[0].Origins)
	assert.Equal(t, models.ProviderStatusOK, cur.ProviderHealth["fake"].Status)

	require.NoError(t, e.Stop(context.Background()))

	assert.Equal(t, 1, rec.Len())

	events := e.RecentAlerts(10)
	require.Len(t, events, 1)
	assert.Equal(t, "s2", events[0].Subject)

	assert.InDelta(t, 1, testutil.ToFloat64(e.Metrics().Cycles), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(e.Metrics().Agents.WithLabelValues("error")), 0)
}

func TestFailingProviderIsIsolated(t *testing.T) {
	ctrl := gomock.NewController(t)

	broken := providers.NewMockProvider(ctrl)
	broken.EXPECT().Name().Return("broken").AnyTimes()
	broken.EXPECT().Fetch(gomock.Any()).Return(nil, errBroken).AnyTimes()
	broken.EXPECT().Health().Return(models.ProviderStatusError).AnyTimes()

	e := newTestEngine(t, testConfig(t, "inst-1"), WithProviders(defaultProvider(), broken))

	e.RunCycle(context.Background())

	cur := e.Current()
	assert.Len(t, cur.Agents, 3)
	assert.Equal(t, models.ProviderStatusError, cur.ProviderHealth["broken"].Status)
	assert.Contains(t, cur.ProviderHealth["broken"].LastError, "provider exploded")
}

func TestLocalConversation(t *testing.T) {
	e := newTestEngine(t, testConfig(t, "inst-1"), WithProviders(defaultProvider()))
	ctx := context.Background()

	_, err := e.Conversation(ctx, "s1", false)
	require.ErrorIs(t, err, models.ErrAgentNotFound)

	e.RunCycle(ctx)

	conv, err := e.Conversation(ctx, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, "s1", conv.AgentID)
	require.Len(t, conv.Turns, 1)

	_, err = e.Conversation(ctx, "s2", false)
	require.ErrorIs(t, err, models.ErrTranscriptMalformed)

	_, err = e.Conversation(ctx, "s3", true)
	require.ErrorIs(t, err, models.ErrStoreUnreachable)

	_, err = e.Conversation(ctx, "unknown-id", false)
	require.ErrorIs(t, err, models.ErrAgentNotFound)
}

func TestPeerAgentsMergedAndProxied(t *testing.T) {
	ctx := context.Background()

	peerProv := &fakeProvider{
		name:    "fake",
		records: []models.RawRecord{record("p1", models.AgentStatusActive, "/home/dev/p1.jsonl")},
		convs: map[string]*models.Conversation{
			"/home/dev/p1.jsonl": {Source: "fake", Turns: []models.ConversationTurn{{Role: "assistant", Content: "done"}}},
		},
	}

	peer := newTestEngine(t, testConfig(t, "inst-2"), WithProviders(peerProv))
	peer.RunCycle(ctx)

	ts := httptest.NewServer(peer.API().Handler())
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store, err := peers.NewFileStore(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, models.PeerInstance{
		InstanceID:  "inst-2",
		Host:        "127.0.0.1",
		APIPort:     port,
		HeartbeatAt: time.Now(),
	}))

	cfg := testConfig(t, "inst-1")
	cfg.Peers = peers.Config{Enabled: true}
	require.NoError(t, cfg.Validate())

	e := newTestEngine(t, cfg, WithProviders(defaultProvider()), WithPeerStore(store))
	e.RunCycle(ctx)

	cur := e.Current()
	require.Len(t, cur.Agents, 4)
	require.Len(t, cur.Peers, 1)
	assert.Equal(t, "inst-2", cur.Peers[0].InstanceID)
	assert.Len(t, e.Local().Agents, 3)

	agent, ok := cur.FindAgent("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"inst-2"}, agent.Origins)

	conv, err := e.Conversation(ctx, "p1", false)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "done", conv.Turns[0].Content)

	_, err = e.Conversation(ctx, "p1", true)
	require.ErrorIs(t, err, models.ErrAgentNotFound)

	require.NoError(t, e.Stop(ctx))

	entries, err := store.List(ctx)
	require.NoError(t, err)

	for _, p := range entries {
		assert.NotEqual(t, "inst-1", p.InstanceID)
	}
}

// servePeer exposes e's API and registers it in a fresh file store.
func servePeer(t *testing.T, e *Engine, heartbeat time.Time) peers.Store {
	t.Helper()

	ts := httptest.NewServer(e.API().Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store, err := peers.NewFileStore(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), models.PeerInstance{
		InstanceID:  e.config.InstanceID,
		Host:        "127.0.0.1",
		APIPort:     port,
		HeartbeatAt: heartbeat,
	}))

	return store
}

func peerConfig(t *testing.T) *Config {
	t.Helper()

	cfg := testConfig(t, "inst-1")
	cfg.Peers = peers.Config{Enabled: true}
	require.NoError(t, cfg.Validate())

	return cfg
}

func TestPeerConversationGoneIsUnreachable(t *testing.T) {
	ctx := context.Background()

	peerProv := &fakeProvider{
		name:    "fake",
		records: []models.RawRecord{record("p1", models.AgentStatusActive, "/home/dev/p1.jsonl")},
		convs:   map[string]*models.Conversation{},
	}

	peer := newTestEngine(t, testConfig(t, "inst-2"), WithProviders(peerProv))
	peer.RunCycle(ctx)

	store := servePeer(t, peer, time.Now())

	e := newTestEngine(t, peerConfig(t), WithProviders(defaultProvider()), WithPeerStore(store))
	e.RunCycle(ctx)

	_, ok := e.Current().FindAgent("p1")
	require.True(t, ok)

	peerProv.records = nil
	peer.RunCycle(ctx)

	_, err := e.Conversation(ctx, "p1", false)
	require.ErrorIs(t, err, models.ErrStoreUnreachable)
	assert.NotErrorIs(t, err, models.ErrAgentNotFound)

	status, code := arHttp.ConversationStatus(err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, arHttp.CodeStoreUnreachable, code)

	_, err = e.Conversation(ctx, "missing", false)
	require.ErrorIs(t, err, models.ErrAgentNotFound)
}

func TestExpiredPeerAgentsDropOut(t *testing.T) {
	ctx := context.Background()

	peerProv := &fakeProvider{
		name:    "fake",
		records: []models.RawRecord{record("p1", models.AgentStatusActive, "/home/dev/p1.jsonl")},
	}

	peer := newTestEngine(t, testConfig(t, "inst-2"), WithProviders(peerProv))
	peer.RunCycle(ctx)

	now := time.Now()
	store := servePeer(t, peer, now)

	e := newTestEngine(t, peerConfig(t), WithProviders(defaultProvider()),
		WithPeerStore(store, peers.WithClock(func() time.Time { return now })))

	e.RunCycle(ctx)

	_, ok := e.Current().FindAgent("p1")
	require.True(t, ok)
	require.Len(t, e.Current().Peers, 1)

	now = now.Add(31 * time.Second)
	e.RunCycle(ctx)

	cur := e.Current()
	_, ok = cur.FindAgent("p1")
	assert.False(t, ok)
	assert.Empty(t, cur.Peers)
	assert.Len(t, cur.Agents, 3)

	entries, err := store.List(ctx)
	require.NoError(t, err)

	for _, p := range entries {
		assert.NotEqual(t, "inst-2", p.InstanceID)
	}
}

func TestRelayPushAfterCycle(t *testing.T) {
	ctx := context.Background()

	srvCfg := &relay.ServerConfig{Token: "tok"}
	require.NoError(t, srvCfg.Validate())

	srv, err := relay.NewServer(srvCfg, logger.NewTestLogger())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig(t, "inst-1")
	cfg.Relay = relay.ClientConfig{Enabled: true, URL: ts.URL, Token: "tok"}
	require.NoError(t, cfg.Validate())

	e := newTestEngine(t, cfg, WithProviders(defaultProvider()))
	require.NoError(t, e.relay.Start(ctx))

	e.RunCycle(ctx)

	require.Eventually(t, func() bool {
		status, _ := e.RelayStatus()
		return status.Pushes == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, srv.Store().Live(), 1)

	agg, err := e.RelayState(ctx)
	require.NoError(t, err)
	assert.Len(t, agg.Agents, 3)

	_, ok := e.RelayStatus()
	require.True(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(e.Metrics().RelayPushes.WithLabelValues("success")), 0)
}

func TestRelayStateDisabled(t *testing.T) {
	e := newTestEngine(t, testConfig(t, "inst-1"), WithProviders(defaultProvider()))

	_, err := e.RelayState(context.Background())
	require.ErrorIs(t, err, api.ErrRelayDisabled)

	_, ok := e.RelayStatus()
	assert.False(t, ok)
	assert.Nil(t, e.RecentAlerts(10))
}
