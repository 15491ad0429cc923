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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arHttp "github.com/carverauto/agentradar/pkg/http"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

var (
	testEpoch   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errRelayErr = errors.New("relay unreachable")
)

type fakeBackend struct {
	local    *models.Snapshot
	current  *models.Snapshot
	convs    map[string]*models.Conversation
	convErr  error
	alerts   []models.AlertEvent
	relay    *models.Snapshot
	relayErr error

	lastLocalOnly bool
	lastLimit     int
}

func (f *fakeBackend) Local() *models.Snapshot   { return f.local }
func (f *fakeBackend) Current() *models.Snapshot { return f.current }

func (f *fakeBackend) Conversation(_ context.Context, agentID string, localOnly bool) (*models.Conversation, error) {
	f.lastLocalOnly = localOnly

	if f.convErr != nil {
		return nil, f.convErr
	}

	conv, ok := f.convs[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentNotFound, agentID)
	}

	return conv, nil
}

func (f *fakeBackend) RecentAlerts(limit int) []models.AlertEvent {
	f.lastLimit = limit

	if limit < len(f.alerts) {
		return f.alerts[:limit]
	}

	return f.alerts
}

func (f *fakeBackend) RelayState(context.Context) (*models.Snapshot, error) {
	return f.relay, f.relayErr
}

func testSnapshot(instanceID string, ids ...string) *models.Snapshot {
	snap := models.NewEmptySnapshot(instanceID, testEpoch)

	for _, id := range ids {
		snap.Agents = append(snap.Agents, models.Agent{
			ID:        id,
			SessionID: id,
			Status:    models.AgentStatusActive,
			Origins:   []string{instanceID},
		})
	}

	snap.ProviderHealth["codex"] = models.ProviderHealth{Name: "codex", Status: models.ProviderStatusOK}
	snap.ProviderHealth["claude"] = models.ProviderHealth{Name: "claude", Status: models.ProviderStatusDegraded}

	return snap
}

func newTestServer(t *testing.T, backend *fakeBackend, cfg Config, opts ...Option) *httptest.Server {
	t.Helper()

	opts = append([]Option{WithClock(func() time.Time { return testEpoch })}, opts...)
	s := NewServer(cfg, backend, logger.NewTestLogger(), opts...)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return ts
}

func get(t *testing.T, target, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, http.NoBody)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, Config{InstanceID: "inst-1", APIToken: "secret"})

	resp := get(t, ts.URL+"/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.HealthResponse
	decode(t, resp, &body)
	assert.Equal(t, "inst-1", body.InstanceID)
	assert.NotEmpty(t, body.Version)
}

func TestStateScopes(t *testing.T) {
	backend := &fakeBackend{
		local:   testSnapshot("inst-1", "a"),
		current: testSnapshot("inst-1", "a", "b"),
	}
	ts := newTestServer(t, backend, Config{InstanceID: "inst-1"})

	var merged models.Snapshot
	decode(t, get(t, ts.URL+"/api/state", ""), &merged)
	assert.Len(t, merged.Agents, 2)

	var local models.Snapshot
	decode(t, get(t, ts.URL+"/api/state?scope=local", ""), &local)
	assert.Len(t, local.Agents, 1)

	resp := get(t, ts.URL+"/api/state?scope=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStateBeforeFirstCycle(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{}, Config{InstanceID: "inst-1"})

	resp := get(t, ts.URL+"/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap models.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, "inst-1", snap.InstanceID)
	assert.Empty(t, snap.Agents)
}

func TestAgentLookup(t *testing.T) {
	backend := &fakeBackend{current: testSnapshot("inst-1", "a", "b")}
	ts := newTestServer(t, backend, Config{InstanceID: "inst-1"})

	var agent models.Agent
	resp := get(t, ts.URL+"/api/agents/b", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &agent)
	assert.Equal(t, "b", agent.ID)

	resp = get(t, ts.URL+"/api/agents/missing", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body models.ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, arHttp.CodeAgentNotFound, body.Code)
}

func TestConversation(t *testing.T) {
	backend := &fakeBackend{
		convs: map[string]*models.Conversation{
			"a": {AgentID: "a", Source: "claude", Turns: []models.ConversationTurn{{Role: "user", Content: "hi"}}},
		},
	}
	ts := newTestServer(t, backend, Config{InstanceID: "inst-1"})

	resp := get(t, ts.URL+"/api/agents/a/conversation?scope=local", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, backend.lastLocalOnly)

	var conv models.Conversation
	decode(t, resp, &conv)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "hi", conv.Turns[0].Content)

	resp = get(t, ts.URL+"/api/agents/a/conversation", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, backend.lastLocalOnly)
}

func TestConversationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown agent", nil, http.StatusNotFound, arHttp.CodeAgentNotFound},
		{"store unreachable", fmt.Errorf("%w: peer down", models.ErrStoreUnreachable), http.StatusBadGateway, arHttp.CodeStoreUnreachable},
		{"malformed", fmt.Errorf("%w: line 3", models.ErrTranscriptMalformed), http.StatusInternalServerError, arHttp.CodeTranscriptMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeBackend{convErr: tt.err}, Config{InstanceID: "inst-1"})

			resp := get(t, ts.URL+"/api/agents/unknown-id/conversation", "")
			require.Equal(t, tt.status, resp.StatusCode)

			var body models.ErrorResponse
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestProvidersAndPeers(t *testing.T) {
	snap := testSnapshot("inst-1")
	snap.Peers = []models.PeerInstance{{InstanceID: "inst-2", APIPort: 19852}}
	ts := newTestServer(t, &fakeBackend{current: snap}, Config{InstanceID: "inst-1"})

	var health []models.ProviderHealth
	decode(t, get(t, ts.URL+"/api/providers", ""), &health)
	require.Len(t, health, 2)
	assert.Equal(t, "claude", health[0].Name)
	assert.Equal(t, models.ProviderStatusDegraded, health[0].Status)

	var peers []models.PeerInstance
	decode(t, get(t, ts.URL+"/api/peers", ""), &peers)
	require.Len(t, peers, 1)
	assert.Equal(t, 19852, peers[0].APIPort)
}

func TestAlertsLimit(t *testing.T) {
	backend := &fakeBackend{alerts: []models.AlertEvent{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	ts := newTestServer(t, backend, Config{InstanceID: "inst-1"})

	var events []models.AlertEvent
	decode(t, get(t, ts.URL+"/api/alerts?limit=2", ""), &events)
	assert.Len(t, events, 2)
	assert.Equal(t, 2, backend.lastLimit)

	decode(t, get(t, ts.URL+"/api/alerts", ""), &events)
	assert.Equal(t, defaultAlertLimit, backend.lastLimit)

	resp := get(t, ts.URL+"/api/alerts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayState(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{relayErr: ErrRelayDisabled}, Config{InstanceID: "inst-1"})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, ts.URL+"/api/relay/state", "").StatusCode)

	ts = newTestServer(t, &fakeBackend{relayErr: errRelayErr}, Config{InstanceID: "inst-1"})
	assert.Equal(t, http.StatusBadGateway, get(t, ts.URL+"/api/relay/state", "").StatusCode)

	ts = newTestServer(t, &fakeBackend{relay: testSnapshot("relay", "x", "y")}, Config{InstanceID: "inst-1"})
	resp := get(t, ts.URL+"/api/relay/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap models.Snapshot
	decode(t, resp, &snap)
	assert.Len(t, snap.Agents, 2)
}

func TestAPIToken(t *testing.T) {
	ts := newTestServer(t, &fakeBackend{current: testSnapshot("inst-1", "a")}, Config{InstanceID: "inst-1", APIToken: "secret"})

	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/api/state", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, ts.URL+"/api/state", "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/api/state", "secret").StatusCode)
}

func TestMetricsHandler(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("agentradar_cycles_total 1\n"))
	})

	ts := newTestServer(t, &fakeBackend{}, Config{InstanceID: "inst-1"}, WithMetricsHandler(metrics))
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/metrics", "").StatusCode)

	ts = newTestServer(t, &fakeBackend{}, Config{InstanceID: "inst-1"})
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/metrics", "").StatusCode)
}
