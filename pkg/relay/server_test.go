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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/metrics"
	"github.com/carverauto/agentradar/pkg/models"
)

const testToken = "relay-token"

func newTestServer(t *testing.T, clock *testClock) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &ServerConfig{Token: testToken}
	require.NoError(t, cfg.Validate())

	s, err := NewServer(cfg, logger.NewTestLogger(), WithServerClock(clock.Now))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return s, ts
}

func postPush(t *testing.T, base, token string, push *models.RelayPush) *http.Response {
	t.Helper()

	body, err := json.Marshal(push)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, base+pushPath, bytes.NewReader(body))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func getJSON(t *testing.T, target string, dst interface{}) int {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}

	return resp.StatusCode
}

func mustPush(t *testing.T, base string, push *models.RelayPush) {
	t.Helper()

	resp := postPush(t, base, testToken, push)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestServer_HealthIsPublic(t *testing.T) {
	_, ts := newTestServer(t, newTestClock())

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "relay", health.InstanceID)
}

func TestServer_PushRequiresToken(t *testing.T) {
	s, ts := newTestServer(t, newTestClock())

	push := &models.RelayPush{InstanceID: "a", Hostname: "h", Snapshot: instanceSnapshot("a", "s1")}

	resp := postPush(t, ts.URL, "", push)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postPush(t, ts.URL, "wrong", push)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, s.Store().Live())
}

func TestServer_RejectsInvalidPush(t *testing.T) {
	_, ts := newTestServer(t, newTestClock())

	resp := postPush(t, ts.URL, testToken, &models.RelayPush{InstanceID: "a", Hostname: "h"})
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "bad_request", body.Code)
}

func TestServer_AcceptsSynchronizerPush(t *testing.T) {
	clock := newTestClock()
	s, ts := newTestServer(t, clock)

	syncer := newTestSynchronizer(t, ts.URL)
	require.NoError(t, syncer.Push(context.Background(), instanceSnapshot("inst-1", "s1")))

	rec, ok := s.Store().Get("inst-1")
	require.True(t, ok)
	assert.Equal(t, "laptop", rec.Hostname)
	assert.Equal(t, "http://10.0.0.5:19850", rec.AdvertiseURL)
	assert.Equal(t, 60*time.Second, rec.TTL)
	assert.Equal(t, clock.Now(), rec.PushedAt)
}

func TestServer_AggregateHonoursTTL(t *testing.T) {
	clock := newTestClock()
	_, ts := newTestServer(t, clock)

	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host1", Hostname: "host1", TTLSeconds: 60,
		Snapshot: instanceSnapshot("host1", "s1", "shared"),
	})
	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host2", Hostname: "host2", TTLSeconds: 120,
		Snapshot: instanceSnapshot("host2", "s2", "shared"),
	})

	var snap models.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+statePath, &snap))
	require.Len(t, snap.Agents, 3)

	shared, ok := snap.FindAgent("shared")
	require.True(t, ok)
	assert.Equal(t, []string{"host1", "host2"}, shared.Origins)
	assert.Contains(t, snap.ProviderHealth, "host1/claude")

	clock.Advance(61 * time.Second)

	snap = models.Snapshot{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+statePath, &snap))

	ids := make([]string, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		ids = append(ids, a.ID)
	}

	assert.Equal(t, []string{"s2", "shared"}, ids)
	assert.Equal(t, 2, snap.Stats.TotalAgents)
	assert.NotContains(t, snap.ProviderHealth, "host1/claude")

	var views []models.RelayInstanceView
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/instances", &views))
	require.Len(t, views, 1)
	assert.Equal(t, "host2", views[0].InstanceID)
	assert.InDelta(t, 61.0, views[0].HeartbeatAgeSeconds, 0.001)
}

func TestServer_ConversationUnknownAgent(t *testing.T) {
	_, ts := newTestServer(t, newTestClock())

	var body models.ErrorResponse
	status := getJSON(t, ts.URL+"/api/agents/unknown-id/conversation", &body)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "agent_not_found", body.Code)
}

func TestServer_ConversationUnreachableInstance(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	_, ts := newTestServer(t, newTestClock())

	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host1", Hostname: "host1", AdvertiseURL: deadURL,
		Snapshot: instanceSnapshot("host1", "s1"),
	})

	var body models.ErrorResponse
	status := getJSON(t, ts.URL+"/api/agents/s1/conversation", &body)

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "store_unreachable", body.Code)
}

func TestServer_ConversationWithoutAdvertiseURL(t *testing.T) {
	_, ts := newTestServer(t, newTestClock())

	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host1", Hostname: "host1", Snapshot: instanceSnapshot("host1", "s1"),
	})

	var body models.ErrorResponse
	assert.Equal(t, http.StatusBadGateway, getJSON(t, ts.URL+"/api/agents/s1/conversation", &body))
}

func TestServer_ConversationFallsBackToPushSource(t *testing.T) {
	instance := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Conversation{AgentID: "s1", Source: "claude"})
	}))
	defer instance.Close()

	u, err := url.Parse(instance.URL)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s, ts := newTestServer(t, newTestClock())

	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host1", Hostname: "host1", APIPort: port, Snapshot: instanceSnapshot("host1", "s1"),
	})

	rec, ok := s.Store().Get("host1")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:"+u.Port(), rec.AdvertiseURL)

	var conv models.Conversation
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/agents/s1/conversation", &conv))
	assert.Equal(t, "s1", conv.AgentID)
}

func TestAdvertiseURL(t *testing.T) {
	tests := []struct {
		name   string
		push   models.RelayPush
		remote string
		want   string
	}{
		{"explicit", models.RelayPush{AdvertiseURL: "http://box:1/", APIPort: 2}, "10.0.0.1:555", "http://box:1"},
		{"derived", models.RelayPush{APIPort: 19850}, "10.0.0.1:555", "http://10.0.0.1:19850"},
		{"ipv6", models.RelayPush{APIPort: 19850}, "[::1]:555", "http://[::1]:19850"},
		{"no port", models.RelayPush{}, "10.0.0.1:555", ""},
		{"bad remote", models.RelayPush{APIPort: 19850}, "garbage", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, advertiseURL(&tt.push, tt.remote))
		})
	}
}

func TestServer_ConversationProxied(t *testing.T) {
	instance := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/s1/conversation", r.URL.Path)
		assert.Equal(t, "local", r.URL.Query().Get("scope"))
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(models.Conversation{
			AgentID: "s1",
			Source:  "claude",
			Turns:   []models.ConversationTurn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		})
	}))
	defer instance.Close()

	_, ts := newTestServer(t, newTestClock())

	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host1", Hostname: "host1", AdvertiseURL: instance.URL + "/",
		Snapshot: instanceSnapshot("host1", "s1"),
	})

	var conv models.Conversation
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/agents/s1/conversation", &conv))
	assert.Equal(t, "s1", conv.AgentID)
	assert.Len(t, conv.Turns, 2)
}

func TestServer_ConversationMalformedTranscript(t *testing.T) {
	instance := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Code: "transcript_malformed", Status: 500})
	}))
	defer instance.Close()

	_, ts := newTestServer(t, newTestClock())

	mustPush(t, ts.URL, &models.RelayPush{
		InstanceID: "host1", Hostname: "host1", AdvertiseURL: instance.URL,
		Snapshot: instanceSnapshot("host1", "s1"),
	})

	var body models.ErrorResponse
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/api/agents/s1/conversation", &body))
	assert.Equal(t, "transcript_malformed", body.Code)
}

func TestServerConfigValidate(t *testing.T) {
	cfg := &ServerConfig{}
	require.ErrorIs(t, cfg.Validate(), ErrMissingToken)

	cfg = &ServerConfig{Token: "t"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":19851", cfg.ListenAddr)
	assert.Equal(t, models.Duration(60*time.Second), cfg.DefaultTTL)
	assert.Equal(t, models.Duration(10*time.Second), cfg.ProxyTimeout)
	assert.Equal(t, "t", cfg.InstanceToken)
}

func TestServer_MetricsTrackInstances(t *testing.T) {
	clock := newTestClock()
	m := metrics.New()

	cfg := &ServerConfig{Token: testToken}
	require.NoError(t, cfg.Validate())

	s, err := NewServer(cfg, logger.NewTestLogger(), WithServerClock(clock.Now), WithMetrics(m))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	mustPush(t, ts.URL, &models.RelayPush{InstanceID: "host1", Hostname: "host1", Snapshot: instanceSnapshot("host1", "s1")})
	mustPush(t, ts.URL, &models.RelayPush{InstanceID: "host2", Hostname: "host2", TTLSeconds: 120, Snapshot: instanceSnapshot("host2", "s2")})

	assert.InDelta(t, 2, testutil.ToFloat64(m.RelayInstances), 0)

	clock.Advance(61 * time.Second)
	s.Aggregate()

	assert.InDelta(t, 1, testutil.ToFloat64(m.RelayInstances), 0)
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/metrics", nil))
}
