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
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

type peerServer struct {
	*httptest.Server
	port int
}

func newPeerServer(t *testing.T, instanceID, token string) *peerServer {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if r.URL.Query().Get("scope") != "local" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		snap := models.NewEmptySnapshot(instanceID, time.Now())
		snap.Agents = []models.Agent{{ID: "s-" + instanceID, SessionID: "s-" + instanceID, Sources: []string{"claude"}}}

		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/api/agents/known/conversation", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Conversation{AgentID: "known", Turns: []models.ConversationTurn{{Role: "user", Content: "hi"}}})
	})
	mux.HandleFunc("/api/agents/broken/conversation", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Code: "transcript_malformed", Status: http.StatusInternalServerError})
	})
	mux.HandleFunc("/api/agents/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &peerServer{Server: srv, port: port}
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestRegistry(t *testing.T, cfg Config, self Self, clock *testClock) (*Registry, *FileStore) {
	t.Helper()

	cfg.RegistryDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	store, err := NewFileStore(cfg.RegistryDir, logger.NewTestLogger())
	require.NoError(t, err)

	return NewRegistry(&cfg, self, store, logger.NewTestLogger(), WithToken("secret"), WithClock(clock.Now)), store
}

func TestLiveExcludesSelfAndPrunesStale(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	r, store := newTestRegistry(t, Config{}, Self{InstanceID: "me", APIPort: 19850}, clock)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, 0))
	require.NoError(t, store.Put(ctx, models.PeerInstance{InstanceID: "fresh", APIPort: 19852, HeartbeatAt: clock.now.Add(-10 * time.Second)}))
	require.NoError(t, store.Put(ctx, models.PeerInstance{InstanceID: "stale", APIPort: 19853, HeartbeatAt: clock.now.Add(-31 * time.Second)}))

	live, err := r.Live(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].InstanceID)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "stale entry was pruned from the store")

	clock.now = clock.now.Add(25 * time.Second)

	live, err = r.Live(ctx)
	require.NoError(t, err)
	assert.Empty(t, live, "heartbeat older than the ttl drops the peer")
}

func TestSyncFetchesPeersAndToleratesFailures(t *testing.T) {
	clock := &testClock{now: time.Now()}
	peer := newPeerServer(t, "peer-b", "secret")
	r, store := newTestRegistry(t, Config{}, Self{InstanceID: "me", APIPort: 1}, clock)
	ctx := context.Background()

	dead := newPeerServer(t, "peer-dead", "secret")
	dead.Close()

	require.NoError(t, store.Put(ctx, models.PeerInstance{InstanceID: "peer-b", Host: "127.0.0.1", APIPort: peer.port, HeartbeatAt: clock.now}))
	require.NoError(t, store.Put(ctx, models.PeerInstance{InstanceID: "peer-dead", Host: "127.0.0.1", APIPort: dead.port, HeartbeatAt: clock.now}))

	snaps := r.Sync(ctx, 2)
	require.Len(t, snaps, 1)
	assert.Equal(t, "peer-b", snaps[0].InstanceID)
	assert.Equal(t, []string{"peer-b"}, snaps[0].Agents[0].Origins)

	peers := r.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, 1, peers[0].AgentCount)
	assert.Empty(t, peers[0].LastError)
	assert.Equal(t, "peer-dead", peers[1].InstanceID)
	assert.NotEmpty(t, peers[1].LastError, "unreachable peers stay registered")

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "self heartbeat plus both peers")
}

func TestSyncStaticPortsTakeFetchedInstanceID(t *testing.T) {
	peer := newPeerServer(t, "peer-static", "secret")
	self := newPeerServer(t, "me", "secret")

	r, _ := newTestRegistry(t, Config{Ports: []int{peer.port, self.port}}, Self{InstanceID: "me", APIPort: 1}, &testClock{now: time.Now()})

	snaps := r.Sync(context.Background(), 0)
	require.Len(t, snaps, 1, "a static port pointing at this instance is ignored")
	assert.Equal(t, "peer-static", snaps[0].InstanceID)

	var ids []string
	for _, p := range r.Peers() {
		ids = append(ids, p.InstanceID)
		assert.True(t, p.Static)
	}

	assert.Contains(t, ids, "peer-static")
}

func TestFetchConversation(t *testing.T) {
	clock := &testClock{now: time.Now()}
	peer := newPeerServer(t, "peer-b", "secret")
	r, store := newTestRegistry(t, Config{}, Self{InstanceID: "me", APIPort: 1}, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, models.PeerInstance{InstanceID: "peer-b", Host: "127.0.0.1", APIPort: peer.port, HeartbeatAt: clock.now}))
	r.Sync(ctx, 0)

	conv, err := r.FetchConversation(ctx, "peer-b", "known")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)

	_, err = r.FetchConversation(ctx, "peer-b", "missing")
	require.ErrorIs(t, err, models.ErrAgentNotFound)

	_, err = r.FetchConversation(ctx, "peer-b", "broken")
	require.ErrorIs(t, err, models.ErrTranscriptMalformed)

	_, err = r.FetchConversation(ctx, "nobody", "known")
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Equal(t, models.Duration(30*time.Second), cfg.TTL)
	assert.Equal(t, models.Duration(time.Second), cfg.FetchTimeout)

	cfg = Config{Store: StoreNATS}
	require.ErrorIs(t, cfg.Validate(), ErrMissingNATSURL)

	cfg = Config{Ports: []int{70000}}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidPort)

	cfg = Config{Store: "etcd"}
	require.ErrorIs(t, cfg.Validate(), ErrUnknownStore)
}
