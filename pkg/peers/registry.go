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

// Package peers discovers sibling instances on the same host and fetches their
// local snapshots.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const (
	loopbackHost     = "127.0.0.1"
	staticPeerPrefix = "port:"
)

// Self identifies this instance in the registry.
type Self struct {
	InstanceID string
	APIPort    int
}

// Registry owns the PeerInstance view and is the only writer of this instance's entry.
type Registry struct {
	self         Self
	store        Store
	client       *http.Client
	token        string
	ttl          time.Duration
	fetchTimeout time.Duration
	staticPorts  []int
	now          func() time.Time
	logger       logger.Logger

	mu    sync.RWMutex
	peers []models.PeerInstance
}

// Option configures a Registry.
type Option func(*Registry)

// WithToken sets the bearer token sent to peers.
func WithToken(token string) Option {
	return func(r *Registry) { r.token = token }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHTTPClient overrides the client used for peer fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// NewRegistry expects a validated cfg.
func NewRegistry(cfg *Config, self Self, store Store, log logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		self:         self,
		store:        store,
		client:       &http.Client{},
		ttl:          cfg.TTL.OrDefault(defaultTTL),
		fetchTimeout: cfg.FetchTimeout.OrDefault(defaultFetchTimeout),
		staticPorts:  append([]int(nil), cfg.Ports...),
		now:          time.Now,
		logger:       log,
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Heartbeat writes this instance's entry.
func (r *Registry) Heartbeat(ctx context.Context, agentCount int) error {
	return r.store.Put(ctx, models.PeerInstance{
		InstanceID:  r.self.InstanceID,
		Host:        loopbackHost,
		APIPort:     r.self.APIPort,
		HeartbeatAt: r.now(),
		AgentCount:  agentCount,
	})
}

// Live returns every fresh entry other than self, pruning stale ones from the store.
// Static ports are appended unless a registered peer already serves that port.
func (r *Registry) Live(ctx context.Context) ([]models.PeerInstance, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	live := make([]models.PeerInstance, 0, len(entries)+len(r.staticPorts))
	ports := map[int]bool{r.self.APIPort: true}

	for _, e := range entries {
		if e.InstanceID == r.self.InstanceID {
			continue
		}

		if now.Sub(e.HeartbeatAt) > r.ttl {
			r.logger.Info().
				Str("peer_id", e.InstanceID).
				Time("heartbeat_at", e.HeartbeatAt).
				Msg("Pruning stale peer")

			if err := r.store.Delete(ctx, e.InstanceID); err != nil {
				r.logger.Warn().Err(err).Str("peer_id", e.InstanceID).Msg("Failed to prune peer")
			}

			continue
		}

		ports[e.APIPort] = true
		live = append(live, e)
	}

	for _, p := range r.staticPorts {
		if ports[p] {
			continue
		}

		ports[p] = true
		live = append(live, models.PeerInstance{
			InstanceID:  staticPeerPrefix + strconv.Itoa(p),
			Host:        loopbackHost,
			APIPort:     p,
			HeartbeatAt: now,
			Static:      true,
		})
	}

	sort.Slice(live, func(i, j int) bool { return live[i].InstanceID < live[j].InstanceID })

	return live, nil
}

// Sync refreshes the heartbeat, then fetches every live peer's local snapshot
// concurrently. Peers that fail to answer stay registered and contribute nothing.
func (r *Registry) Sync(ctx context.Context, agentCount int) []*models.Snapshot {
	if err := r.Heartbeat(ctx, agentCount); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to write peer heartbeat")
	}

	live, err := r.Live(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read peer registry")

		r.mu.Lock()
		r.peers = nil
		r.mu.Unlock()

		return nil
	}

	snaps := make([]*models.Snapshot, len(live))

	var g errgroup.Group
	g.SetLimit(defaultFetchLimit)

	for i := range live {
		g.Go(func() error {
			peer := &live[i]

			snap, err := r.fetchSnapshot(ctx, peer)
			peer.LastFetchAt = r.now()

			if err != nil {
				peer.LastError = err.Error()

				r.logger.Debug().Err(err).Str("peer_id", peer.InstanceID).Msg("Peer fetch failed")

				return nil
			}

			if snap.InstanceID == r.self.InstanceID {
				// A static port that points back at this instance.
				return nil
			}

			if snap.InstanceID != "" {
				peer.InstanceID = snap.InstanceID
			}

			peer.AgentCount = len(snap.Agents)
			snaps[i] = snap

			return nil
		})
	}

	_ = g.Wait()

	out := make([]*models.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s != nil {
			out = append(out, s)
		}
	}

	r.mu.Lock()
	r.peers = live
	r.mu.Unlock()

	return out
}

// Peers returns the view recorded by the last Sync.
func (r *Registry) Peers() []models.PeerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]models.PeerInstance(nil), r.peers...)
}

// Deregister removes this instance's entry.
func (r *Registry) Deregister(ctx context.Context) error {
	return r.store.Delete(ctx, r.self.InstanceID)
}

// Close releases the store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) baseURL(peer *models.PeerInstance) string {
	host := peer.Host
	if host == "" {
		host = loopbackHost
	}

	return "http://" + host + ":" + strconv.Itoa(peer.APIPort)
}

func (r *Registry) fetchSnapshot(ctx context.Context, peer *models.PeerInstance) (*models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	resp, err := r.get(ctx, r.baseURL(peer)+"/api/state?scope=local")
	if err != nil {
		return nil, &models.SourceError{Source: "peer:" + peer.InstanceID, Timeout: ctx.Err() != nil, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &models.SourceError{
			Source: "peer:" + peer.InstanceID,
			Err:    fmt.Errorf("%w: status %d", errUnexpectedStatus, resp.StatusCode),
		}
	}

	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &models.SourceError{Source: "peer:" + peer.InstanceID, Err: err}
	}

	for i := range snap.Agents {
		if len(snap.Agents[i].Origins) == 0 && snap.InstanceID != "" {
			snap.Agents[i].Origins = []string{snap.InstanceID}
		}
	}

	return &snap, nil
}

// FetchConversation asks the peer that owns instanceID for an agent's transcript.
// The request is scoped local so the peer never proxies it onward.
func (r *Registry) FetchConversation(ctx context.Context, instanceID, agentID string) (*models.Conversation, error) {
	var target *models.PeerInstance

	for _, p := range r.Peers() {
		if p.InstanceID == instanceID {
			target = &p
			break
		}
	}

	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, instanceID)
	}

	resp, err := r.get(ctx, r.baseURL(target)+"/api/agents/"+url.PathEscape(agentID)+"/conversation?scope=local")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnreachable, &models.TransportError{Op: "peer conversation", Err: err})
	}
	defer func() { _ = resp.Body.Close() }()

	return DecodeConversation(resp)
}

func (r *Registry) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	req.Header.Set("Accept", "application/json")

	return r.client.Do(req)
}

// DecodeConversation maps a conversation endpoint response back onto the lookup sentinels.
func DecodeConversation(resp *http.Response) (*models.Conversation, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		var conv models.Conversation
		if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrTranscriptMalformed, err)
		}

		return &conv, nil
	case http.StatusNotFound:
		return nil, models.ErrAgentNotFound
	case http.StatusInternalServerError:
		var body models.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Code == "transcript_malformed" {
			return nil, models.ErrTranscriptMalformed
		}

		fallthrough
	default:
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnreachable,
			&models.TransportError{Op: "conversation", StatusCode: resp.StatusCode, Err: errUnexpectedStatus})
	}
}
