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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"

	"github.com/carverauto/agentradar/pkg/canon"
	arHttp "github.com/carverauto/agentradar/pkg/http"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/metrics"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/peers"
	"github.com/carverauto/agentradar/pkg/version"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// PushResponse acknowledges an accepted push.
type PushResponse struct {
	InstanceID string    `json:"instanceId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Server stores instance pushes and serves the merged view.
type Server struct {
	config    *ServerConfig
	store     *InstanceStore
	validator *PushValidator
	canon     *canon.Canonicalizer
	client    *http.Client
	router    *mux.Router
	metrics   *metrics.Metrics
	now       func() time.Time
	startTime time.Time
	logger    logger.Logger

	mu  sync.Mutex
	srv *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerClock overrides time.Now for TTL and heartbeat age.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithProxyClient overrides the client used for conversation proxying.
func WithProxyClient(c *http.Client) ServerOption {
	return func(s *Server) { s.client = c }
}

// WithMetrics mounts /metrics and tracks the live instance count.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer expects a validated cfg.
func NewServer(cfg *ServerConfig, log logger.Logger, opts ...ServerOption) (*Server, error) {
	validator, err := NewPushValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		validator: validator,
		client:    &http.Client{Timeout: cfg.ProxyTimeout.OrDefault(defaultProxyTimeout)},
		router:    mux.NewRouter(),
		now:       time.Now,
		logger:    log,
	}

	for _, o := range opts {
		o(s)
	}

	s.store = NewInstanceStore(s.now)
	s.canon = canon.New(cfg.InstanceID, log)
	s.startTime = s.now()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(arHttp.APIKeyMiddlewareWithOptions(arHttp.APIKeyOptions{
		APIKey:          s.config.Token,
		ExcludePaths:    []string{"/api/health"},
		LogUnauthorized: true,
		Logger:          s.logger,
	}))

	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(pushPath, s.handlePush).Methods(http.MethodPost)
	s.router.HandleFunc(statePath, s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/api/instances", s.handleInstances).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agents/{id}/conversation", s.handleConversation).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	return arHttp.CommonMiddleware(s.router, s.config.CORS, s.logger)
}

// Store exposes the instance store.
func (s *Server) Store() *InstanceStore {
	return s.store
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Relay server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := s.now().Sub(s.startTime)

	arHttp.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Version:    version.GetVersion(),
		InstanceID: s.config.InstanceID,
		Uptime:     uptime.Round(time.Second).String(),
		UptimeSecs: uptime.Seconds(),
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrPushTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}

		arHttp.WriteError(w, status, arHttp.CodeBadRequest, err.Error())

		return
	}

	if err := s.validator.Validate(body); err != nil {
		arHttp.WriteError(w, http.StatusBadRequest, arHttp.CodeBadRequest, err.Error())
		return
	}

	var push models.RelayPush
	if err := json.Unmarshal(body, &push); err != nil {
		arHttp.WriteError(w, http.StatusBadRequest, arHttp.CodeBadRequest, err.Error())
		return
	}

	ttl := s.config.DefaultTTL.OrDefault(defaultTTL)
	if push.TTLSeconds > 0 {
		ttl = time.Duration(push.TTLSeconds) * time.Second
	}

	rec := &models.RelayInstanceRecord{
		InstanceID:   push.InstanceID,
		Hostname:     push.Hostname,
		Workspace:    push.Workspace,
		AdvertiseURL: advertiseURL(&push, r.RemoteAddr),
		Snapshot:     push.Snapshot,
		PushedAt:     s.now(),
		TTL:          ttl,
	}

	s.store.Put(rec)
	s.observeInstances(len(s.store.Live()))

	s.logger.Debug().
		Str("instance_id", rec.InstanceID).
		Str("hostname", rec.Hostname).
		Int("agents", len(rec.Snapshot.Agents)).
		Msg("Accepted relay push")

	arHttp.WriteJSON(w, http.StatusAccepted, PushResponse{InstanceID: rec.InstanceID, ExpiresAt: rec.ExpiresAt()})
}

// advertiseURL falls back to the push source address and the pushed API port.
func advertiseURL(push *models.RelayPush, remoteAddr string) string {
	if push.AdvertiseURL != "" {
		return strings.TrimRight(push.AdvertiseURL, "/")
	}

	if push.APIPort <= 0 {
		return ""
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return ""
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(push.APIPort))
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limit := s.config.MaxPushBytes
	if limit <= 0 {
		limit = defaultMaxPushBytes
	}

	var src io.Reader = r.Body

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPush, err)
		}
		defer func() { _ = zr.Close() }()

		src = zr
	}

	body, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPush, err)
	}

	if int64(len(body)) > limit {
		return nil, ErrPushTooLarge
	}

	return body, nil
}

// Aggregate merges every live instance's snapshot.
func (s *Server) Aggregate() *models.Snapshot {
	live := s.store.Live()
	s.observeInstances(len(live))

	health := make(map[string]models.ProviderHealth)
	parts := make([]*models.Snapshot, 0, len(live))

	for _, rec := range live {
		if rec.Snapshot == nil {
			continue
		}

		parts = append(parts, withOrigin(rec.Snapshot, rec.InstanceID))

		for name, h := range rec.Snapshot.ProviderHealth {
			health[rec.InstanceID+"/"+name] = h
		}
	}

	return s.canon.MergeSnapshots(canon.Header{
		InstanceID:     s.config.InstanceID,
		GeneratedAt:    s.now(),
		ProviderHealth: health,
	}, parts...)
}

// withOrigin tags agents that arrived without an origin. The stored snapshot is left untouched.
func withOrigin(snap *models.Snapshot, instanceID string) *models.Snapshot {
	missing := false

	for i := range snap.Agents {
		if len(snap.Agents[i].Origins) == 0 {
			missing = true
			break
		}
	}

	if !missing {
		return snap
	}

	cp := *snap
	cp.Agents = make([]models.Agent, len(snap.Agents))

	for i, a := range snap.Agents {
		if len(a.Origins) == 0 {
			a.Origins = []string{instanceID}
		}

		cp.Agents[i] = a
	}

	return &cp
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	arHttp.WriteJSON(w, http.StatusOK, s.Aggregate())
}

func (s *Server) observeInstances(n int) {
	if s.metrics != nil {
		s.metrics.RelayInstances.Set(float64(n))
	}
}

func (s *Server) handleInstances(w http.ResponseWriter, _ *http.Request) {
	arHttp.WriteJSON(w, http.StatusOK, s.store.Views())
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	conv, err := s.proxyConversation(r.Context(), agentID)
	if err != nil {
		s.logger.Debug().Err(err).Str("agent_id", agentID).Msg("Conversation proxy failed")
		arHttp.WriteConversationError(w, err)

		return
	}

	arHttp.WriteJSON(w, http.StatusOK, conv)
}

// proxyConversation forwards the lookup to the instances that reported the agent,
// preferring its recorded origins.
func (s *Server) proxyConversation(ctx context.Context, agentID string) (*models.Conversation, error) {
	agent, ok := s.Aggregate().FindAgent(agentID)
	if !ok {
		return nil, models.ErrAgentNotFound
	}

	owners := s.owners(agent)
	if len(owners) == 0 {
		return nil, fmt.Errorf("%w: no reachable instance for %s", models.ErrStoreUnreachable, agentID)
	}

	var lastErr error

	for _, rec := range owners {
		conv, err := s.fetchConversation(ctx, rec, agentID)
		if err == nil {
			return conv, nil
		}

		lastErr = err

		if errors.Is(err, models.ErrTranscriptMalformed) {
			return nil, err
		}
	}

	if errors.Is(lastErr, models.ErrAgentNotFound) {
		return nil, fmt.Errorf("%w: owning instance no longer reports %s", models.ErrStoreUnreachable, agentID)
	}

	return nil, lastErr
}

func (s *Server) owners(agent models.Agent) []*models.RelayInstanceRecord {
	seen := make(map[string]bool)

	var out []*models.RelayInstanceRecord

	add := func(rec *models.RelayInstanceRecord) {
		if rec == nil || rec.AdvertiseURL == "" || seen[rec.InstanceID] {
			return
		}

		seen[rec.InstanceID] = true
		out = append(out, rec)
	}

	origins := append([]string(nil), agent.Origins...)
	sort.Strings(origins)

	for _, id := range origins {
		if rec, ok := s.store.Get(id); ok {
			add(rec)
		}
	}

	for _, rec := range s.store.Live() {
		if _, ok := rec.Snapshot.FindAgent(agent.ID); ok {
			add(rec)
		}
	}

	return out
}

func (s *Server) fetchConversation(ctx context.Context, rec *models.RelayInstanceRecord, agentID string) (*models.Conversation, error) {
	target := rec.AdvertiseURL + "/api/agents/" + url.PathEscape(agentID) + "/conversation?scope=local"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if s.config.InstanceToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.InstanceToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnreachable,
			&models.TransportError{Op: "relay conversation proxy", Err: err})
	}
	defer func() { _ = resp.Body.Close() }()

	return peers.DecodeConversation(resp)
}
