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

// Package api serves the published snapshot, on-demand conversations and a
// websocket feed of every new snapshot.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	arHttp "github.com/carverauto/agentradar/pkg/http"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const (
	defaultListenAddr   = ":19850"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Config is assembled by the engine from its own config.
type Config struct {
	ListenAddr string
	APIToken   string
	InstanceID string
	CORS       models.CORSConfig
}

// Server is the local REST API.
type Server struct {
	config    Config
	backend   Backend
	router    *mux.Router
	hub       *hub
	metrics   http.Handler
	now       func() time.Time
	startTime time.Time
	logger    logger.Logger

	mu  sync.Mutex
	srv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides time.Now for uptime.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer builds the routes; call Start to listen.
func NewServer(cfg Config, backend Backend, log logger.Logger, opts ...Option) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}

	s := &Server{
		config:  cfg,
		backend: backend,
		router:  mux.NewRouter(),
		now:     time.Now,
		logger:  log,
	}

	for _, o := range opts {
		o(s)
	}

	s.hub = newHub(log)
	s.startTime = s.now()
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(arHttp.APIKeyMiddlewareWithOptions(arHttp.APIKeyOptions{
		APIKey:          s.config.APIToken,
		ExcludePaths:    []string{"/api/health"},
		LogUnauthorized: true,
		Logger:          s.logger,
	}))

	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agents/{id}", s.handleAgent).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agents/{id}/conversation", s.handleConversation).Methods(http.MethodGet)
	s.router.HandleFunc("/api/providers", s.handleProviders).Methods(http.MethodGet)
	s.router.HandleFunc("/api/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/api/alerts", s.handleAlerts).Methods(http.MethodGet)
	s.router.HandleFunc("/api/relay/state", s.handleRelayState).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stream", s.handleStream).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	return arHttp.CommonMiddleware(s.router, s.config.CORS, s.logger)
}

// Broadcast sends snap to every connected stream client. Slow clients only
// ever receive the newest snapshot.
func (s *Server) Broadcast(snap *models.Snapshot) {
	s.hub.broadcast(snap)
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

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("API server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop disconnects stream clients and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.close()

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}
