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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	arHttp "github.com/carverauto/agentradar/pkg/http"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamReadLimit  = 512
)

// StreamMessage is one frame on /api/stream.
type StreamMessage struct {
	Type      string           `json:"type"` // "snapshot"
	Snapshot  *models.Snapshot `json:"snapshot,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type streamClient struct {
	// send holds at most the newest undelivered snapshot.
	send chan *models.Snapshot
}

type hub struct {
	logger logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  chan struct{}
	once    sync.Once
}

func newHub(log logger.Logger) *hub {
	return &hub{
		logger:  log,
		clients: make(map[*streamClient]struct{}),
		closed:  make(chan struct{}),
	}
}

func (h *hub) register() *streamClient {
	c := &streamClient{send: make(chan *models.Snapshot, 1)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	return c
}

func (h *hub) unregister(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

func (h *hub) broadcast(snap *models.Snapshot) {
	if snap == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		offer(c.send, snap)
	}
}

func (h *hub) close() {
	h.once.Do(func() { close(h.closed) })
}

// offer replaces whatever is queued in ch with snap.
func offer(ch chan *models.Snapshot, snap *models.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || arHttp.OriginAllowed(origin, s.config.CORS.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade stream connection")
		return
	}

	defer func() { _ = conn.Close() }()

	client := s.hub.register()
	defer s.hub.unregister(client)

	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Int("clients", s.hub.count()).Msg("Stream client connected")

	if snap := s.backend.Current(); snap != nil {
		offer(client.send, snap)
	}

	readDone := make(chan struct{})

	go readPump(conn, readDone)

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.hub.closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(streamWriteWait))

			return
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		case snap := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))

			if err := conn.WriteJSON(StreamMessage{Type: "snapshot", Snapshot: snap, Timestamp: s.now()}); err != nil {
				s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
