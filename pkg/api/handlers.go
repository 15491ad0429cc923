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
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	arHttp "github.com/carverauto/agentradar/pkg/http"
	"github.com/carverauto/agentradar/pkg/models"
	"github.com/carverauto/agentradar/pkg/version"
)

const (
	scopeLocal = "local"
	scopeAll   = "all"

	defaultAlertLimit = 50
	maxAlertLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := s.now().Sub(s.startTime)

	arHttp.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Version:    version.GetVersion(),
		InstanceID: s.config.InstanceID,
		Uptime:     uptime.Round(time.Second).String(),
		UptimeSecs: uptime.Seconds(),
	})
}

// snapshot picks the local or merged snapshot from the scope query parameter.
func (s *Server) snapshot(r *http.Request) (*models.Snapshot, error) {
	var snap *models.Snapshot

	switch scope := r.URL.Query().Get("scope"); scope {
	case scopeLocal:
		snap = s.backend.Local()
	case "", scopeAll:
		snap = s.backend.Current()
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}

	if snap == nil {
		snap = models.NewEmptySnapshot(s.config.InstanceID, s.startTime)
	}

	return snap, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		arHttp.WriteError(w, http.StatusBadRequest, arHttp.CodeBadRequest, err.Error())
		return
	}

	arHttp.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r)
	if err != nil {
		arHttp.WriteError(w, http.StatusBadRequest, arHttp.CodeBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]

	agent, ok := snap.FindAgent(id)
	if !ok {
		arHttp.WriteError(w, http.StatusNotFound, arHttp.CodeAgentNotFound, fmt.Sprintf("%s: %s", models.ErrAgentNotFound, id))
		return
	}

	arHttp.WriteJSON(w, http.StatusOK, agent)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	localOnly := r.URL.Query().Get("scope") == scopeLocal

	conv, err := s.backend.Conversation(r.Context(), id, localOnly)
	if err == nil && conv == nil {
		err = fmt.Errorf("%w: %s", models.ErrAgentNotFound, id)
	}

	if err != nil {
		s.logger.Debug().Err(err).Str("agent_id", id).Bool("local_only", localOnly).Msg("Conversation lookup failed")
		arHttp.WriteConversationError(w, err)

		return
	}

	arHttp.WriteJSON(w, http.StatusOK, conv)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	out := []models.ProviderHealth{}

	if snap := s.backend.Current(); snap != nil {
		for name, h := range snap.ProviderHealth {
			if h.Name == "" {
				h.Name = name
			}

			out = append(out, h)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	arHttp.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	out := []models.PeerInstance{}

	if snap := s.backend.Current(); snap != nil {
		out = append(out, snap.Peers...)
	}

	arHttp.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			arHttp.WriteError(w, http.StatusBadRequest, arHttp.CodeBadRequest, "limit must be a positive integer")
			return
		}

		limit = min(n, maxAlertLimit)
	}

	events := s.backend.RecentAlerts(limit)
	if events == nil {
		events = []models.AlertEvent{}
	}

	arHttp.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleRelayState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.RelayState(r.Context())

	switch {
	case errors.Is(err, ErrRelayDisabled):
		arHttp.WriteError(w, http.StatusServiceUnavailable, arHttp.CodeUnavailable, err.Error())
	case err != nil:
		arHttp.WriteError(w, http.StatusBadGateway, arHttp.CodeUnavailable, err.Error())
	default:
		arHttp.WriteJSON(w, http.StatusOK, snap)
	}
}
