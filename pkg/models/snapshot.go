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

package models

import (
	"sort"
	"time"
)

// Stats are derived aggregates recomputed for every snapshot.
type Stats struct {
	TotalAgents            int                 `json:"totalAgents"`
	ByStatus               map[AgentStatus]int `json:"byStatus"`
	Tokens                 TokenUsage          `json:"tokens"`
	TotalTokens            int64               `json:"totalTokens"`
	TotalEstimatedCost     float64             `json:"totalEstimatedCost"`
	AvgCompletedDurationMs int64               `json:"avgCompletedDurationMs"`
}

// Snapshot is the immutable aggregate published at the end of a cycle.
// Once published it must not be mutated; build a new one instead.
type Snapshot struct {
	InstanceID     string                    `json:"instanceId"`
	GeneratedAt    time.Time                 `json:"generatedAt"`
	Agents         []Agent                   `json:"agents"`
	Activities     []Activity                `json:"activities"`
	Stats          Stats                     `json:"stats"`
	ProviderHealth map[string]ProviderHealth `json:"providerHealth"`
	Peers          []PeerInstance            `json:"peers,omitempty"`
}

// NewEmptySnapshot is the snapshot served before the first cycle completes.
func NewEmptySnapshot(instanceID string, at time.Time) *Snapshot {
	return &Snapshot{
		InstanceID:     instanceID,
		GeneratedAt:    at,
		Agents:         []Agent{},
		Activities:     []Activity{},
		Stats:          Stats{ByStatus: map[AgentStatus]int{}},
		ProviderHealth: map[string]ProviderHealth{},
	}
}

// FindAgent looks up an agent by canonical id. Agents are sorted by id.
func (s *Snapshot) FindAgent(id string) (Agent, bool) {
	if s == nil {
		return Agent{}, false
	}

	i := sort.Search(len(s.Agents), func(i int) bool { return s.Agents[i].ID >= id })
	if i < len(s.Agents) && s.Agents[i].ID == id {
		return s.Agents[i], true
	}

	return Agent{}, false
}

// PeerInstance describes a sibling engine on the same host.
type PeerInstance struct {
	InstanceID  string    `json:"instanceId"`
	Host        string    `json:"host"`
	APIPort     int       `json:"apiPort"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
	AgentCount  int       `json:"agentCount"`
	Static      bool      `json:"static,omitempty"`
	LastFetchAt time.Time `json:"lastFetchAt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}
