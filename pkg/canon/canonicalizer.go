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

// Package canon turns raw provider records and peer snapshots into a single
// deduplicated Snapshot.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// DefaultActivityWindow is how many activities a snapshot retains.
const DefaultActivityWindow = 200

// ConflictHandler observes merge conflicts after they have been resolved.
type ConflictHandler func(conflict *models.MergeConflict)

// Header carries the snapshot fields that do not come from agents.
type Header struct {
	InstanceID     string
	GeneratedAt    time.Time
	ProviderHealth map[string]models.ProviderHealth
	Peers          []models.PeerInstance
}

// Canonicalizer is stateless between calls; every Merge builds a new snapshot from scratch.
type Canonicalizer struct {
	instanceID     string
	activityWindow int
	onConflict     ConflictHandler
	logger         logger.Logger
}

// Option configures a Canonicalizer.
type Option func(*Canonicalizer)

// WithActivityWindow bounds the activities kept per snapshot.
func WithActivityWindow(n int) Option {
	return func(c *Canonicalizer) {
		if n > 0 {
			c.activityWindow = n
		}
	}
}

// WithConflictHandler registers a callback for resolved merge conflicts.
func WithConflictHandler(h ConflictHandler) Option {
	return func(c *Canonicalizer) {
		c.onConflict = h
	}
}

// New returns a canonicalizer that tags local records with instanceID.
func New(instanceID string, log logger.Logger, opts ...Option) *Canonicalizer {
	c := &Canonicalizer{
		instanceID:     instanceID,
		activityWindow: DefaultActivityWindow,
		logger:         log,
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// candidate is one input to grouping: a raw record or an agent from another snapshot.
type candidate struct {
	agent      models.Agent
	activities []models.Activity
	provider   string
	sourcePath string
	// foreign candidates already carry a canonical id that survives when no
	// stronger key applies.
	foreign bool
	digest  string
}

// Merge canonicalizes one poll cycle. The result depends only on batch and the
// instance id, so merging the same batch twice yields identical snapshots.
func (c *Canonicalizer) Merge(batch *models.RawBatch) *models.Snapshot {
	cands := make([]*candidate, 0, len(batch.Records))

	for i := range batch.Records {
		cands = append(cands, c.fromRecord(&batch.Records[i]))
	}

	return c.build(Header{
		InstanceID:     c.instanceID,
		GeneratedAt:    batch.CollectedAt,
		ProviderHealth: batch.Health,
	}, cands)
}

// MergeSnapshots unions the agents of several snapshots with the same dedup rules
// used for raw records. Activities follow their agents to the merged ids.
func (c *Canonicalizer) MergeSnapshots(header Header, parts ...*models.Snapshot) *models.Snapshot {
	var cands []*candidate

	for _, part := range parts {
		if part == nil {
			continue
		}

		byAgent := make(map[string][]models.Activity)
		for _, act := range part.Activities {
			byAgent[act.AgentID] = append(byAgent[act.AgentID], act)
		}

		for i := range part.Agents {
			cands = append(cands, fromAgent(&part.Agents[i], byAgent[part.Agents[i].ID]))
		}
	}

	return c.build(header, cands)
}

// MergeAgents collapses agents that share a dedup key. Ids, origins and
// providers follow the same rules as MergeSnapshots.
func (c *Canonicalizer) MergeAgents(agents []models.Agent) []models.Agent {
	return c.MergeSnapshots(Header{InstanceID: c.instanceID}, &models.Snapshot{Agents: agents}).Agents
}

func (c *Canonicalizer) fromRecord(r *models.RawRecord) *candidate {
	a := models.Agent{
		Name:           r.Name,
		SessionID:      r.SessionID,
		Sources:        []string{r.Provider},
		Status:         r.Status,
		Model:          r.Model,
		Tokens:         r.Tokens,
		EstimatedCost:  r.EstimatedCost,
		ActiveTools:    append([]models.ToolCall(nil), r.ActiveTools...),
		TouchedFiles:   sortedUnion(nil, r.TouchedFiles),
		PID:            r.PID,
		Host:           r.Host,
		Workspace:      r.Workspace,
		LastActivityAt: r.ObservedAt,
		FirstSeenAt:    r.StartedAt,
	}

	if a.FirstSeenAt.IsZero() {
		a.FirstSeenAt = r.ObservedAt
	}

	if c.instanceID != "" {
		a.Origins = []string{c.instanceID}
	}

	if r.SourcePath != "" {
		a.Transcripts = map[string]string{r.Provider: r.SourcePath}
	}

	acts := make([]models.Activity, len(r.Activities))
	for i, act := range r.Activities {
		if act.Source == "" {
			act.Source = r.Provider
		}

		acts[i] = act
	}

	return newCandidate(a, acts, r.Provider, r.SourcePath, false)
}

func fromAgent(a *models.Agent, acts []models.Activity) *candidate {
	provider := ""
	if len(a.Sources) > 0 {
		provider = a.Sources[0]
	}

	cp := *a
	cp.Sources = append([]string(nil), a.Sources...)
	cp.Origins = append([]string(nil), a.Origins...)
	cp.ActiveTools = append([]models.ToolCall(nil), a.ActiveTools...)
	cp.TouchedFiles = append([]string(nil), a.TouchedFiles...)

	if a.Transcripts != nil {
		cp.Transcripts = make(map[string]string, len(a.Transcripts))
		for k, v := range a.Transcripts {
			cp.Transcripts[k] = v
		}
	}

	return newCandidate(cp, append([]models.Activity(nil), acts...), provider, "", true)
}

func newCandidate(a models.Agent, acts []models.Activity, provider, path string, foreign bool) *candidate {
	cand := &candidate{agent: a, activities: acts, provider: provider, sourcePath: path, foreign: foreign}

	payload, _ := json.Marshal(struct {
		Agent      models.Agent      `json:"agent"`
		Activities []models.Activity `json:"activities"`
		Provider   string            `json:"provider"`
		Path       string            `json:"path"`
	}{a, acts, provider, path})

	sum := sha256.Sum256(payload)
	cand.digest = hex.EncodeToString(sum[:])

	return cand
}

func (c *Canonicalizer) build(header Header, cands []*candidate) *models.Snapshot {
	groups := groupCandidates(cands)

	snap := &models.Snapshot{
		InstanceID:     header.InstanceID,
		GeneratedAt:    header.GeneratedAt,
		Agents:         make([]models.Agent, 0, len(groups)),
		ProviderHealth: make(map[string]models.ProviderHealth, len(header.ProviderHealth)),
		Peers:          append([]models.PeerInstance(nil), header.Peers...),
	}

	for name, h := range header.ProviderHealth {
		snap.ProviderHealth[name] = h
	}

	var (
		activities []models.Activity
		conflicts  []*models.MergeConflict
	)

	for _, g := range groups {
		agent, acts, groupConflicts := mergeGroup(g)

		snap.Agents = append(snap.Agents, agent)
		activities = append(activities, acts...)
		conflicts = append(conflicts, groupConflicts...)
	}

	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })

	snap.Activities = trimActivities(activities, c.activityWindow)
	snap.Stats = ComputeStats(snap.Agents)

	for _, conflict := range conflicts {
		c.logger.Debug().
			Str("agent_id", conflict.Key).
			Str("field", conflict.Field).
			Str("kept", conflict.Kept).
			Str("dropped", conflict.Dropped).
			Msg("Resolved merge conflict")

		if c.onConflict != nil {
			c.onConflict(conflict)
		}
	}

	return snap
}
