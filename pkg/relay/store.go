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
	"sort"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

// InstanceStore keeps the last push per instance until its TTL lapses.
// Stored records are never mutated.
type InstanceStore struct {
	mu      sync.Mutex
	records map[string]*models.RelayInstanceRecord
	now     func() time.Time
}

// NewInstanceStore uses now for every expiry decision. A nil now uses time.Now.
func NewInstanceStore(now func() time.Time) *InstanceStore {
	if now == nil {
		now = time.Now
	}

	return &InstanceStore{
		records: make(map[string]*models.RelayInstanceRecord),
		now:     now,
	}
}

// Put replaces the instance's record.
func (s *InstanceStore) Put(rec *models.RelayInstanceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.InstanceID] = rec
	s.pruneLocked()
}

// Live returns non-expired records sorted by instance id.
func (s *InstanceStore) Live() []*models.RelayInstanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()

	out := make([]*models.RelayInstanceRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })

	return out
}

// Get returns a non-expired record.
func (s *InstanceStore) Get(instanceID string) (*models.RelayInstanceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[instanceID]
	if !ok || rec.Expired(s.now()) {
		return nil, false
	}

	return rec, true
}

// Views describes live instances with their heartbeat age.
func (s *InstanceStore) Views() []models.RelayInstanceView {
	now := s.now()
	live := s.Live()

	views := make([]models.RelayInstanceView, 0, len(live))
	for _, rec := range live {
		agents := 0
		if rec.Snapshot != nil {
			agents = len(rec.Snapshot.Agents)
		}

		views = append(views, models.RelayInstanceView{
			InstanceID:          rec.InstanceID,
			Hostname:            rec.Hostname,
			Workspace:           rec.Workspace,
			AgentCount:          agents,
			PushedAt:            rec.PushedAt,
			ExpiresAt:           rec.ExpiresAt(),
			HeartbeatAgeSeconds: now.Sub(rec.PushedAt).Seconds(),
		})
	}

	return views
}

func (s *InstanceStore) pruneLocked() {
	now := s.now()

	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
		}
	}
}
