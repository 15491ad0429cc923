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
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

// instanceSnapshot builds a canonical-looking snapshot whose agents are keyed by session id.
func instanceSnapshot(instanceID string, sessionIDs ...string) *models.Snapshot {
	snap := models.NewEmptySnapshot(instanceID, testEpoch)

	for _, sid := range sessionIDs {
		snap.Agents = append(snap.Agents, models.Agent{
			ID:             sid,
			Name:           sid,
			SessionID:      sid,
			Sources:        []string{"claude"},
			Origins:        []string{instanceID},
			Status:         models.AgentStatusActive,
			Tokens:         models.TokenUsage{Input: 100},
			LastActivityAt: testEpoch,
			FirstSeenAt:    testEpoch,
		})
	}

	snap.ProviderHealth["claude"] = models.ProviderHealth{Name: "claude", Status: models.ProviderStatusOK}

	return snap
}
