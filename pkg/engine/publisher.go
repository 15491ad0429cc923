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

package engine

import (
	"sync/atomic"

	"github.com/carverauto/agentradar/pkg/models"
)

// Publisher holds the latest snapshots. Readers always see a complete snapshot;
// each one is replaced, never mutated.
type Publisher struct {
	local   atomic.Pointer[models.Snapshot]
	current atomic.Pointer[models.Snapshot]
}

// NewPublisher seeds both slots with an empty snapshot.
func NewPublisher(initial *models.Snapshot) *Publisher {
	p := &Publisher{}
	p.local.Store(initial)
	p.current.Store(initial)

	return p
}

// PublishLocal replaces the provider-only snapshot that peers fetch.
func (p *Publisher) PublishLocal(snap *models.Snapshot) {
	p.local.Store(snap)
}

// PublishCurrent replaces the merged snapshot and returns the one it replaced.
func (p *Publisher) PublishCurrent(snap *models.Snapshot) *models.Snapshot {
	return p.current.Swap(snap)
}

// Local returns the latest provider-only snapshot.
func (p *Publisher) Local() *models.Snapshot {
	return p.local.Load()
}

// Current returns the latest merged snapshot.
func (p *Publisher) Current() *models.Snapshot {
	return p.current.Load()
}
