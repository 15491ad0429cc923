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
	"context"
	"errors"

	"github.com/carverauto/agentradar/pkg/models"
)

// ErrRelayDisabled is returned by Backend.RelayState when no relay is configured.
var ErrRelayDisabled = errors.New("relay sync is disabled")

// Backend is the read side of the engine.
type Backend interface {
	// Local is the last snapshot built from this instance's providers only.
	Local() *models.Snapshot
	// Current is the last published snapshot including peer agents.
	Current() *models.Snapshot
	// Conversation loads a transcript on demand. localOnly skips peer proxying.
	Conversation(ctx context.Context, agentID string, localOnly bool) (*models.Conversation, error)
	RecentAlerts(limit int) []models.AlertEvent
	RelayState(ctx context.Context) (*models.Snapshot, error)
}
