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

//go:generate mockgen -destination=mock_provider.go -package=providers github.com/carverauto/agentradar/pkg/providers Provider,ConversationSource

// Package providers contains the data sources the poller drives each cycle.
package providers

import (
	"context"

	"github.com/carverauto/agentradar/pkg/models"
)

// Provider produces raw agent records. Fetch must honour ctx; the poller
// abandons calls that outlive their timeout.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (*FetchResult, error)
	// Health is the provider's own view of itself after the last Fetch.
	// A degraded provider still returns whatever records it could read.
	Health() models.ProviderStatus
}

// ConversationSource is implemented by providers that can load a full transcript on demand.
type ConversationSource interface {
	LoadConversation(ctx context.Context, agent models.Agent) (*models.Conversation, error)
}

// FetchResult is one provider's contribution to a cycle.
type FetchResult struct {
	Records []models.RawRecord
}
