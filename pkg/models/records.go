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

import "time"

// ProviderStatus is the health of a single provider as seen by the poller.
type ProviderStatus string

const (
	ProviderStatusOK       ProviderStatus = "ok"
	ProviderStatusDegraded ProviderStatus = "degraded"
	ProviderStatusDisabled ProviderStatus = "disabled"
	ProviderStatusError    ProviderStatus = "error"
)

// Healthy reports whether the status is ok.
func (s ProviderStatus) Healthy() bool {
	return s == ProviderStatusOK
}

// ProviderHealth is owned by the poller and rewritten after every cycle.
type ProviderHealth struct {
	Name                string         `json:"name"`
	Status              ProviderStatus `json:"status"`
	LastSuccessAt       time.Time      `json:"lastSuccessAt,omitzero"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	RecordCount         int            `json:"recordCount"`
	LastDurationMs      int64          `json:"lastDurationMs"`
}

// RawRecord is one provider's partial view of an agent session.
type RawRecord struct {
	Provider      string
	SessionID     string
	PID           int
	Host          string
	Workspace     string
	SourcePath    string
	Name          string
	Status        AgentStatus
	Model         string
	Tokens        TokenUsage
	EstimatedCost float64
	ActiveTools   []ToolCall
	TouchedFiles  []string
	StartedAt     time.Time
	// ObservedAt is the record's self-reported timestamp; freshest-wins merging keys off it.
	ObservedAt time.Time
	// Activities carry an empty AgentID; the canonicalizer assigns it.
	Activities []Activity
}

// RawBatch is everything one poll cycle collected.
type RawBatch struct {
	CollectedAt time.Time
	Records     []RawRecord
	Health      map[string]ProviderHealth
}
