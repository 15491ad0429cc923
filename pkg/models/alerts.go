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

// AlertEventType names a snapshot transition an alert rule can match.
type AlertEventType string

const (
	AlertAgentError       AlertEventType = "agent_error"
	AlertAgentCompleted   AlertEventType = "agent_completed"
	AlertAgentStarted     AlertEventType = "agent_started"
	AlertProviderDegraded AlertEventType = "provider_degraded"
)

// Valid reports whether t is a known event type.
func (t AlertEventType) Valid() bool {
	switch t {
	case AlertAgentError, AlertAgentCompleted, AlertAgentStarted, AlertProviderDegraded:
		return true
	default:
		return false
	}
}

// AlertRule routes one event type to channels.
type AlertRule struct {
	Name       string         `json:"name" yaml:"name"`
	Event      AlertEventType `json:"event" yaml:"event"`
	Channels   []string       `json:"channels" yaml:"channels"`
	Throttle   Duration       `json:"throttle,omitempty" yaml:"throttle,omitempty"`
	PendingFor Duration       `json:"pending_for,omitempty" yaml:"pending_for,omitempty"`
}

// AlertEvent is a fired or suppressed notification, keyed by (subject, event type, generation).
type AlertEvent struct {
	ID             string            `json:"id"`
	Rule           string            `json:"rule"`
	Subject        string            `json:"subject"`
	Type           AlertEventType    `json:"type"`
	Generation     int64             `json:"generation"`
	Suppressed     bool              `json:"suppressed"`
	Message        string            `json:"message"`
	Agent          *Agent            `json:"agent,omitempty"`
	Channels       []string          `json:"channels,omitempty"`
	DeliveryErrors map[string]string `json:"deliveryErrors,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
}
