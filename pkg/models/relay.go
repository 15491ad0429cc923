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

// RelayPush is the envelope an instance POSTs to the relay.
type RelayPush struct {
	InstanceID   string    `json:"instanceId"`
	Hostname     string    `json:"hostname"`
	Workspace    string    `json:"workspace,omitempty"`
	AdvertiseURL string    `json:"advertiseUrl,omitempty"`
	APIPort      int       `json:"apiPort,omitempty"`
	TTLSeconds   int       `json:"ttlSeconds,omitempty"`
	Snapshot     *Snapshot `json:"snapshot"`
}

// RelayInstanceRecord is the relay's stored copy of an instance's last push.
type RelayInstanceRecord struct {
	InstanceID   string
	Hostname     string
	Workspace    string
	AdvertiseURL string
	Snapshot     *Snapshot
	PushedAt     time.Time
	TTL          time.Duration
}

// ExpiresAt is when the record drops out of the aggregate.
func (r *RelayInstanceRecord) ExpiresAt() time.Time {
	return r.PushedAt.Add(r.TTL)
}

// Expired reports whether the record is past its TTL at now.
func (r *RelayInstanceRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// RelayInstanceView is the /api/instances row.
type RelayInstanceView struct {
	InstanceID          string    `json:"instanceId"`
	Hostname            string    `json:"hostname"`
	Workspace           string    `json:"workspace,omitempty"`
	AgentCount          int       `json:"agentCount"`
	PushedAt            time.Time `json:"pushedAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
	HeartbeatAgeSeconds float64   `json:"heartbeatAgeSeconds"`
}
