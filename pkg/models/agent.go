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
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of an agent session.
type AgentStatus string

const (
	AgentStatusStarting  AgentStatus = "starting"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
)

// AllAgentStatuses lists every status in priority order, highest first.
func AllAgentStatuses() []AgentStatus {
	return []AgentStatus{
		AgentStatusError,
		AgentStatusActive,
		AgentStatusIdle,
		AgentStatusStarting,
		AgentStatusCompleted,
	}
}

// Priority breaks timestamp ties when merging: error > active > idle > starting > completed.
func (s AgentStatus) Priority() int {
	switch s {
	case AgentStatusError:
		return 5
	case AgentStatusActive:
		return 4
	case AgentStatusIdle:
		return 3
	case AgentStatusStarting:
		return 2
	case AgentStatusCompleted:
		return 1
	default:
		return 0
	}
}

// ParseAgentStatus normalizes provider vocabulary onto AgentStatus.
// Unknown values map to the empty status, which loses every merge.
func ParseAgentStatus(raw string) AgentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting", "start", "init", "initializing":
		return AgentStatusStarting
	case "active", "busy", "running", "working", "retry", "thinking":
		return AgentStatusActive
	case "idle", "waiting", "ready":
		return AgentStatusIdle
	case "completed", "complete", "done", "finished", "exited":
		return AgentStatusCompleted
	case "error", "failed", "errored":
		return AgentStatusError
	default:
		return ""
	}
}

// TokenUsage holds cumulative token counters for a session.
type TokenUsage struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	CacheCreate int64 `json:"cacheCreate"`
	CacheRead   int64 `json:"cacheRead"`
}

// Total sums all counters.
func (t TokenUsage) Total() int64 {
	return t.Input + t.Output + t.CacheCreate + t.CacheRead
}

// Max returns the component-wise maximum of t and o.
func (t TokenUsage) Max(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:       max(t.Input, o.Input),
		Output:      max(t.Output, o.Output),
		CacheCreate: max(t.CacheCreate, o.CacheCreate),
		CacheRead:   max(t.CacheRead, o.CacheRead),
	}
}

// Add returns the component-wise sum of t and o.
func (t TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:       t.Input + o.Input,
		Output:      t.Output + o.Output,
		CacheCreate: t.CacheCreate + o.CacheCreate,
		CacheRead:   t.CacheRead + o.CacheRead,
	}
}

// ToolCall is a tool invocation that has started but not yet returned.
type ToolCall struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Target    string    `json:"target,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Agent is the canonical record of one coding-agent session.
type Agent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	SessionID      string            `json:"sessionId,omitempty"`
	Sources        []string          `json:"sources"`
	Origins        []string          `json:"origins,omitempty"`
	Status         AgentStatus       `json:"status"`
	Model          string            `json:"model,omitempty"`
	Tokens         TokenUsage        `json:"tokens"`
	EstimatedCost  float64           `json:"estimatedCost"`
	ActiveTools    []ToolCall        `json:"activeTools,omitempty"`
	TouchedFiles   []string          `json:"touchedFiles,omitempty"`
	PID            int               `json:"pid,omitempty"`
	Host           string            `json:"host,omitempty"`
	Workspace      string            `json:"workspace,omitempty"`
	Transcripts    map[string]string `json:"transcripts,omitempty"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	FirstSeenAt    time.Time         `json:"firstSeenAt"`
}

// HasOrigin reports whether instanceID contributed to the agent.
func (a *Agent) HasOrigin(instanceID string) bool {
	for _, o := range a.Origins {
		if o == instanceID {
			return true
		}
	}

	return false
}

// ActivityCategory classifies timeline events.
type ActivityCategory string

const (
	ActivityToolCall   ActivityCategory = "tool_call"
	ActivityFileEdit   ActivityCategory = "file_edit"
	ActivityCommand    ActivityCategory = "command"
	ActivityCompletion ActivityCategory = "completion"
	ActivityError      ActivityCategory = "error"
)

// Activity is an immutable timeline event attributed to an agent.
type Activity struct {
	AgentID   string           `json:"agentId"`
	Category  ActivityCategory `json:"category"`
	Summary   string           `json:"summary"`
	Source    string           `json:"source,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
