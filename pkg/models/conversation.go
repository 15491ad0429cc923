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

// ConversationTurn is one message in a transcript.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tools     []string  `json:"tools,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Conversation is a full transcript loaded on demand.
type Conversation struct {
	AgentID string             `json:"agentId"`
	Source  string             `json:"source"`
	Turns   []ConversationTurn `json:"turns"`
}
