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

package alerts

import (
	"fmt"

	"github.com/carverauto/agentradar/pkg/models"
)

func agentPredicate(t models.AlertEventType) func(models.AgentStatus) bool {
	switch t {
	case models.AlertAgentError:
		return func(s models.AgentStatus) bool { return s == models.AgentStatusError }
	case models.AlertAgentCompleted:
		return func(s models.AgentStatus) bool { return s == models.AgentStatusCompleted }
	case models.AlertAgentStarted:
		return func(s models.AgentStatus) bool {
			return s != models.AgentStatusCompleted && s != models.AgentStatusError
		}
	case models.AlertProviderDegraded:
	}

	return nil
}

// conditions evaluates the rule's predicate for every subject in cur. A subject
// rises when the predicate holds now and did not hold in prev.
func conditions(t models.AlertEventType, prev, cur *models.Snapshot) map[string]condition {
	if t == models.AlertProviderDegraded {
		return providerConditions(prev, cur)
	}

	pred := agentPredicate(t)
	if pred == nil {
		return nil
	}

	out := make(map[string]condition, len(cur.Agents))

	for i := range cur.Agents {
		a := &cur.Agents[i]
		holds := pred(a.Status)

		var prevHolds bool

		switch {
		case prev == nil:
			// Started and completed agents found at startup are the baseline, not news.
			prevHolds = t != models.AlertAgentError && holds
		default:
			if pa, ok := prev.FindAgent(a.ID); ok {
				prevHolds = pred(pa.Status)
			}
		}

		out[a.ID] = condition{
			holds:   holds,
			rising:  holds && !prevHolds,
			agent:   a,
			message: agentMessage(t, a),
		}
	}

	return out
}

func providerConditions(prev, cur *models.Snapshot) map[string]condition {
	out := make(map[string]condition, len(cur.ProviderHealth))

	for name, h := range cur.ProviderHealth {
		holds := !h.Status.Healthy()

		prevHolds := false
		if prev != nil {
			if ph, ok := prev.ProviderHealth[name]; ok {
				prevHolds = !ph.Status.Healthy()
			}
		}

		msg := fmt.Sprintf("Provider %s is %s", name, h.Status)
		if h.LastError != "" {
			msg += ": " + h.LastError
		}

		out["provider:"+name] = condition{holds: holds, rising: holds && !prevHolds, message: msg}
	}

	return out
}

func agentMessage(t models.AlertEventType, a *models.Agent) string {
	label := a.ID
	if a.Name != "" && a.Name != a.ID {
		label = fmt.Sprintf("%s (%s)", a.Name, a.ID)
	}

	switch t {
	case models.AlertAgentError:
		return fmt.Sprintf("Agent %s entered error state", label)
	case models.AlertAgentCompleted:
		return fmt.Sprintf("Agent %s completed", label)
	case models.AlertAgentStarted:
		return fmt.Sprintf("Agent %s started", label)
	case models.AlertProviderDegraded:
	}

	return fmt.Sprintf("Agent %s: %s", label, t)
}
