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

package canon

import "github.com/carverauto/agentradar/pkg/models"

// ComputeStats derives the aggregate counters of a snapshot. Agents must be in a
// stable order for the float sums to be reproducible.
func ComputeStats(agents []models.Agent) models.Stats {
	stats := models.Stats{
		TotalAgents: len(agents),
		ByStatus:    make(map[models.AgentStatus]int, len(models.AllAgentStatuses())),
	}

	for _, s := range models.AllAgentStatuses() {
		stats.ByStatus[s] = 0
	}

	var (
		completedTotal int64
		completedCount int64
	)

	for i := range agents {
		a := &agents[i]

		stats.ByStatus[a.Status]++
		stats.Tokens = stats.Tokens.Add(a.Tokens)
		stats.TotalEstimatedCost += a.EstimatedCost

		if a.Status == models.AgentStatusCompleted && !a.FirstSeenAt.IsZero() && a.LastActivityAt.After(a.FirstSeenAt) {
			completedTotal += a.LastActivityAt.Sub(a.FirstSeenAt).Milliseconds()
			completedCount++
		}
	}

	stats.TotalTokens = stats.Tokens.Total()

	if completedCount > 0 {
		stats.AvgCompletedDurationMs = completedTotal / completedCount
	}

	return stats
}
