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

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

type group struct {
	key       string
	session   bool
	workspace string
	members   []*candidate
}

func (g *group) add(c *candidate) {
	g.members = append(g.members, c)

	if g.workspace == "" {
		g.workspace = c.agent.Workspace
	}
}

// groupCandidates assigns every candidate to exactly one group. Candidates are
// first put in a total order that does not depend on input order, and members
// end up sorted oldest to freshest.
func groupCandidates(cands []*candidate) []*group {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].agent.LastActivityAt, cands[j].agent.LastActivityAt
		if !a.Equal(b) {
			return a.Before(b)
		}

		return cands[i].digest < cands[j].digest
	})

	var (
		order        []*group
		byKey        = make(map[string]*group)
		sessionByPID = make(map[string][]*group)
		pidGroups    = make(map[string][]*group)
		pidOrder     []string
		rest         []*candidate
	)

	open := func(key string) *group {
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			order = append(order, g)
		}

		return g
	}

	for _, c := range cands {
		sid := c.agent.SessionID
		if sid == "" {
			rest = append(rest, c)
			continue
		}

		g := open(sid)
		g.session = true
		g.add(c)

		if c.agent.PID > 0 {
			hp := hostPID(c.agent.Host, c.agent.PID)
			if !containsGroup(sessionByPID[hp], g) {
				sessionByPID[hp] = append(sessionByPID[hp], g)
			}
		}
	}

	var orphans []*candidate

	for _, c := range rest {
		if c.agent.PID <= 0 {
			orphans = append(orphans, c)
			continue
		}

		hp := hostPID(c.agent.Host, c.agent.PID)

		if g := uniqueCompatible(sessionByPID[hp], c.agent.Workspace); g != nil {
			g.add(c)
			continue
		}

		if g := firstCompatible(pidGroups[hp], c.agent.Workspace); g != nil {
			g.add(c)
			continue
		}

		g := &group{}
		g.add(c)
		order = append(order, g)
		pidGroups[hp] = append(pidGroups[hp], g)
		pidOrder = append(pidOrder, hp)
	}

	// pid keys are assigned once every group for a process exists, so the
	// same set of records yields the same ids in any order.
	for _, hp := range pidOrder {
		gs := pidGroups[hp]
		if gs[0].key != "" {
			continue
		}

		for _, g := range gs {
			m := g.members[0].agent
			g.key = pidKey(m.Host, m.PID)

			if len(gs) > 1 {
				g.key += "-" + shortHash(g.workspace)[:8]
			}

			if _, taken := byKey[g.key]; !taken {
				byKey[g.key] = g
			}
		}
	}

	for _, c := range orphans {
		open(fallbackKey(c)).add(c)
	}

	return order
}

func fallbackKey(c *candidate) string {
	if c.foreign && c.agent.ID != "" {
		return c.agent.ID
	}

	if c.sourcePath != "" {
		return sourceKey(c.provider, c.agent.Host, c.sourcePath)
	}

	return sourceKey(c.provider, c.agent.Host, c.agent.Workspace, c.agent.Name)
}

func containsGroup(gs []*group, g *group) bool {
	for _, x := range gs {
		if x == g {
			return true
		}
	}

	return false
}

// uniqueCompatible returns the only compatible group, or nil when there are zero or several.
func uniqueCompatible(gs []*group, workspace string) *group {
	var found *group

	for _, g := range gs {
		if !workspaceCompatible(g.workspace, workspace) {
			continue
		}

		if found != nil {
			return nil
		}

		found = g
	}

	return found
}

func firstCompatible(gs []*group, workspace string) *group {
	for _, g := range gs {
		if workspaceCompatible(g.workspace, workspace) {
			return g
		}
	}

	return nil
}

// mergeGroup folds members oldest to freshest: the freshest non-empty value wins
// for descriptive fields, counters never regress, and sets accumulate.
func mergeGroup(g *group) (models.Agent, []models.Activity, []*models.MergeConflict) {
	out := models.Agent{ID: g.key}

	var (
		statusAt   time.Time
		sources    []string
		origins    []string
		touched    []string
		activities []models.Activity
		conflicts  []*models.MergeConflict
	)

	for _, m := range g.members {
		a := &m.agent

		if a.Model != "" {
			if out.Model != "" && out.Model != a.Model {
				conflicts = append(conflicts, &models.MergeConflict{Key: g.key, Field: "model", Kept: a.Model, Dropped: out.Model})
			}

			out.Model = a.Model
		}

		out.Name = firstNonEmpty(a.Name, out.Name)
		out.SessionID = firstNonEmpty(a.SessionID, out.SessionID)
		out.Workspace = firstNonEmpty(a.Workspace, out.Workspace)
		out.Host = firstNonEmpty(a.Host, out.Host)

		if a.PID > 0 {
			out.PID = a.PID
		}

		if len(a.ActiveTools) > 0 {
			out.ActiveTools = append([]models.ToolCall(nil), a.ActiveTools...)
		}

		if a.Status != "" {
			switch {
			case out.Status == "", a.LastActivityAt.After(statusAt):
				out.Status, statusAt = a.Status, a.LastActivityAt
			case a.LastActivityAt.Equal(statusAt) && a.Status.Priority() > out.Status.Priority():
				out.Status = a.Status
			}
		}

		out.Tokens = out.Tokens.Max(a.Tokens)
		out.EstimatedCost = max(out.EstimatedCost, a.EstimatedCost)

		sources = sortedUnion(sources, a.Sources)
		origins = sortedUnion(origins, a.Origins)
		touched = sortedUnion(touched, a.TouchedFiles)

		for k, v := range a.Transcripts {
			if out.Transcripts == nil {
				out.Transcripts = make(map[string]string)
			}

			out.Transcripts[k] = v
		}

		if a.LastActivityAt.After(out.LastActivityAt) {
			out.LastActivityAt = a.LastActivityAt
		}

		if !a.FirstSeenAt.IsZero() && (out.FirstSeenAt.IsZero() || a.FirstSeenAt.Before(out.FirstSeenAt)) {
			out.FirstSeenAt = a.FirstSeenAt
		}

		for _, act := range m.activities {
			act.AgentID = g.key
			activities = append(activities, act)
		}
	}

	out.Sources = sources
	if out.Sources == nil {
		out.Sources = []string{}
	}

	out.Origins = origins
	out.TouchedFiles = touched

	if out.Status == "" {
		out.Status = models.AgentStatusIdle
	}

	if out.Name == "" {
		out.Name = displayName(&out)
	}

	return out, activities, conflicts
}

func displayName(a *models.Agent) string {
	switch {
	case a.Workspace != "":
		return filepath.Base(a.Workspace)
	case len(a.ID) > 12:
		return a.ID[:12]
	default:
		return a.ID
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// sortedUnion returns the sorted, duplicate-free union of a and b. It never aliases b.
func sortedUnion(a, b []string) []string {
	if len(b) == 0 {
		return a
	}

	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}

			seen[v] = struct{}{}
			out = append(out, v)
		}
	}

	sort.Strings(out)

	return out
}

type activityKey struct {
	at       int64
	agentID  string
	category models.ActivityCategory
	summary  string
	source   string
}

// trimActivities dedupes, orders by (timestamp, agent, category) and keeps the newest window entries.
func trimActivities(acts []models.Activity, window int) []models.Activity {
	seen := make(map[activityKey]struct{}, len(acts))
	out := make([]models.Activity, 0, len(acts))

	for _, a := range acts {
		k := activityKey{a.Timestamp.UnixNano(), a.AgentID, a.Category, a.Summary, a.Source}
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]

		switch {
		case !a.Timestamp.Equal(b.Timestamp):
			return a.Timestamp.Before(b.Timestamp)
		case a.AgentID != b.AgentID:
			return a.AgentID < b.AgentID
		case a.Category != b.Category:
			return a.Category < b.Category
		case a.Summary != b.Summary:
			return a.Summary < b.Summary
		default:
			return a.Source < b.Source
		}
	})

	if window > 0 && len(out) > window {
		out = append([]models.Activity(nil), out[len(out)-window:]...)
	}

	return out
}
