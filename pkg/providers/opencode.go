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

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// OpenCodeProviderName is the registry key for running opencode TUIs.
const OpenCodeProviderName = "opencode"

const openCodeRequestTimeout = 500 * time.Millisecond

var errOpenCodeStatus = errors.New("unexpected opencode status")

type openCodeStatus struct {
	Type string `json:"type"`
}

type openCodeSession struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Time      struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"time"`
}

type openCodeMessage struct {
	Info struct {
		Role    string `json:"role"`
		ModelID string `json:"modelID"`
		Time    struct {
			Created int64 `json:"created"`
		} `json:"time"`
	} `json:"info"`
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Tool string `json:"tool"`
	} `json:"parts"`
}

type openCodeProvider struct {
	procs  ProcessTable
	client *http.Client
	host   string
	now    func() time.Time
	logger logger.Logger

	mu     sync.Mutex
	health models.ProviderStatus
}

// NewOpenCodeProvider queries the HTTP API every opencode process serves on localhost.
func NewOpenCodeProvider(_ Config, env Env) Provider {
	env.fill()

	return &openCodeProvider{
		procs:  env.Procs,
		client: &http.Client{Timeout: openCodeRequestTimeout},
		host:   env.Hostname,
		now:    env.Now,
		logger: env.Logger,
		health: models.ProviderStatusOK,
	}
}

func (*openCodeProvider) Name() string { return OpenCodeProviderName }

func (p *openCodeProvider) Health() models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.health
}

func (p *openCodeProvider) Fetch(ctx context.Context) (*FetchResult, error) {
	procs, err := p.procs.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan process table: %w", err)
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	result := &FetchResult{}
	failures := 0

	for _, proc := range procs {
		if agentKind(proc) != kindOpenCode {
			continue
		}

		records, err := p.probe(ctx, proc)
		if err != nil {
			failures++

			p.logger.Debug().Err(err).Int("pid", proc.PID).Msg("Failed to query opencode instance")

			continue
		}

		result.Records = append(result.Records, records...)
	}

	p.mu.Lock()
	p.health = models.ProviderStatusOK
	if failures > 0 {
		p.health = models.ProviderStatusDegraded
	}
	p.mu.Unlock()

	return result, nil
}

// probe tries each listening port of the process until one answers the session API.
func (p *openCodeProvider) probe(ctx context.Context, proc ProcessInfo) ([]models.RawRecord, error) {
	ports, err := p.procs.ListeningPorts(ctx, proc.PID)
	if err != nil {
		return nil, err
	}

	var lastErr error

	for _, port := range ports {
		base := fmt.Sprintf("http://127.0.0.1:%d", port)

		var statuses map[string]openCodeStatus
		if lastErr = p.getJSON(ctx, base+"/session/status", &statuses); lastErr != nil {
			continue
		}

		var sessions []openCodeSession
		if lastErr = p.getJSON(ctx, base+"/session", &sessions); lastErr != nil {
			continue
		}

		return p.records(proc, statuses, sessions), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no listening port", errOpenCodeStatus)
	}

	return nil, lastErr
}

func (p *openCodeProvider) records(proc ProcessInfo, statuses map[string]openCodeStatus, sessions []openCodeSession) []models.RawRecord {
	byID := make(map[string]openCodeSession, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]models.RawRecord, 0, len(ids)+1)

	for _, id := range ids {
		s := byID[id]

		status := models.ParseAgentStatus(statuses[id].Type)
		if status == "" {
			status = models.AgentStatusActive
		}

		observed := proc.CreateTime
		if s.Time.Updated > 0 {
			observed = time.UnixMilli(s.Time.Updated)
		}

		out = append(out, models.RawRecord{
			Provider:   OpenCodeProviderName,
			SessionID:  id,
			PID:        proc.PID,
			Host:       p.host,
			Workspace:  s.Directory,
			Name:       sessionName(s.Title, s.Directory, id),
			Status:     status,
			StartedAt:  time.UnixMilli(s.Time.Created),
			ObservedAt: observed,
		})
	}

	if len(out) == 0 {
		// Nothing busy: the TUI is idle and we cannot tell which session it shows.
		out = append(out, models.RawRecord{
			Provider:   OpenCodeProviderName,
			PID:        proc.PID,
			Host:       p.host,
			Name:       kindOpenCode,
			Status:     models.AgentStatusIdle,
			StartedAt:  proc.CreateTime,
			ObservedAt: p.now(),
		})
	}

	return out
}

func (p *openCodeProvider) getJSON(ctx context.Context, url string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", errOpenCodeStatus, url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}

// LoadConversation fetches /session/{id}/message from the process that owns the session.
func (p *openCodeProvider) LoadConversation(ctx context.Context, agent models.Agent) (*models.Conversation, error) {
	if agent.PID == 0 || agent.SessionID == "" {
		return nil, fmt.Errorf("%w: opencode agent %s has no live process", models.ErrStoreUnreachable, agent.ID)
	}

	ports, err := p.procs.ListeningPorts(ctx, agent.PID)
	if err != nil || len(ports) == 0 {
		return nil, fmt.Errorf("%w: opencode pid %d not listening", models.ErrStoreUnreachable, agent.PID)
	}

	var messages []openCodeMessage

	for _, port := range ports {
		url := fmt.Sprintf("http://127.0.0.1:%d/session/%s/message", port, agent.SessionID)

		err = p.getJSON(ctx, url, &messages)
		if err == nil {
			break
		}
	}

	if err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("%w: %w", models.ErrTranscriptMalformed, err)
		}

		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnreachable, err)
	}

	conv := &models.Conversation{AgentID: agent.ID, Source: OpenCodeProviderName, Turns: make([]models.ConversationTurn, 0, len(messages))}

	for _, m := range messages {
		turn := models.ConversationTurn{Role: m.Info.Role, Model: m.Info.ModelID}
		if m.Info.Time.Created > 0 {
			turn.Timestamp = time.UnixMilli(m.Info.Time.Created)
		}

		var text []string

		for _, part := range m.Parts {
			switch part.Type {
			case "text":
				text = append(text, part.Text)
			case "tool":
				turn.Tools = append(turn.Tools, part.Tool)
			}
		}

		turn.Content = strings.Join(text, "\n")
		conv.Turns = append(conv.Turns, turn)
	}

	return conv, nil
}
