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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// CodexProviderName is the registry key for Codex CLI threads.
const CodexProviderName = "codex"

const codexThreadsQuery = "SELECT id, title, rollout_path, cwd FROM threads"

type codexThread struct {
	ID          string
	Title       string
	RolloutPath string
	CWD         string
}

type rolloutLine struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type rolloutPayload struct {
	Type      string `json:"type"`
	Model     string `json:"model"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Message   string `json:"message"`
	Role      string `json:"role"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Info *struct {
		TotalTokenUsage struct {
			InputTokens       int64 `json:"input_tokens"`
			CachedInputTokens int64 `json:"cached_input_tokens"`
			OutputTokens      int64 `json:"output_tokens"`
		} `json:"total_token_usage"`
	} `json:"info"`
}

type codexRollout struct {
	cursor     jsonlCursor
	model      string
	tokens     models.TokenUsage
	firstAt    time.Time
	lastAt     time.Time
	status     models.AgentStatus
	activities activityRing
}

func (r *codexRollout) apply(line []byte) {
	var l rolloutLine
	if json.Unmarshal(line, &l) != nil {
		return
	}

	if !l.Timestamp.IsZero() {
		if r.firstAt.IsZero() {
			r.firstAt = l.Timestamp
		}

		if l.Timestamp.After(r.lastAt) {
			r.lastAt = l.Timestamp
		}
	}

	var p rolloutPayload
	if json.Unmarshal(l.Payload, &p) != nil {
		return
	}

	if p.Model != "" {
		r.model = p.Model
	}

	switch p.Type {
	case "task_started", "user_message", "agent_message", "agent_reasoning":
		r.status = models.AgentStatusActive
	case "task_complete":
		r.status = models.AgentStatusIdle
		r.activities.add(models.Activity{Category: models.ActivityCompletion, Summary: "task complete", Timestamp: l.Timestamp})
	case "error", "stream_error":
		r.status = models.AgentStatusError
		r.activities.add(models.Activity{Category: models.ActivityError, Summary: p.Message, Timestamp: l.Timestamp})
	case "token_count":
		if p.Info != nil {
			u := p.Info.TotalTokenUsage
			r.tokens = r.tokens.Max(models.TokenUsage{
				Input:     u.InputTokens - u.CachedInputTokens,
				Output:    u.OutputTokens,
				CacheRead: u.CachedInputTokens,
			})
		}
	case "function_call", "custom_tool_call", "local_shell_call":
		r.status = models.AgentStatusActive

		category := models.ActivityToolCall
		if p.Name == "shell" || p.Type == "local_shell_call" {
			category = models.ActivityCommand
		}

		r.activities.add(models.Activity{Category: category, Summary: strings.TrimSpace(p.Name + " " + p.Arguments), Timestamp: l.Timestamp})
	}
}

type codexProvider struct {
	dbPath       string
	activeWindow time.Duration
	host         string
	now          func() time.Time
	logger       logger.Logger

	mu       sync.Mutex
	rollouts map[string]*codexRollout
	health   models.ProviderStatus
}

// NewCodexProvider reads thread metadata from <home>/.codex/state_5.sqlite (or cfg.Path)
// and follows each thread's rollout file.
func NewCodexProvider(cfg Config, env Env) Provider {
	env.fill()

	dbPath := cfg.Path
	if dbPath == "" {
		dbPath = filepath.Join(env.HomeDir, ".codex", "state_5.sqlite")
	}

	return &codexProvider{
		dbPath:       dbPath,
		activeWindow: cfg.ActiveWindow.OrDefault(defaultActiveWindow),
		host:         env.Hostname,
		now:          env.Now,
		logger:       env.Logger,
		rollouts:     make(map[string]*codexRollout),
		health:       models.ProviderStatusOK,
	}
}

func (*codexProvider) Name() string { return CodexProviderName }

func (p *codexProvider) Health() models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.health
}

func (p *codexProvider) threads(ctx context.Context) ([]codexThread, error) {
	if _, err := os.Stat(p.dbPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	db, err := sql.Open("sqlite", "file:"+p.dbPath+"?mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open codex state db: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, codexThreadsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query codex threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []codexThread

	for rows.Next() {
		var (
			t                codexThread
			title, path, cwd sql.NullString
		)

		if err := rows.Scan(&t.ID, &title, &path, &cwd); err != nil {
			return nil, fmt.Errorf("failed to scan codex thread: %w", err)
		}

		t.Title, t.RolloutPath, t.CWD = title.String, path.String, cwd.String
		out = append(out, t)
	}

	return out, rows.Err()
}

func (p *codexProvider) Fetch(ctx context.Context) (*FetchResult, error) {
	threads, err := p.threads(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	seen := make(map[string]struct{}, len(threads))
	result := &FetchResult{}
	failures := 0

	for _, t := range threads {
		if t.RolloutPath == "" {
			continue
		}

		info, err := os.Stat(t.RolloutPath)
		if err != nil || now.Sub(info.ModTime()) > p.activeWindow {
			continue
		}

		seen[t.RolloutPath] = struct{}{}

		r, ok := p.rollouts[t.RolloutPath]
		if !ok {
			r = &codexRollout{}
			p.rollouts[t.RolloutPath] = r
		}

		reset, err := r.cursor.advance(t.RolloutPath, r.apply)
		if reset {
			r = &codexRollout{}
			p.rollouts[t.RolloutPath] = r
			_, err = r.cursor.advance(t.RolloutPath, r.apply)
		}

		if err != nil {
			failures++

			p.logger.Warn().Err(err).Str("path", t.RolloutPath).Msg("Failed to read codex rollout")

			continue
		}

		lastAt := r.lastAt
		if lastAt.IsZero() {
			lastAt = info.ModTime()
		}

		status := r.status
		if status == "" {
			status = models.AgentStatusStarting
		}

		result.Records = append(result.Records, models.RawRecord{
			Provider:      CodexProviderName,
			SessionID:     t.ID,
			Host:          p.host,
			Workspace:     t.CWD,
			SourcePath:    t.RolloutPath,
			Name:          sessionName(t.Title, t.CWD, t.ID),
			Status:        agedStatus(status, lastAt, now),
			Model:         r.model,
			Tokens:        r.tokens,
			EstimatedCost: EstimateCost(r.model, r.tokens),
			StartedAt:     r.firstAt,
			ObservedAt:    lastAt,
			Activities:    r.activities.snapshot(),
		})
	}

	for path := range p.rollouts {
		if _, ok := seen[path]; !ok {
			delete(p.rollouts, path)
		}
	}

	p.health = models.ProviderStatusOK
	if failures > 0 {
		p.health = models.ProviderStatusDegraded
	}

	return result, nil
}

// LoadConversation parses the rollout file behind a codex agent.
func (*codexProvider) LoadConversation(_ context.Context, agent models.Agent) (*models.Conversation, error) {
	path := agent.Transcripts[CodexProviderName]
	if path == "" {
		return nil, fmt.Errorf("%w: no codex rollout for %s", models.ErrStoreUnreachable, agent.ID)
	}

	lines, err := readAllLines(path, json.Valid)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{AgentID: agent.ID, Source: CodexProviderName, Turns: []models.ConversationTurn{}}

	for _, line := range lines {
		var l rolloutLine
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrTranscriptMalformed, err)
		}

		if l.Type != "response_item" {
			continue
		}

		var p rolloutPayload
		if err := json.Unmarshal(l.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrTranscriptMalformed, err)
		}

		switch p.Type {
		case "message":
			var text []string
			for _, c := range p.Content {
				if c.Text != "" {
					text = append(text, c.Text)
				}
			}

			if len(text) == 0 {
				continue
			}

			conv.Turns = append(conv.Turns, models.ConversationTurn{Role: p.Role, Content: strings.Join(text, "\n"), Timestamp: l.Timestamp})
		case "function_call":
			conv.Turns = append(conv.Turns, models.ConversationTurn{Role: "assistant", Tools: []string{p.Name}, Timestamp: l.Timestamp})
		}
	}

	return conv, nil
}
