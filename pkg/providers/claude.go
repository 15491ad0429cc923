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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// ClaudeProviderName is the registry key for Claude Code session files.
const ClaudeProviderName = "claude"

//nolint:gochecknoglobals // lookup table
var fileEditTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

type claudeEntry struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype"`
	SessionID  string         `json:"sessionId"`
	CWD        string         `json:"cwd"`
	Slug       string         `json:"slug"`
	Timestamp  time.Time      `json:"timestamp"`
	IsAPIError bool           `json:"isApiErrorMessage"`
	Message    *claudeMessage `json:"message"`
}

type claudeMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

// blocks decodes content that is either a plain string or a list of blocks.
func (m *claudeMessage) blocks() []claudeBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}

	var text string
	if json.Unmarshal(m.Content, &text) == nil {
		return []claudeBlock{{Type: "text", Text: text}}
	}

	var blocks []claudeBlock
	if json.Unmarshal(m.Content, &blocks) != nil {
		return nil
	}

	return blocks
}

// claudeSession is the running summary of one session file.
type claudeSession struct {
	cursor        jsonlCursor
	sessionID     string
	cwd           string
	slug          string
	model         string
	tokens        models.TokenUsage
	cost          float64
	firstAt       time.Time
	lastAt        time.Time
	status        models.AgentStatus
	sawAssistant  bool
	pending       map[string]models.ToolCall
	touched       map[string]struct{}
	activities    activityRing
	billed        map[string]struct{}
	malformedSeen int
}

func newClaudeSession() *claudeSession {
	return &claudeSession{
		pending: make(map[string]models.ToolCall),
		touched: make(map[string]struct{}),
		billed:  make(map[string]struct{}),
	}
}

type claudeProvider struct {
	root         string
	activeWindow time.Duration
	host         string
	now          func() time.Time
	logger       logger.Logger

	mu       sync.Mutex
	sessions map[string]*claudeSession
	health   models.ProviderStatus
}

// NewClaudeProvider scans <home>/.claude/projects/*/*.jsonl, or cfg.Path when set.
func NewClaudeProvider(cfg Config, env Env) Provider {
	env.fill()

	root := cfg.Path
	if root == "" {
		root = filepath.Join(env.HomeDir, ".claude", "projects")
	}

	return &claudeProvider{
		root:         root,
		activeWindow: cfg.ActiveWindow.OrDefault(defaultActiveWindow),
		host:         env.Hostname,
		now:          env.Now,
		logger:       env.Logger,
		sessions:     make(map[string]*claudeSession),
		health:       models.ProviderStatusOK,
	}
}

func (*claudeProvider) Name() string { return ClaudeProviderName }

func (p *claudeProvider) Health() models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.health
}

func (p *claudeProvider) Fetch(ctx context.Context) (*FetchResult, error) {
	files, err := filepath.Glob(filepath.Join(p.root, "*", "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list claude sessions: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	seen := make(map[string]struct{}, len(files))
	result := &FetchResult{}
	failures := 0

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil || now.Sub(info.ModTime()) > p.activeWindow {
			continue
		}

		seen[path] = struct{}{}

		sess, ok := p.sessions[path]
		if !ok {
			sess = newClaudeSession()
			p.sessions[path] = sess
		}

		reset, err := sess.cursor.advance(path, sess.apply)
		if reset {
			fresh := newClaudeSession()
			p.sessions[path] = fresh
			sess = fresh

			_, err = sess.cursor.advance(path, sess.apply)
		}

		if err != nil {
			failures++

			p.logger.Warn().Err(err).Str("path", path).Msg("Failed to read claude session")

			continue
		}

		if sess.lastAt.IsZero() {
			sess.lastAt = info.ModTime()
		}

		result.Records = append(result.Records, sess.record(path, p.host, now))
	}

	for path := range p.sessions {
		if _, ok := seen[path]; !ok {
			delete(p.sessions, path)
		}
	}

	p.health = models.ProviderStatusOK
	if failures > 0 {
		p.health = models.ProviderStatusDegraded
	}

	return result, nil
}

// apply folds one JSONL entry into the session summary.
func (s *claudeSession) apply(line []byte) {
	var e claudeEntry
	if err := json.Unmarshal(line, &e); err != nil {
		s.malformedSeen++
		return
	}

	if e.SessionID != "" {
		s.sessionID = e.SessionID
	}

	if e.CWD != "" {
		s.cwd = e.CWD
	}

	if e.Slug != "" {
		s.slug = e.Slug
	}

	if !e.Timestamp.IsZero() {
		if s.firstAt.IsZero() || e.Timestamp.Before(s.firstAt) {
			s.firstAt = e.Timestamp
		}

		if e.Timestamp.After(s.lastAt) {
			s.lastAt = e.Timestamp
		}
	}

	switch e.Type {
	case "system":
		if e.Subtype == "turn_duration" {
			s.status = models.AgentStatusIdle
			s.activities.add(models.Activity{Category: models.ActivityCompletion, Summary: "turn complete", Timestamp: e.Timestamp})
		}
	case "user":
		s.status = models.AgentStatusActive
		s.applyUser(&e)
	case "assistant":
		s.status = models.AgentStatusActive
		s.sawAssistant = true
		s.applyAssistant(&e)
	}
}

func (s *claudeSession) applyUser(e *claudeEntry) {
	for _, b := range e.Message.blocks() {
		if b.Type != "tool_result" {
			continue
		}

		call, ok := s.pending[b.ToolUseID]
		delete(s.pending, b.ToolUseID)

		if b.IsError && ok {
			s.activities.add(models.Activity{
				Category:  models.ActivityError,
				Summary:   call.Name + " failed " + call.Target,
				Timestamp: e.Timestamp,
			})
		}
	}
}

func (s *claudeSession) applyAssistant(e *claudeEntry) {
	if e.IsAPIError {
		s.status = models.AgentStatusError
		s.activities.add(models.Activity{Category: models.ActivityError, Summary: "API error", Timestamp: e.Timestamp})
	}

	msg := e.Message
	if msg == nil {
		return
	}

	if msg.Model != "" && !strings.HasPrefix(msg.Model, "<") {
		s.model = msg.Model
	}

	// One API message is split across several lines that repeat its usage.
	_, billed := s.billed[msg.ID]
	if msg.ID != "" {
		s.billed[msg.ID] = struct{}{}
	}

	if u := msg.Usage; u != nil && !billed {
		usage := models.TokenUsage{
			Input:       u.InputTokens,
			Output:      u.OutputTokens,
			CacheCreate: u.CacheCreationInputTokens,
			CacheRead:   u.CacheReadInputTokens,
		}
		s.tokens = s.tokens.Add(usage)
		s.cost += EstimateCost(msg.Model, usage)
	}

	for _, b := range msg.blocks() {
		if b.Type != "tool_use" {
			continue
		}

		target := toolTarget(b.Input)
		s.pending[b.ID] = models.ToolCall{ID: b.ID, Name: b.Name, Target: target, StartedAt: e.Timestamp}

		category := models.ActivityToolCall

		switch {
		case fileEditTools[b.Name]:
			category = models.ActivityFileEdit

			if target != "" {
				s.touched[target] = struct{}{}
			}
		case b.Name == "Bash":
			category = models.ActivityCommand
		}

		s.activities.add(models.Activity{
			Category:  category,
			Summary:   strings.TrimSpace(b.Name + " " + target),
			Timestamp: e.Timestamp,
		})
	}
}

func (s *claudeSession) record(path, host string, now time.Time) models.RawRecord {
	status := s.status
	if status == "" || (!s.sawAssistant && status == models.AgentStatusActive) {
		status = models.AgentStatusStarting
	}

	status = agedStatus(status, s.lastAt, now)

	sessionID := s.sessionID
	if sessionID == "" {
		sessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}

	tools := make([]models.ToolCall, 0, len(s.pending))
	if status == models.AgentStatusActive || status == models.AgentStatusError {
		for _, call := range s.pending {
			tools = append(tools, call)
		}

		sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	}

	touched := make([]string, 0, len(s.touched))
	for f := range s.touched {
		touched = append(touched, f)
	}

	sort.Strings(touched)

	return models.RawRecord{
		Provider:      ClaudeProviderName,
		SessionID:     sessionID,
		Host:          host,
		Workspace:     s.cwd,
		SourcePath:    path,
		Name:          sessionName(s.slug, s.cwd, sessionID),
		Status:        status,
		Model:         s.model,
		Tokens:        s.tokens,
		EstimatedCost: s.cost,
		ActiveTools:   tools,
		TouchedFiles:  touched,
		StartedAt:     s.firstAt,
		ObservedAt:    s.lastAt,
		Activities:    s.activities.snapshot(),
	}
}

// LoadConversation parses the session file referenced by the agent's claude transcript.
func (p *claudeProvider) LoadConversation(_ context.Context, agent models.Agent) (*models.Conversation, error) {
	path := agent.Transcripts[ClaudeProviderName]
	if path == "" {
		return nil, fmt.Errorf("%w: no claude transcript for %s", models.ErrStoreUnreachable, agent.ID)
	}

	lines, err := readAllLines(path, json.Valid)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{AgentID: agent.ID, Source: ClaudeProviderName, Turns: []models.ConversationTurn{}}

	for _, line := range lines {
		var e claudeEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrTranscriptMalformed, err)
		}

		if e.Message == nil || (e.Type != "user" && e.Type != "assistant") {
			continue
		}

		turn := models.ConversationTurn{Role: e.Message.Role, Model: e.Message.Model, Timestamp: e.Timestamp}
		if turn.Role == "" {
			turn.Role = e.Type
		}

		var text []string

		for _, b := range e.Message.blocks() {
			switch b.Type {
			case "text":
				text = append(text, b.Text)
			case "tool_use":
				turn.Tools = append(turn.Tools, b.Name)
			}
		}

		turn.Content = strings.Join(text, "\n")
		if turn.Content == "" && len(turn.Tools) == 0 {
			continue
		}

		conv.Turns = append(conv.Turns, turn)
	}

	return conv, nil
}

// toolTarget picks the most descriptive argument of a tool call.
func toolTarget(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var args map[string]interface{}
	if json.Unmarshal(input, &args) != nil {
		return ""
	}

	for _, key := range []string{"file_path", "notebook_path", "path", "command", "pattern", "url", "description"} {
		if v, ok := args[key].(string); ok && v != "" {
			return truncate(v, maxSummaryLength)
		}
	}

	return ""
}

func sessionName(title, cwd, sessionID string) string {
	switch {
	case title != "":
		return title
	case cwd != "":
		return filepath.Base(cwd)
	case len(sessionID) > 8:
		return sessionID[:8]
	default:
		return sessionID
	}
}
