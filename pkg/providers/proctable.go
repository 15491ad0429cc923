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
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is the subset of process table data the providers use.
type ProcessInfo struct {
	PID        int
	Name       string
	Exe        string
	Cmdline    []string
	CreateTime time.Time
}

// ProcessTable abstracts the host process table so providers can be tested without real processes.
type ProcessTable interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
	Cwd(ctx context.Context, pid int) (string, error)
	OpenFiles(ctx context.Context, pid int) ([]string, error)
	ListeningPorts(ctx context.Context, pid int) ([]int, error)
}

// NewProcessTable returns the gopsutil-backed table.
func NewProcessTable() ProcessTable {
	return gopsutilTable{}
}

type gopsutilTable struct{}

//nolint:gochecknoglobals // interpreters whose argv must be inspected to find the agent
var scriptHosts = map[string]bool{"node": true, "bun": true, "deno": true}

func (gopsutilTable) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProcessInfo, 0, 16)

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}

		info := ProcessInfo{PID: int(p.Pid), Name: name}

		if agentKind(info) == "" && !scriptHosts[strings.ToLower(name)] {
			continue
		}

		info.Exe, _ = p.ExeWithContext(ctx)
		info.Cmdline, _ = p.CmdlineSliceWithContext(ctx)

		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			info.CreateTime = time.UnixMilli(created)
		}

		if agentKind(info) == "" {
			continue
		}

		out = append(out, info)
	}

	return out, nil
}

func (gopsutilTable) Cwd(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return "", err
	}

	return p.CwdWithContext(ctx)
}

func (gopsutilTable) OpenFiles(ctx context.Context, pid int) ([]string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil, err
	}

	files, err := p.OpenFilesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}

	return paths, nil
}

func (gopsutilTable) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	conns, err := net.ConnectionsPidWithContext(ctx, "tcp", int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	ports := make([]int, 0, len(conns))

	for _, c := range conns {
		port := int(c.Laddr.Port)
		if c.Status != "LISTEN" || seen[port] {
			continue
		}

		seen[port] = true
		ports = append(ports, port)
	}

	sort.Ints(ports)

	return ports, nil
}

const (
	kindClaude   = "claude"
	kindCodex    = "codex"
	kindOpenCode = "opencode"
	kindGemini   = "gemini"
	kindAmp      = "amp"
)

//nolint:gochecknoglobals // compiled once
var (
	claudeLockRe = regexp.MustCompile(`/\.claude/tasks/([0-9a-f-]{36})/\.lock$`)
	rolloutRe    = regexp.MustCompile(`rollout.*?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\.jsonl$`)
)

// agentKind identifies which coding agent a process runs, or "" when it is not one.
func agentKind(p ProcessInfo) string {
	candidates := []string{p.Name, filepath.Base(p.Exe)}
	if len(p.Cmdline) > 0 {
		candidates = append(candidates, filepath.Base(p.Cmdline[0]))
	}

	for _, c := range candidates {
		switch strings.ToLower(c) {
		case kindClaude:
			return kindClaude
		case kindCodex:
			return kindCodex
		case kindOpenCode:
			return kindOpenCode
		}
	}

	if len(p.Cmdline) > 1 {
		script := strings.ToLower(strings.Join(p.Cmdline[1:], " "))

		switch {
		case strings.Contains(script, "@anthropic-ai/claude-code"):
			return kindClaude
		case strings.Contains(script, "@openai/codex"):
			return kindCodex
		case strings.Contains(script, "gemini-cli") || strings.HasSuffix(script, "/bin/gemini"):
			return kindGemini
		case strings.Contains(script, "@sourcegraph/amp") || strings.HasSuffix(script, "/bin/amp"):
			return kindAmp
		}
	}

	return ""
}

// sessionFromOpenFiles extracts the session id an agent process holds open.
// It returns "" unless exactly one session is found.
func sessionFromOpenFiles(kind string, files []string) string {
	var re *regexp.Regexp

	switch kind {
	case kindClaude:
		re = claudeLockRe
	case kindCodex:
		re = rolloutRe
	default:
		return ""
	}

	found := ""

	for _, f := range files {
		m := re.FindStringSubmatch(f)
		if len(m) != 2 {
			continue
		}

		if found != "" && found != m[1] {
			// Several sessions open at once; the process cannot be pinned to one.
			return ""
		}

		found = m[1]
	}

	return found
}
