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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// ProcessProviderName is the registry key for the process table scan.
const ProcessProviderName = "process"

// Processes younger than this are reported as starting.
const startingGrace = 10 * time.Second

type processProvider struct {
	procs  ProcessTable
	host   string
	now    func() time.Time
	logger logger.Logger

	mu     sync.Mutex
	health models.ProviderStatus
}

// NewProcessProvider reports one record per running coding-agent process.
// Its records carry a pid and, where the process holds a session file open, a session id.
func NewProcessProvider(_ Config, env Env) Provider {
	env.fill()

	return &processProvider{
		procs:  env.Procs,
		host:   env.Hostname,
		now:    env.Now,
		logger: env.Logger,
		health: models.ProviderStatusOK,
	}
}

func (*processProvider) Name() string { return ProcessProviderName }

func (p *processProvider) Health() models.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.health
}

func (p *processProvider) Fetch(ctx context.Context) (*FetchResult, error) {
	procs, err := p.procs.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan process table: %w", err)
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	now := p.now()
	result := &FetchResult{Records: make([]models.RawRecord, 0, len(procs))}

	for _, proc := range procs {
		kind := agentKind(proc)
		if kind == "" {
			continue
		}

		cwd, err := p.procs.Cwd(ctx, proc.PID)
		if err != nil {
			// Permission errors on other users' processes are expected.
			p.logger.Debug().Err(err).Int("pid", proc.PID).Msg("Failed to read process cwd")
		}

		var sessionID string

		if kind == kindClaude || kind == kindCodex {
			files, err := p.procs.OpenFiles(ctx, proc.PID)
			if err != nil {
				p.logger.Debug().Err(err).Int("pid", proc.PID).Msg("Failed to list open files")
			}

			sessionID = sessionFromOpenFiles(kind, files)
		}

		status := models.AgentStatusActive
		if !proc.CreateTime.IsZero() && now.Sub(proc.CreateTime) < startingGrace {
			status = models.AgentStatusStarting
		}

		result.Records = append(result.Records, models.RawRecord{
			Provider:  ProcessProviderName,
			SessionID: sessionID,
			PID:       proc.PID,
			Host:      p.host,
			Workspace: cwd,
			Name:      kind,
			Status:    status,
			StartedAt: proc.CreateTime,
			// A process scan knows nothing newer than the process start, so its
			// status never overrides a session file's fresher view.
			ObservedAt: proc.CreateTime,
		})
	}

	p.mu.Lock()
	p.health = models.ProviderStatusOK
	p.mu.Unlock()

	return result, nil
}
