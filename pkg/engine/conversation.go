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

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/agentradar/pkg/models"
)

// Conversation implements api.Backend. Agents this instance observed are loaded
// from the provider that holds the transcript; foreign agents are proxied to the
// peer that reported them. localOnly never proxies.
func (e *Engine) Conversation(ctx context.Context, agentID string, localOnly bool) (*models.Conversation, error) {
	snap := e.publisher.Current()
	if localOnly {
		snap = e.publisher.Local()
	}

	agent, ok := snap.FindAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentNotFound, agentID)
	}

	var localErr error

	if len(agent.Origins) == 0 || agent.HasOrigin(e.config.InstanceID) {
		conv, err := e.loadLocal(ctx, &agent)
		if err == nil || localOnly || !errors.Is(err, errNoTranscript) {
			return conv, err
		}

		localErr = err
	}

	if localOnly {
		return nil, fmt.Errorf("%w: %s", models.ErrAgentNotFound, agentID)
	}

	return e.loadFromPeers(ctx, &agent, localErr)
}

func (e *Engine) loadLocal(ctx context.Context, agent *models.Agent) (*models.Conversation, error) {
	var lastErr error

	for _, name := range sortedKeys(agent.Transcripts) {
		src, ok := e.sources[name]
		if !ok {
			continue
		}

		conv, err := src.LoadConversation(ctx, *agent)
		if err == nil {
			return conv, nil
		}

		if errors.Is(err, models.ErrTranscriptMalformed) {
			return nil, err
		}

		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, fmt.Errorf("%w: %w: %s", models.ErrStoreUnreachable, errNoTranscript, agent.ID)
}

func (e *Engine) loadFromPeers(ctx context.Context, agent *models.Agent, localErr error) (*models.Conversation, error) {
	if e.peers == nil {
		if localErr != nil && !errors.Is(localErr, models.ErrAgentNotFound) {
			return nil, localErr
		}

		return nil, fmt.Errorf("%w: peer sync disabled for %s", models.ErrStoreUnreachable, agent.ID)
	}

	var errs []error
	if localErr != nil {
		errs = append(errs, localErr)
	}

	for _, origin := range agent.Origins {
		if origin == e.config.InstanceID {
			continue
		}

		conv, err := e.peers.FetchConversation(ctx, origin, agent.ID)
		if err == nil {
			return conv, nil
		}

		if errors.Is(err, models.ErrTranscriptMalformed) {
			return nil, err
		}

		e.logger.Debug().Err(err).Str("agent_id", agent.ID).Str("peer_id", origin).Msg("Peer conversation fetch failed")
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no peer owns %s", models.ErrStoreUnreachable, agent.ID)
	}

	// The agent is in the snapshot, so an owner that no longer reports it is
	// unreachable rather than unknown.
	return nil, fmt.Errorf("%w: no peer served %s: %v", models.ErrStoreUnreachable, agent.ID, errors.Join(errs...))
}
