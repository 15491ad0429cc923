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
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

var errUnknownProvider = errors.New("unknown provider")

// Config is the per-provider section under `providers` in the engine config.
type Config struct {
	Enabled      *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path         string          `json:"path,omitempty" yaml:"path,omitempty"`
	ActiveWindow models.Duration `json:"active_window,omitempty" yaml:"active_window,omitempty"`
}

// IsEnabled defaults to true when the flag is omitted.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Env carries the host facts every provider needs.
type Env struct {
	Hostname string
	HomeDir  string
	Logger   logger.Logger
	Now      func() time.Time
	Procs    ProcessTable
}

func (e *Env) fill() {
	if e.Logger == nil {
		e.Logger = logger.NewTestLogger()
	}

	if e.Now == nil {
		e.Now = time.Now
	}

	if e.Procs == nil {
		e.Procs = NewProcessTable()
	}

	if e.HomeDir == "" {
		e.HomeDir, _ = os.UserHomeDir()
	}

	if e.Hostname == "" {
		e.Hostname, _ = os.Hostname()
	}
}

// Creator builds a provider from its config section.
type Creator func(ctx context.Context, cfg Config, env Env) (Provider, error)

// Registry maps provider names to creators.
type Registry interface {
	Register(name string, creator Creator)
	Names() []string
	Build(ctx context.Context, cfgs map[string]Config, env Env) ([]Provider, error)
}

type providerRegistry struct {
	mu        sync.RWMutex
	factories map[string]Creator
}

// NewRegistry returns an empty registry.
func NewRegistry() Registry {
	return &providerRegistry{factories: make(map[string]Creator)}
}

// DefaultRegistry has every built-in provider registered.
func DefaultRegistry() Registry {
	r := NewRegistry()

	r.Register(ClaudeProviderName, func(_ context.Context, cfg Config, env Env) (Provider, error) {
		return NewClaudeProvider(cfg, env), nil
	})
	r.Register(CodexProviderName, func(_ context.Context, cfg Config, env Env) (Provider, error) {
		return NewCodexProvider(cfg, env), nil
	})
	r.Register(ProcessProviderName, func(_ context.Context, cfg Config, env Env) (Provider, error) {
		return NewProcessProvider(cfg, env), nil
	})
	r.Register(OpenCodeProviderName, func(_ context.Context, cfg Config, env Env) (Provider, error) {
		return NewOpenCodeProvider(cfg, env), nil
	})

	return r
}

func (r *providerRegistry) Register(name string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = creator
}

func (r *providerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Build instantiates every registered provider that cfgs does not disable, in name order.
// A config section naming an unregistered provider is an error.
func (r *providerRegistry) Build(ctx context.Context, cfgs map[string]Config, env Env) ([]Provider, error) {
	env.fill()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range cfgs {
		if _, ok := r.factories[name]; !ok {
			return nil, fmt.Errorf("%w: %s", errUnknownProvider, name)
		}
	}

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	out := make([]Provider, 0, len(names))

	for _, name := range names {
		cfg := cfgs[name]
		if !cfg.IsEnabled() {
			env.Logger.Info().Str("provider", name).Msg("Provider disabled by configuration")
			continue
		}

		p, err := r.factories[name](ctx, cfg, env)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
		}

		out = append(out, p)
	}

	return out, nil
}
