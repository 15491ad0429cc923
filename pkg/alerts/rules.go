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
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carverauto/agentradar/pkg/models"
)

type rulesFile struct {
	Rules []models.AlertRule `yaml:"rules"`
}

// DefaultRules logs errors and provider degradation with a five minute throttle.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{
			Name:     "agent-error",
			Event:    models.AlertAgentError,
			Channels: []string{ChannelLog},
			Throttle: models.Duration(defaultThrottle),
		},
		{
			Name:       "provider-degraded",
			Event:      models.AlertProviderDegraded,
			Channels:   []string{ChannelLog},
			Throttle:   models.Duration(defaultThrottle),
			PendingFor: models.Duration(10 * time.Second),
		},
		{
			Name:     "agent-completed",
			Event:    models.AlertAgentCompleted,
			Channels: []string{ChannelLog},
		},
	}
}

// LoadRulesFile reads a YAML document of the form `rules: [...]`.
func LoadRulesFile(path string) ([]models.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	return doc.Rules, nil
}

// ResolveRules combines inline rules with the rules file, falling back to
// DefaultRules when neither defines any. File rules override inline rules of the same name.
func ResolveRules(cfg *Config) ([]models.AlertRule, error) {
	rules := append([]models.AlertRule(nil), cfg.Rules...)

	if cfg.RulesFile != "" {
		fromFile, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}

		index := make(map[string]int, len(rules))
		for i, r := range rules {
			index[r.Name] = i
		}

		for _, r := range fromFile {
			if i, ok := index[r.Name]; ok {
				rules[i] = r
				continue
			}

			index[r.Name] = len(rules)
			rules = append(rules, r)
		}
	}

	if len(rules) == 0 {
		rules = DefaultRules()
	}

	if err := ValidateRules(rules, cfg.Channels); err != nil {
		return nil, err
	}

	return rules, nil
}
