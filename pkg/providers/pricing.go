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
	"strings"

	"github.com/carverauto/agentradar/pkg/models"
)

// USD per million tokens.
type rate struct {
	input, output, cacheWrite, cacheRead float64
}

//nolint:gochecknoglobals // static price table
var modelRates = []struct {
	match string
	rate  rate
}{
	{"opus", rate{15, 75, 18.75, 1.50}},
	{"sonnet", rate{3, 15, 3.75, 0.30}},
	{"haiku", rate{0.80, 4, 1, 0.08}},
	{"gpt-5", rate{1.25, 10, 0, 0.125}},
	{"codex", rate{1.25, 10, 0, 0.125}},
	{"o4-mini", rate{1.10, 4.40, 0, 0.275}},
}

// EstimateCost prices usage for model. Unknown models cost zero.
func EstimateCost(model string, usage models.TokenUsage) float64 {
	m := strings.ToLower(model)

	for _, entry := range modelRates {
		if strings.Contains(m, entry.match) {
			r := entry.rate

			return (float64(usage.Input)*r.input +
				float64(usage.Output)*r.output +
				float64(usage.CacheCreate)*r.cacheWrite +
				float64(usage.CacheRead)*r.cacheRead) / 1_000_000
		}
	}

	return 0
}
