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

package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushValidator(t *testing.T) {
	v, err := NewPushValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"minimal", `{"instanceId":"a","hostname":"h","snapshot":{"agents":[]}}`, true},
		{"null agents", `{"instanceId":"a","hostname":"h","snapshot":{"agents":null}}`, true},
		{"with agent", `{"instanceId":"a","hostname":"h","snapshot":{"agents":[{"id":"s1","status":"active"}]}}`, true},
		{"missing instance", `{"hostname":"h","snapshot":{"agents":[]}}`, false},
		{"empty instance", `{"instanceId":"","hostname":"h","snapshot":{"agents":[]}}`, false},
		{"missing snapshot", `{"instanceId":"a","hostname":"h"}`, false},
		{"bad status", `{"instanceId":"a","hostname":"h","snapshot":{"agents":[{"id":"s1","status":"sleeping"}]}}`, false},
		{"negative ttl", `{"instanceId":"a","hostname":"h","ttlSeconds":-1,"snapshot":{"agents":[]}}`, false},
		{"bad advertise url", `{"instanceId":"a","hostname":"h","advertiseUrl":"ftp://x","snapshot":{"agents":[]}}`, false},
		{"not json", `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.body))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPush)
			}
		})
	}
}
