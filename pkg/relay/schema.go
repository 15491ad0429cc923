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
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const pushSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["instanceId", "hostname", "snapshot"],
  "properties": {
    "instanceId": {"type": "string", "minLength": 1, "maxLength": 128},
    "hostname": {"type": "string", "maxLength": 255},
    "workspace": {"type": "string", "maxLength": 1024},
    "advertiseUrl": {"type": "string", "pattern": "^https?://"},
    "apiPort": {"type": "integer", "minimum": 0, "maximum": 65535},
    "ttlSeconds": {"type": "integer", "minimum": 0, "maximum": 86400},
    "snapshot": {
      "type": "object",
      "required": ["agents"],
      "properties": {
        "instanceId": {"type": "string"},
        "generatedAt": {"type": "string"},
        "agents": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "required": ["id", "status"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "status": {"enum": ["starting", "active", "idle", "completed", "error"]}
            }
          }
        },
        "activities": {"type": ["array", "null"]}
      }
    }
  }
}`

// PushValidator checks push envelopes before they are decoded.
type PushValidator struct {
	schema *gojsonschema.Schema
}

// NewPushValidator compiles the push envelope schema.
func NewPushValidator() (*PushValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(pushSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load push schema: %w", err)
	}

	return &PushValidator{schema: schema}, nil
}

// Validate returns ErrInvalidPush describing every violation.
func (v *PushValidator) Validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPush, err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidPush, strings.Join(msgs, "; "))
}
