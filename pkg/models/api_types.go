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

package models

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// HealthResponse is served at /api/health.
type HealthResponse struct {
	Version    string  `json:"version"`
	InstanceID string  `json:"instanceId"`
	Uptime     string  `json:"uptime"`
	UptimeSecs float64 `json:"uptimeSeconds"`
}

// CORSConfig configures the shared HTTP middleware.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials"`
}

// Header is a custom HTTP header sent by outbound integrations.
type Header struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}
