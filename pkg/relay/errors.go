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

import "errors"

var (
	ErrMissingURL       = errors.New("relay url is required when relay is enabled")
	ErrInvalidURL       = errors.New("relay url must be an absolute http(s) url")
	ErrMissingToken     = errors.New("relay token is required")
	ErrInvalidDuration  = errors.New("relay durations must be positive")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrUnauthorized     = errors.New("relay rejected credentials")
	ErrRejected         = errors.New("relay rejected push")
	ErrInvalidPush      = errors.New("invalid push envelope")
	ErrPushTooLarge     = errors.New("push body too large")
	errServerError      = errors.New("server error")
	errUnexpectedStatus = errors.New("unexpected relay response")
)
