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

package peers

import "errors"

var (
	ErrUnknownStore     = errors.New("unknown peer store")
	ErrMissingNATSURL   = errors.New("nats store requires nats_url")
	ErrInvalidTTL       = errors.New("peer ttl must be positive")
	ErrInvalidPort      = errors.New("peer port out of range")
	ErrPeerNotFound     = errors.New("peer not found")
	errEmptyInstanceID  = errors.New("peer entry has no instance id")
	errUnexpectedStatus = errors.New("unexpected peer response")
)
