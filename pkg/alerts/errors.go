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

import "errors"

var (
	ErrUnknownChannelType = errors.New("unknown alert channel type")
	ErrUnknownChannel     = errors.New("rule routes to an undefined channel")
	ErrInvalidRule        = errors.New("invalid alert rule")
	ErrMissingWebhookURL  = errors.New("webhook channel requires url")
	ErrMissingDiscord     = errors.New("discord channel requires webhook_id and webhook_token, or bot_token and channel_id")
	errChannelPanic       = errors.New("channel panicked")
	errWebhookStatus      = errors.New("webhook returned non-success status")
)
