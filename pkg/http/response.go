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

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/carverauto/agentradar/pkg/models"
)

// Error codes returned in models.ErrorResponse.Code.
const (
	CodeAgentNotFound       = "agent_not_found"
	CodeStoreUnreachable    = "store_unreachable"
	CodeTranscriptMalformed = "transcript_malformed"
	CodeBadRequest          = "bad_request"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal_error"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a structured error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, models.ErrorResponse{Code: code, Message: message, Status: status})
}

// ConversationStatus maps a conversation lookup error onto an HTTP status and code.
func ConversationStatus(err error) (status int, code string) {
	switch {
	case errors.Is(err, models.ErrAgentNotFound):
		return http.StatusNotFound, CodeAgentNotFound
	case errors.Is(err, models.ErrTranscriptMalformed):
		return http.StatusInternalServerError, CodeTranscriptMalformed
	case errors.Is(err, models.ErrStoreUnreachable):
		return http.StatusBadGateway, CodeStoreUnreachable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// WriteConversationError writes err using ConversationStatus.
func WriteConversationError(w http.ResponseWriter, err error) {
	status, code := ConversationStatus(err)
	WriteError(w, status, code, err.Error())
}
