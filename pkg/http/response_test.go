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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/agentradar/pkg/models"
)

var errBoom = errors.New("boom")

func TestConversationStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{models.ErrAgentNotFound, http.StatusNotFound, CodeAgentNotFound},
		{fmt.Errorf("read: %w", models.ErrTranscriptMalformed), http.StatusInternalServerError, CodeTranscriptMalformed},
		{fmt.Errorf("%w: %w", models.ErrStoreUnreachable, &models.TransportError{Op: "get", Err: errBoom}), http.StatusBadGateway, CodeStoreUnreachable},
		{errBoom, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		status, code := ConversationStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestWriteConversationError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteConversationError(rr, models.ErrAgentNotFound)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, CodeAgentNotFound, body.Code)
	assert.Equal(t, http.StatusNotFound, body.Status)
}
