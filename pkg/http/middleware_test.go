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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

func okHandler(t *testing.T) http.Handler {
	t.Helper()

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			t.Errorf("Error writing response: %v", err)
		}
	})
}

func TestCommonMiddleware_CORS(t *testing.T) {
	corsConfig := models.CORSConfig{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
	}

	handler := CommonMiddleware(okHandler(t), corsConfig, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Origin", "http://localhost:3000")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Origin", "http://evil.com")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"), "CORS allowed an unpermitted origin")
}

func TestCommonMiddleware_Preflight(t *testing.T) {
	handler := CommonMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("preflight reached the handler")
	}), models.CORSConfig{}, logger.NewTestLogger())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/state", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	handler := APIKeyMiddlewareWithOptions(APIKeyOptions{
		APIKey:          "test-key",
		ExcludePaths:    []string{"/api/health"},
		LogUnauthorized: true,
		Logger:          logger.NewTestLogger(),
	})(okHandler(t))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing token", "/api/state", nil, http.StatusUnauthorized},
		{"wrong token", "/api/state", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer token", "/api/state", map[string]string{"Authorization": "Bearer test-key"}, http.StatusOK},
		{"api key header", "/api/state", map[string]string{"X-API-Key": "test-key"}, http.StatusOK},
		{"query token", "/api/stream?token=test-key", nil, http.StatusOK},
		{"excluded path", "/api/health", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAPIKeyMiddleware_Disabled(t *testing.T) {
	handler := APIKeyMiddlewareWithOptions(APIKeyOptions{})(okHandler(t))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/state", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
}
