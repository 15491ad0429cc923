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

// Package http holds middleware shared by the engine API and the relay server.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// CommonMiddleware applies CORS headers and logs every request at debug level.
// An empty AllowedOrigins list allows any origin.
func CommonMiddleware(next http.Handler, cors models.CORSConfig, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if origin := r.Header.Get("Origin"); origin != "" && OriginAllowed(origin, cors.AllowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")

			if cors.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// OriginAllowed reports whether origin is in allowed. An empty list allows any origin.
func OriginAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}

	return false
}

// APIKeyOptions configures token authentication.
type APIKeyOptions struct {
	APIKey          string
	ExcludePaths    []string
	LogUnauthorized bool
	Logger          logger.Logger
}

// APIKeyMiddlewareWithOptions accepts the token as `Authorization: Bearer <token>`
// or `X-API-Key`. An empty APIKey disables the check.
func APIKeyMiddlewareWithOptions(opts APIKeyOptions) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.APIKey == "" || excluded(r.URL.Path, opts.ExcludePaths) {
				next.ServeHTTP(w, r)
				return
			}

			if subtle.ConstantTimeCompare([]byte(RequestToken(r)), []byte(opts.APIKey)) != 1 {
				if opts.LogUnauthorized && opts.Logger != nil {
					opts.Logger.Warn().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("remote_addr", r.RemoteAddr).
						Msg("Unauthorized API access attempt")
				}

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				_ = json.NewEncoder(w).Encode(models.ErrorResponse{
					Code:    "unauthorized",
					Message: "missing or invalid token",
					Status:  http.StatusUnauthorized,
				})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestToken extracts the presented token, preferring the Authorization header.
func RequestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

func excluded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}

	return false
}
