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

package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	pidKeyPrefix    = "pid-"
	sourceKeyPrefix = "src-"
	shortHashLen    = 16
)

// Dedup keys, strongest first:
//  1. explicit session id -> the session id itself
//  2. process id (+ workspace guard) -> pid-<host>-<pid>
//  3. provider + source path -> src-<provider>-<hash>
//
// The third key is unique to one source, so records without a session id or
// pid never merge across providers.

func pidKey(host string, pid int) string {
	return fmt.Sprintf("%s%s-%d", pidKeyPrefix, host, pid)
}

func sourceKey(provider string, parts ...string) string {
	return sourceKeyPrefix + provider + "-" + shortHash(parts...)
}

func shortHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))

	return hex.EncodeToString(sum[:])[:shortHashLen]
}

func hostPID(host string, pid int) string {
	return fmt.Sprintf("%s|%d", host, pid)
}

// workspaceCompatible treats an unknown workspace as matching anything.
func workspaceCompatible(a, b string) bool {
	return a == "" || b == "" || a == b
}
