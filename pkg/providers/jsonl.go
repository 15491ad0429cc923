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

package providers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/carverauto/agentradar/pkg/models"
)

const (
	// An active session with no new entries for this long is reported idle.
	staleActiveAfter = 2 * time.Minute
	// A session with no new entries for this long is reported completed.
	completedAfter = 15 * time.Minute
	// Default window for which session files are considered at all.
	defaultActiveWindow = 30 * time.Minute
	// Per-session activity ring size.
	maxSessionActivities = 50
	maxSummaryLength     = 120
)

// jsonlCursor remembers how far into an append-only JSONL file we have read.
type jsonlCursor struct {
	offset int64
}

// advance feeds each complete line appended since the last call to fn. A
// trailing line without a newline is left for the next call. When the file
// shrank the cursor rewinds and reset is true so callers can drop derived state.
func (c *jsonlCursor) advance(path string, fn func(line []byte)) (reset bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}

	if info.Size() < c.offset {
		c.offset = 0
		reset = true
	}

	if info.Size() == c.offset {
		return reset, nil
	}

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return reset, err
	}

	r := bufio.NewReaderSize(f, 64*1024)

	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return reset, nil
			}

			return reset, readErr
		}

		c.offset += int64(len(line))

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			fn(trimmed)
		}
	}
}

// readAllLines returns every non-empty line of a transcript. A malformed line
// anywhere but the last position fails the whole read; the last line may be mid-write.
func readAllLines(path string, valid func([]byte) bool) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnreachable, err)
	}

	raw := bytes.Split(data, []byte{'\n'})
	lines := make([][]byte, 0, len(raw))

	for i, line := range raw {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if !valid(line) {
			if isLastNonEmpty(raw, i) {
				break
			}

			return nil, fmt.Errorf("%w: %s line %d", models.ErrTranscriptMalformed, path, i+1)
		}

		lines = append(lines, line)
	}

	return lines, nil
}

func isLastNonEmpty(lines [][]byte, i int) bool {
	for _, l := range lines[i+1:] {
		if len(bytes.TrimSpace(l)) > 0 {
			return false
		}
	}

	return true
}

// agedStatus downgrades a session's parsed status by how long it has been quiet.
func agedStatus(status models.AgentStatus, lastAt, now time.Time) models.AgentStatus {
	quiet := now.Sub(lastAt)

	switch {
	case status == models.AgentStatusError:
		return status
	case quiet > completedAfter:
		return models.AgentStatusCompleted
	case status == models.AgentStatusActive && quiet > staleActiveAfter:
		return models.AgentStatusIdle
	default:
		return status
	}
}

// activityRing keeps the newest maxSessionActivities entries.
type activityRing []models.Activity

func (r *activityRing) add(a models.Activity) {
	a.Summary = truncate(a.Summary, maxSummaryLength)

	*r = append(*r, a)
	if len(*r) > maxSessionActivities {
		*r = append((*r)[:0:0], (*r)[len(*r)-maxSessionActivities:]...)
	}
}

func (r activityRing) snapshot() []models.Activity {
	return append([]models.Activity(nil), r...)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n-1]) + "…"
}
