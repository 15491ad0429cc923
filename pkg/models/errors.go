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

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned when an identity is unknown to the current snapshot.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrStoreUnreachable is returned when a transcript's backing store cannot be read.
	ErrStoreUnreachable = errors.New("backing store unreachable")
	// ErrTranscriptMalformed is returned when a transcript cannot be decoded.
	ErrTranscriptMalformed = errors.New("transcript malformed")
)

// SourceError records a provider, peer or relay fetch that failed or timed out.
type SourceError struct {
	Source  string
	Timeout bool
	Err     error
}

func (e *SourceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("source %s timed out: %v", e.Source, e.Err)
	}

	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// MergeConflict records two records sharing a dedup key with contradictory values.
// The freshest value is kept; conflicts are informational.
type MergeConflict struct {
	Key     string
	Field   string
	Kept    string
	Dropped string
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("merge conflict on %s.%s: kept %q, dropped %q", e.Key, e.Field, e.Kept, e.Dropped)
}

// DeliveryError records a failed alert channel dispatch.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("alert channel %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TransportError records a network failure on a push or an API read.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
