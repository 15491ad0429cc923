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

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/carverauto/agentradar/pkg/models"
)

// History keeps the most recent alert events, fired and suppressed. Delivery
// errors are kept beside the cache so recording one does not change eviction order.
type History struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, models.AlertEvent]
	errors map[string]map[string]string
}

// NewHistory holds at most size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}

	h := &History{errors: make(map[string]map[string]string)}

	// the callback runs inside Add, which is only called with h.mu held
	h.cache, _ = lru.NewWithEvict[string, models.AlertEvent](size, func(id string, _ models.AlertEvent) {
		delete(h.errors, id)
	})

	return h
}

func (h *History) add(ev *models.AlertEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache.Add(ev.ID, cloneEvent(ev))
}

func (h *History) recordDeliveryError(id, channel string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.cache.Contains(id) {
		return
	}

	errs, ok := h.errors[id]
	if !ok {
		errs = make(map[string]string)
		h.errors[id] = errs
	}

	errs[channel] = err.Error()
}

// Recent returns up to limit events, newest first. A non-positive limit returns all.
func (h *History) Recent(limit int) []models.AlertEvent {
	h.mu.Lock()
	values := h.cache.Values()

	for i := range values {
		errs := h.errors[values[i].ID]
		if len(errs) == 0 {
			continue
		}

		merged := make(map[string]string, len(values[i].DeliveryErrors)+len(errs))
		for k, v := range values[i].DeliveryErrors {
			merged[k] = v
		}

		for k, v := range errs {
			merged[k] = v
		}

		values[i].DeliveryErrors = merged
	}
	h.mu.Unlock()

	sort.Slice(values, func(i, j int) bool {
		if !values[i].OccurredAt.Equal(values[j].OccurredAt) {
			return values[i].OccurredAt.After(values[j].OccurredAt)
		}

		if values[i].Generation != values[j].Generation {
			return values[i].Generation > values[j].Generation
		}

		return values[i].ID > values[j].ID
	})

	if limit > 0 && len(values) > limit {
		values = values[:limit]
	}

	return values
}

// Len reports the number of retained events.
func (h *History) Len() int {
	return h.cache.Len()
}

func cloneEvent(ev *models.AlertEvent) models.AlertEvent {
	cp := *ev
	cp.Channels = append([]string(nil), ev.Channels...)

	if ev.Agent != nil {
		a := *ev.Agent
		cp.Agent = &a
	}

	if ev.DeliveryErrors != nil {
		cp.DeliveryErrors = make(map[string]string, len(ev.DeliveryErrors))
		for k, v := range ev.DeliveryErrors {
			cp.DeliveryErrors[k] = v
		}
	}

	return cp
}
