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

// Package alerts turns snapshot transitions into notifications.
//
// Every (rule, subject) pair runs its own state machine:
//
//	idle -> pending -> fired -> cooling-down -> idle
//
// A rising edge of the rule's condition moves idle to pending. Pending fires
// once the condition has held for the rule's pending_for window, dispatches to
// the rule's channels and cools down for the throttle window. Rising edges seen
// while cooling down are recorded as suppressed events.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// Phase is the state of one (rule, subject) pair.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseFired
	PhaseCoolingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePending:
		return "pending"
	case PhaseFired:
		return "fired"
	case PhaseCoolingDown:
		return "cooling-down"
	default:
		return "unknown"
	}
}

type stateKey struct {
	rule    string
	subject string
}

type ruleState struct {
	phase        Phase
	pendingSince time.Time
	coolUntil    time.Time
}

type condition struct {
	holds   bool
	rising  bool
	agent   *models.Agent
	message string
}

// DeliveryObserver is told the outcome of every channel delivery.
type DeliveryObserver func(channel string, err error)

// Engine evaluates rules against consecutive snapshots. Evaluate must be called
// from a single goroutine; History and Wait are safe to call concurrently.
type Engine struct {
	rules           []models.AlertRule
	channels        map[string]Channel
	history         *History
	now             func() time.Time
	newID           func() string
	observer        DeliveryObserver
	dispatchTimeout time.Duration
	logger          logger.Logger

	states     map[stateKey]*ruleState
	generation int64
	wg         sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid event ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithDeliveryObserver registers a delivery callback.
func WithDeliveryObserver(o DeliveryObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithDispatchTimeout bounds each channel delivery.
func WithDispatchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.dispatchTimeout = d }
}

// NewEngine expects validated rules whose channels all exist.
func NewEngine(rules []models.AlertRule, channels map[string]Channel, history *History, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:           append([]models.AlertRule(nil), rules...),
		channels:        channels,
		history:         history,
		now:             time.Now,
		newID:           uuid.NewString,
		dispatchTimeout: defaultDispatchTimeout,
		logger:          log,
		states:          make(map[stateKey]*ruleState),
	}

	for _, o := range opts {
		o(e)
	}

	return e
}

// History returns the event history.
func (e *Engine) History() *History {
	return e.history
}

// Phase reports the current phase of a (rule, subject) pair.
func (e *Engine) Phase(rule, subject string) Phase {
	if st, ok := e.states[stateKey{rule, subject}]; ok {
		return st.phase
	}

	return PhaseIdle
}

// Evaluate advances every state machine from prev to cur and returns the events
// produced, fired and suppressed. prev is nil on the first cycle, when only
// error and degradation conditions can fire.
func (e *Engine) Evaluate(ctx context.Context, prev, cur *models.Snapshot) []models.AlertEvent {
	if cur == nil {
		return nil
	}

	e.generation++
	now := e.now()

	var events []models.AlertEvent

	for i := range e.rules {
		rule := &e.rules[i]
		conds := conditions(rule.Event, prev, cur)

		for _, subject := range e.subjects(rule.Name, conds) {
			ev := e.step(rule, subject, conds[subject], now)
			if ev == nil {
				continue
			}

			e.history.add(ev)

			if !ev.Suppressed {
				e.dispatch(ctx, rule, ev)
			}

			events = append(events, cloneEvent(ev))
		}
	}

	return events
}

func (e *Engine) subjects(rule string, conds map[string]condition) []string {
	set := make(map[string]struct{}, len(conds))

	for s := range conds {
		set[s] = struct{}{}
	}

	for k := range e.states {
		if k.rule == rule {
			set[k.subject] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}

	sort.Strings(out)

	return out
}

func (e *Engine) step(rule *models.AlertRule, subject string, c condition, now time.Time) *models.AlertEvent {
	key := stateKey{rule.Name, subject}

	st, ok := e.states[key]
	if !ok {
		st = &ruleState{phase: PhaseIdle}
	}

	if st.phase == PhaseCoolingDown && !now.Before(st.coolUntil) {
		st.phase = PhaseIdle
	}

	switch st.phase {
	case PhaseCoolingDown:
		if c.rising {
			return e.newEvent(rule, subject, c, now, true)
		}

		return nil
	case PhaseIdle:
		if !c.rising {
			delete(e.states, key)
			return nil
		}

		st.phase = PhasePending
		st.pendingSince = now
		e.states[key] = st
	case PhasePending, PhaseFired:
	}

	if !c.holds {
		delete(e.states, key)
		return nil
	}

	if now.Sub(st.pendingSince) < rule.PendingFor.Std() {
		return nil
	}

	st.phase = PhaseFired
	ev := e.newEvent(rule, subject, c, now, false)

	if rule.Throttle > 0 {
		st.phase = PhaseCoolingDown
		st.coolUntil = now.Add(rule.Throttle.Std())
	} else {
		delete(e.states, key)
	}

	return ev
}

func (e *Engine) newEvent(rule *models.AlertRule, subject string, c condition, now time.Time, suppressed bool) *models.AlertEvent {
	ev := &models.AlertEvent{
		ID:         e.newID(),
		Rule:       rule.Name,
		Subject:    subject,
		Type:       rule.Event,
		Generation: e.generation,
		Suppressed: suppressed,
		Message:    c.message,
		OccurredAt: now,
	}

	if c.agent != nil {
		a := *c.agent
		ev.Agent = &a
	}

	if !suppressed {
		ev.Channels = append([]string(nil), rule.Channels...)
	}

	return ev
}

func (e *Engine) dispatch(ctx context.Context, rule *models.AlertRule, ev *models.AlertEvent) {
	payload := cloneEvent(ev)

	for _, name := range rule.Channels {
		ch, ok := e.channels[name]
		if !ok {
			e.reportDelivery(ev.ID, name, &models.DeliveryError{Channel: name, Err: ErrUnknownChannel})
			continue
		}

		e.wg.Add(1)

		go func(name string, ch Channel) {
			defer e.wg.Done()

			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.dispatchTimeout)
			defer cancel()

			e.reportDelivery(ev.ID, name, deliver(dctx, name, ch, &payload))
		}(name, ch)
	}
}

func deliver(ctx context.Context, name string, ch Channel, ev *models.AlertEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.DeliveryError{Channel: name, Err: fmt.Errorf("%w: %v", errChannelPanic, r)}
		}
	}()

	if sendErr := ch.Send(ctx, ev); sendErr != nil {
		return &models.DeliveryError{Channel: name, Err: sendErr}
	}

	return nil
}

func (e *Engine) reportDelivery(id, channel string, err error) {
	if e.observer != nil {
		e.observer(channel, err)
	}

	if err == nil {
		return
	}

	var de *models.DeliveryError
	if !errors.As(err, &de) {
		de = &models.DeliveryError{Channel: channel, Err: err}
	}

	e.logger.Warn().Err(de).Str("channel", channel).Str("event_id", id).Msg("Alert delivery failed")
	e.history.recordDeliveryError(id, channel, de.Err)
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
