// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the objective loop.
type EventType string

const (
	EventObjectiveStarted   EventType = "objective.started"
	EventDecision           EventType = "objective.decision"
	EventToolExecuted       EventType = "objective.tool.executed"
	EventRecovery           EventType = "objective.recovery"
	EventObjectiveCompleted EventType = "objective.completed"
	EventObjectiveFailed    EventType = "objective.failed"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	RunID     string
	Iteration int
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EventEmitterFunc adapts a function into an EventEmitter.
type EventEmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NewEvent builds an event with the run id and iteration taken from ctx.
func NewEvent(ctx context.Context, eventType EventType, payload map[string]any) Event {
	id, _ := RunID(ctx)
	return Event{
		Type:      eventType,
		RunID:     id,
		Iteration: Iteration(ctx),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
