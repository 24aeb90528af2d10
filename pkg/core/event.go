package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the engine.
type EventType string

const (
	EventRunStarted      EventType = "engine.run.started"
	EventPlanBuilt       EventType = "engine.plan.built"
	EventPlanRejected    EventType = "engine.plan.rejected"
	EventStepStarted     EventType = "engine.step.started"
	EventStepCompleted   EventType = "engine.step.completed"
	EventStepRetry       EventType = "engine.step.retry"
	EventStepFailed      EventType = "engine.step.failed"
	EventReplan          EventType = "engine.replan"
	EventRunSuspended    EventType = "engine.run.suspended"
	EventRunResumed      EventType = "engine.run.resumed"
	EventRunCompleted    EventType = "engine.run.completed"
	EventRunFailed       EventType = "engine.run.failed"
	EventApprovalExpired EventType = "engine.approval.expired"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	ThreadID  string
	TurnID    string
	StepKey   string
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

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, threadID, turnID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		ThreadID:  threadID,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
