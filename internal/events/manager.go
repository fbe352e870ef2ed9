// Package events is a lightweight, log-backed event bus for execution
// lifecycle notifications. Adapted from the teacher's events.Manager: same
// typed-enum-plus-logger shape, repurposed from satellite/cash-flow events
// onto the two-phase execution engine's lifecycle.
package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType enumerates the execution lifecycle event kinds. The orchestrator
// and pipeline do not emit them; the only emitter is main, which logs one
// ExecutionStarted event at boot.
type EventType string

const (
	ExecutionStarted   EventType = "EXECUTION_STARTED"
	ExecutionCompleted EventType = "EXECUTION_COMPLETED"
	ExecutionFailed    EventType = "EXECUTION_FAILED"
	PhaseCompleted     EventType = "PHASE_COMPLETED"
	UserCompleted      EventType = "USER_COMPLETED"
	UserFailed         EventType = "USER_FAILED"
	OrderPlaced        EventType = "ORDER_PLACED"
	OrderRejected      EventType = "ORDER_REJECTED"
	CalendarDegraded   EventType = "CALENDAR_DEGRADED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// Event is one emitted lifecycle notification.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Manager emits events, currently by structured logging; a future
// subscriber model (webhooks, SSE to a UI) can be layered on without
// touching call sites since they only ever call Emit.
type Manager struct {
	log zerolog.Logger
}

// NewManager creates a new event manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("service", "events").Logger()}
}

// Emit records one event.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("execution event")
}

// EmitError emits an ErrorOccurred event carrying the error and context.
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
