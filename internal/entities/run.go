package entities

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSent      RunStatus = "sent"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunExhausted RunStatus = "exhausted"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunPending:  {RunSent},
	RunSent:     {RunSucceeded, RunFailed, RunTimedOut},
	RunFailed:   {RunPending, RunExhausted},
	RunTimedOut: {RunPending, RunExhausted},
}

// CanTransition reports whether from -> to is an edge of the run state machine.
func CanTransition(from, to RunStatus) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunExhausted
}

// AutomationRun tracks one event's dispatch through retries. Only the dispatcher writes it.
type AutomationRun struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	CorrelationID   string          `json:"correlation_id"`
	ExternalEventID string          `json:"external_event_id"`
	EventType       EventType       `json:"event_type"`
	Channel         Channel         `json:"channel"`
	WorkflowID      string          `json:"workflow_id"`
	Status          RunStatus       `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RunTransition carries the fields written together with a status change.
type RunTransition struct {
	Status           RunStatus
	IncrementAttempt bool
	ResponsePayload  json.RawMessage
	ErrorDetail      string
}

type RunStats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Exhausted int64 `json:"exhausted"`
	InFlight  int64 `json:"in_flight"`
}
