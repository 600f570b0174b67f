package models

import (
	"time"
)

// EventType names a job lifecycle transition recorded in the event log
type EventType string

const (
	EventCreated   EventType = "created"
	EventAssigned  EventType = "assigned"
	EventProgress  EventType = "progress"
	EventRetried   EventType = "retried"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is an immutable audit row. Events are never read back into scheduling decisions.
type Event struct {
	ID         string                 `json:"id"`
	JobID      string                 `json:"job_id"`
	Type       EventType              `json:"type"`
	FromStatus JobStatus              `json:"from_status,omitempty"`
	ToStatus   JobStatus              `json:"to_status,omitempty"`
	EncoderID  string                 `json:"encoder_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
