package jobs

import "time"

// EventType classifies streamed job events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventLog       EventType = "log"
	EventStatus    EventType = "status"
	EventHeartbeat EventType = "heartbeat"
)

// Event is a push-style update about one job, keyed by correlation id.
// Events are fire-and-forget: the jobs table is the durable record, a
// dropped event only delays what a watching client sees.
type Event struct {
	JobID         int64     `json:"job_id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Type          EventType `json:"type"`
	Status        Status    `json:"status,omitempty"`
	Progress      int       `json:"progress,omitempty"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`

	// Seq orders updates for one job; consumers discard events whose
	// Seq does not advance, so a stale push arriving after a newer
	// poll result cannot roll progress back.
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}
