package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/edgecmd/edgeworker/subject"
)

// StatusEvent reports one lifecycle step of a command. Events are published
// once and never stored by the agent.
type StatusEvent struct {
	ID        uuid.UUID      `json:"id"`
	Pi        int            `json:"pi"`
	EventType string         `json:"event_type"`
	CreatedDt time.Time      `json:"created_dt"`
	Version   string         `json:"version,omitempty"`
	Payload   map[string]any `json:"payload"`

	// Domain selects the status subject and is not part of the payload
	Domain string `json:"-"`
}

// NewStatusEvent creates an event with a fresh id stamped with the current UTC time
func NewStatusEvent(domain string, pi int, eventType string, payload map[string]any) *StatusEvent {
	return &StatusEvent{
		ID:        uuid.New(),
		Pi:        pi,
		EventType: eventType,
		CreatedDt: time.Now().UTC(),
		Payload:   payload,
		Domain:    domain,
	}
}

// Subject returns the subject the event is published on
func (e *StatusEvent) Subject() string {
	return subject.Status(e.Pi, e.Domain)
}

// Encode returns the JSON form of the event
func (e *StatusEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ProcessErrorPayload is the payload of an Error status event
func ProcessErrorPayload(exitCode int, stdout, stderr string) map[string]any {
	return map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout,
		"stderr":    stderr,
	}
}
