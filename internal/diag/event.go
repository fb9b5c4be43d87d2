// Package diag provides the structured diagnostic surface: event records,
// payload redaction, the JSONL sink, and the health aggregator.
package diag

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a structured observability record emitted by the runtime.
type Event struct {
	EventID      string         `json:"event_id"`
	Timestamp    string         `json:"ts"`
	Name         string         `json:"name"`
	Component    string         `json:"component"`
	Severity     string         `json:"severity"`
	SessionKey   string         `json:"session_key,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	ChatID       string         `json:"chat_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	TurnID       string         `json:"turn_id,omitempty"`
	Operation    string         `json:"operation,omitempty"`
	Status       string         `json:"status,omitempty"`
	LatencyMS    float64        `json:"latency_ms,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"`
}

// NewEvent builds an Event with a fresh id, UTC timestamp, and severity info.
func NewEvent(name, component string) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Name:      name,
		Component: component,
		Severity:  "info",
	}
}

// Emitter receives diagnostic events. Implementations must never block the
// caller; failures are the emitter's problem, not the publisher's.
type Emitter func(Event)

// Tee fans each event out to every emitter in order. Nil entries are
// skipped so callers can pass optional emitters without branching.
func Tee(emitters ...Emitter) Emitter {
	return func(ev Event) {
		for _, emit := range emitters {
			if emit != nil {
				emit(ev)
			}
		}
	}
}

// payload converts the event into a generic map for redaction.
func (e Event) payload() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return m, nil
}
