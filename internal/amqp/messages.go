package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"portafoglio/internal/core"
)

// SessionEventMessage is the JSON body published for each session transition.
type SessionEventMessage struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Remaining  int       `json:"remaining_seconds,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewSessionEventMessage wraps a journal event for publishing.
func NewSessionEventMessage(e core.SessionEvent) *SessionEventMessage {
	return &SessionEventMessage{
		SessionID:  e.SessionID,
		Kind:       string(e.Kind),
		Remaining:  e.Remaining,
		OccurredAt: e.OccurredAt,
		Timestamp:  time.Now(),
	}
}

// RoutingKey is "session.<kind>", so consumers can bind to e.g. "session.idle".
func (m *SessionEventMessage) RoutingKey() string {
	return "session." + m.Kind
}

// ToJSON converts the message to JSON bytes
func (m *SessionEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SessionEventMessageFromJSON decodes and validates a message body.
func SessionEventMessageFromJSON(data []byte) (*SessionEventMessage, error) {
	var msg SessionEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if _, err := core.ParseEventKind(msg.Kind); err != nil {
		return nil, fmt.Errorf("decode session event message: %w", err)
	}
	return &msg, nil
}
