package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream event types relayed to attached clients.
const (
	EventAgentStatus    = "agent_status"
	EventFinding        = "finding"
	EventAuthRequest    = "auth_request"
	EventStateChange    = "state_change"
	EventHeartbeat      = "heartbeat"
	EventDaemonShutdown = "daemon_shutdown"
)

var validEventTypes = map[string]bool{
	EventAgentStatus:    true,
	EventFinding:        true,
	EventAuthRequest:    true,
	EventStateChange:    true,
	EventHeartbeat:      true,
	EventDaemonShutdown: true,
}

// StreamProtocolError reports an undecodable stream event.
type StreamProtocolError struct {
	Reason string
}

func (e *StreamProtocolError) Error() string {
	return "stream protocol error: " + e.Reason
}

// StreamEvent is one real-time notification on an attached stream,
// newline-delimited JSON like the request/response plane.
type StreamEvent struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

// NewStreamEvent stamps an event with the current time.
func NewStreamEvent(eventType string, data map[string]interface{}) *StreamEvent {
	return &StreamEvent{
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Validate enforces the closed event type set.
func (e *StreamEvent) Validate() error {
	if !validEventTypes[e.EventType] {
		return fmt.Errorf("invalid event type %q", e.EventType)
	}
	return nil
}

// EncodeStreamEvent serializes an event to wire form.
func EncodeStreamEvent(e *StreamEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, &StreamProtocolError{Reason: err.Error()}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &StreamProtocolError{Reason: err.Error()}
	}
	return append(data, '\n'), nil
}

// DecodeStreamEvent parses one wire message as a stream event.
func DecodeStreamEvent(data []byte) (*StreamEvent, error) {
	var e StreamEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &StreamProtocolError{Reason: fmt.Sprintf("failed to decode stream event: %v", err)}
	}
	if err := e.Validate(); err != nil {
		return nil, &StreamProtocolError{Reason: err.Error()}
	}
	return &e, nil
}
