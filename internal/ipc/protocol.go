// Package ipc implements the daemon's local control plane: a unix socket
// speaking newline-delimited JSON request/response with fan-out event
// streams for attached clients.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MaxMessageSize caps one wire message at 10 MiB.
const MaxMessageSize = 10 * 1024 * 1024

// The closed command set.
const (
	CmdSessionsList       = "sessions.list"
	CmdEngagementStart    = "engagement.start"
	CmdEngagementAttach   = "engagement.attach"
	CmdEngagementDetach   = "engagement.detach"
	CmdEngagementPause    = "engagement.pause"
	CmdEngagementResume   = "engagement.resume"
	CmdEngagementStop     = "engagement.stop"
	CmdDaemonStop         = "daemon.stop"
	CmdDaemonConfigReload = "daemon.config.reload"
)

var validCommands = map[string]bool{
	CmdSessionsList:       true,
	CmdEngagementStart:    true,
	CmdEngagementAttach:   true,
	CmdEngagementDetach:   true,
	CmdEngagementPause:    true,
	CmdEngagementResume:   true,
	CmdEngagementStop:     true,
	CmdDaemonStop:         true,
	CmdDaemonConfigReload: true,
}

// ProtocolError reports an undecodable or oversized wire message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "IPC protocol error: " + e.Reason
}

// Request is a client command. Unknown JSON fields are ignored for forward
// compatibility; request_id correlates the response.
type Request struct {
	Command   string                 `json:"command"`
	Params    map[string]interface{} `json:"params"`
	RequestID string                 `json:"request_id"`
}

// Validate enforces the request invariants.
func (r *Request) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("request command must not be empty")
	}
	if r.RequestID == "" {
		return fmt.Errorf("request_id must not be empty")
	}
	return nil
}

// Response is the daemon's answer to one request.
type Response struct {
	Status    string                 `json:"status"`
	RequestID string                 `json:"request_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Validate enforces the response invariants.
func (r *Response) Validate() error {
	if r.Status != "ok" && r.Status != "error" {
		return fmt.Errorf("response status must be ok or error, got %q", r.Status)
	}
	if r.RequestID == "" {
		return fmt.Errorf("request_id must not be empty")
	}
	return nil
}

// OK builds a success response.
func OK(data map[string]interface{}, requestID string) *Response {
	return &Response{Status: "ok", Data: data, RequestID: requestID}
}

// Error builds an error response.
func Error(message, requestID string) *Response {
	return &Response{Status: "error", Error: message, RequestID: requestID}
}

// BuildRequest creates a request with a fresh request_id, validating the
// command against the closed set.
func BuildRequest(command string, params map[string]interface{}) (*Request, error) {
	if !validCommands[command] {
		return nil, fmt.Errorf("invalid IPC command %q", command)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Request{Command: command, Params: params, RequestID: uuid.New().String()}, nil
}

// EncodeRequest serializes a request to wire form (JSON + newline).
func EncodeRequest(r *Request) ([]byte, error) {
	return encode(r)
}

// EncodeResponse serializes a response to wire form.
func EncodeResponse(r *Response) ([]byte, error) {
	return encode(r)
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses and validates one wire message as a request.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) > MaxMessageSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message size %d exceeds limit of %d bytes", len(data), MaxMessageSize)}
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("failed to decode IPC message: %v", err)}
	}
	if err := r.Validate(); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	return &r, nil
}

// DecodeResponse parses and validates one wire message as a response.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) > MaxMessageSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message size %d exceeds limit of %d bytes", len(data), MaxMessageSize)}
	}
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("failed to decode IPC message: %v", err)}
	}
	if err := r.Validate(); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	return &r, nil
}

// StringParam extracts a string parameter.
func (r *Request) StringParam(name string) string {
	v, _ := r.Params[name].(string)
	return v
}

// BoolParam extracts a bool parameter.
func (r *Request) BoolParam(name string) bool {
	v, _ := r.Params[name].(bool)
	return v
}
