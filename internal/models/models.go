// Package models defines the core data types shared by every kernel
// component: Finding, AgentAction and ToolResult.
//
// All stigmergic messages use flat JSON with these fields. Tool failures are
// values (ToolResult with an error classification), never errors; the models
// themselves validate their invariants on construction from the wire.
package models

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidSeverities is the closed set of finding severity levels.
var ValidSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
	"info":     true,
}

// Tool error classifications. A nil/empty ErrorType means success.
const (
	ErrTimeout            = "TIMEOUT"
	ErrNonZeroExit        = "NON_ZERO_EXIT"
	ErrContainerCrashed   = "CONTAINER_CRASHED"
	ErrExecutionException = "EXECUTION_EXCEPTION"
	ErrPoolExhausted      = "POOL_EXHAUSTED"
)

var (
	urlPattern      = regexp.MustCompile(`^(https?|ftp|ssh|ws)://\S+$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

// validateUUID checks that value parses as a UUID. Empty optional values pass.
func validateUUID(value, field string) error {
	if value == "" {
		return nil
	}
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("invalid UUID format for field %q: %q", field, value)
	}
	return nil
}

// validateTimestamp checks that value parses as RFC 3339 (ISO 8601 with zone).
func validateTimestamp(value, field string) error {
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return fmt.Errorf("invalid ISO 8601 timestamp for field %q: %q", field, value)
	}
	return nil
}

// validateTarget checks that value is a valid IP address, URL or hostname.
func validateTarget(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("field %q cannot be empty", field)
	}
	if strings.ContainsAny(value, " \t\n\r") {
		return fmt.Errorf("field %q cannot contain whitespace", field)
	}
	if net.ParseIP(value) != nil {
		return nil
	}
	if urlPattern.MatchString(value) {
		return nil
	}
	if hostnamePattern.MatchString(value) {
		return nil
	}
	return fmt.Errorf("invalid target format for field %q: %q (must be IP, URL or hostname)", field, value)
}

// Finding is a discovered observation with HMAC-signed provenance.
//
// The signature field (HMAC-SHA256, base64) mitigates agent-in-the-middle
// attacks on the stigmergic bus. Findings are immutable once published.
type Finding struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Target    string `json:"target"`
	Evidence  string `json:"evidence"`
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Tool      string `json:"tool"`
	Topic     string `json:"topic"`
	Signature string `json:"signature"`
}

// Validate enforces the Finding invariants: severity is a member of the
// closed set, id and agent_id parse as UUIDs, timestamp parses as ISO 8601
// and target is well formed.
func (f *Finding) Validate() error {
	if !ValidSeverities[f.Severity] {
		return fmt.Errorf("invalid severity %q, must be one of: critical, high, info, low, medium", f.Severity)
	}
	if err := validateUUID(f.ID, "id"); err != nil {
		return err
	}
	if err := validateUUID(f.AgentID, "agent_id"); err != nil {
		return err
	}
	if err := validateTimestamp(f.Timestamp, "timestamp"); err != nil {
		return err
	}
	return validateTarget(f.Target, "target")
}

// ToJSON serializes the finding to a JSON string.
func (f *Finding) ToJSON() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FindingFromJSON deserializes and validates a finding.
func FindingFromJSON(data []byte) (*Finding, error) {
	var f Finding
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode finding: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// AgentAction records one decision by one agent.
//
// DecisionContext lists the finding IDs that justified the action. It MUST be
// populated for stigmergic actions: the emergence gate depends on 100%
// coverage. Actions are immutable.
type AgentAction struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	ActionType      string   `json:"action_type"`
	Target          string   `json:"target"`
	Timestamp       string   `json:"timestamp"`
	DecisionContext []string `json:"decision_context"`
	ResultFindingID string   `json:"result_finding_id,omitempty"`
}

// Validate enforces the AgentAction invariants.
func (a *AgentAction) Validate() error {
	if err := validateUUID(a.ID, "id"); err != nil {
		return err
	}
	if err := validateUUID(a.AgentID, "agent_id"); err != nil {
		return err
	}
	if err := validateTimestamp(a.Timestamp, "timestamp"); err != nil {
		return err
	}
	if err := validateTarget(a.Target, "target"); err != nil {
		return err
	}
	return validateUUID(a.ResultFindingID, "result_finding_id")
}

// ToJSON serializes the action to a JSON string.
func (a *AgentAction) ToJSON() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AgentActionFromJSON deserializes and validates an agent action.
func AgentActionFromJSON(data []byte) (*AgentAction, error) {
	var a AgentAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode agent action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// ToolResult is a bounded execution outcome.
//
// Expected tool failures (timeout, non-zero exit, crashed container, pool
// exhaustion) are carried as values here; they never surface as errors past
// the tool executor.
type ToolResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	ErrorType  string `json:"error_type,omitempty"`
}

// ToJSON serializes the result to a JSON string.
func (r *ToolResult) ToJSON() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ToolResultFromJSON deserializes a tool result. Legacy payloads without an
// error_type field decode with ErrorType empty.
func ToolResultFromJSON(data []byte) (*ToolResult, error) {
	var r ToolResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &r, nil
}
