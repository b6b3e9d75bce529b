package models

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFinding() *Finding {
	return &Finding{
		ID:        uuid.New().String(),
		Type:      "open_port",
		Severity:  "medium",
		Target:    "192.0.2.10",
		Evidence:  "22/tcp open ssh",
		AgentID:   uuid.New().String(),
		Timestamp: "2026-01-01T23:59:59Z",
		Tool:      "nmap",
		Topic:     FindingTopic("192.0.2.10", "open_port"),
		Signature: "",
	}
}

func TestFindingValidates(t *testing.T) {
	require.NoError(t, validFinding().Validate())
}

func TestFindingRejectsBadSeverity(t *testing.T) {
	f := validFinding()
	f.Severity = "catastrophic"
	assert.Error(t, f.Validate())
}

func TestFindingRejectsBadUUID(t *testing.T) {
	f := validFinding()
	f.ID = "not-a-uuid"
	assert.Error(t, f.Validate())
}

func TestFindingRejectsBadTimestamp(t *testing.T) {
	f := validFinding()
	f.Timestamp = "yesterday"
	assert.Error(t, f.Validate())
}

func TestFindingRejectsWhitespaceTarget(t *testing.T) {
	f := validFinding()
	f.Target = "192.0.2.10; rm -rf /"
	assert.Error(t, f.Validate())
}

func TestFindingTargetForms(t *testing.T) {
	cases := []struct {
		target string
		ok     bool
	}{
		{"192.0.2.10", true},
		{"2001:db8::1", true},
		{"https://example.com/login", true},
		{"scanme.example.com", true},
		{"", false},
		{"two words", false},
		{"-leading-dash", false},
	}
	for _, tc := range cases {
		f := validFinding()
		f.Target = tc.target
		err := f.Validate()
		if tc.ok {
			assert.NoError(t, err, tc.target)
		} else {
			assert.Error(t, err, tc.target)
		}
	}
}

func TestFindingJSONRoundTrip(t *testing.T) {
	f := validFinding()
	s, err := f.ToJSON()
	require.NoError(t, err)

	got, err := FindingFromJSON([]byte(s))
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFindingFromJSONValidates(t *testing.T) {
	_, err := FindingFromJSON([]byte(`{"id":"x","severity":"high","target":"192.0.2.1","timestamp":"2026-01-01T00:00:00Z"}`))
	assert.Error(t, err)
}

func TestAgentActionRoundTrip(t *testing.T) {
	a := &AgentAction{
		ID:              uuid.New().String(),
		AgentID:         uuid.New().String(),
		ActionType:      "scan",
		Target:          "192.0.2.10",
		Timestamp:       "2026-01-01T00:00:00+00:00",
		DecisionContext: []string{uuid.New().String()},
	}
	require.NoError(t, a.Validate())

	s, err := a.ToJSON()
	require.NoError(t, err)
	got, err := AgentActionFromJSON([]byte(s))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestToolResultLegacyJSON(t *testing.T) {
	// Payloads predating the error_type field still decode.
	r, err := ToolResultFromJSON([]byte(`{"success":true,"stdout":"ok","stderr":"","exit_code":0,"duration_ms":12}`))
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Empty(t, r.ErrorType)
}

func TestToolResultRoundTrip(t *testing.T) {
	r := &ToolResult{Success: false, Stderr: "timed out", ExitCode: -1, DurationMS: 30000, ErrorType: ErrTimeout}
	s, err := r.ToJSON()
	require.NoError(t, err)
	got, err := ToolResultFromJSON([]byte(s))
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestFindingTopicShape(t *testing.T) {
	topic := FindingTopic("192.0.2.10", "sqli")
	parts := strings.Split(topic, ":")
	require.Len(t, parts, 3)
	assert.Equal(t, "findings", parts[0])
	assert.Len(t, parts[1], 8)
	assert.Equal(t, "sqli", parts[2])
	// Deterministic for the same target.
	assert.Equal(t, topic, FindingTopic("192.0.2.10", "sqli"))
}
