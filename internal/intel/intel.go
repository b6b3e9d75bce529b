// Package intel aggregates vulnerability intelligence from parallel sources
// with a redis-backed cache, a durable offline archive, and stigmergic
// sharing across the swarm.
//
// The continuity guarantee for agents: Query never fails. On total source
// failure it serves the archive (stale-flagged) or an empty list.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Priorities rank results; lower is more authoritative.
const (
	PriorityKEV         = 1
	PriorityCriticalCVE = 2
	PriorityHighCVE     = 3
	PriorityMetasploit  = 4
	PriorityNuclei      = 5
	PriorityExploitDB   = 6
	PriorityMediumCVE   = 7
)

// Result is one vulnerability/exploit datum from a source.
type Result struct {
	Source           string                 `json:"source"`
	CVEID            string                 `json:"cve_id,omitempty"`
	Severity         string                 `json:"severity"`
	ExploitAvailable bool                   `json:"exploit_available"`
	ExploitPath      string                 `json:"exploit_path,omitempty"`
	Confidence       float64                `json:"confidence"`
	Priority         int                    `json:"priority"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Validate enforces the Result invariants.
func (r *Result) Validate() error {
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return fmt.Errorf("invalid confidence %v, must be in [0.0, 1.0]", r.Confidence)
	}
	if r.Priority < PriorityKEV || r.Priority > PriorityMediumCVE {
		return fmt.Errorf("invalid priority %d, must be in [%d, %d]", r.Priority, PriorityKEV, PriorityMediumCVE)
	}
	return nil
}

// ResultFromJSON decodes and validates a result.
func ResultFromJSON(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode intel result: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// SortByPriority orders results ascending by priority (most authoritative
// first), stable within a priority.
func SortByPriority(results []*Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Priority < results[j].Priority
	})
}

// Source is one intelligence backend (CISA KEV, NVD, Metasploit, ...).
type Source interface {
	Name() string
	Query(ctx context.Context, service, version string) ([]*Result, error)
	HealthCheck(ctx context.Context) bool
}

// SourceMetrics counts per-source outcomes across the aggregator lifetime.
type SourceMetrics struct {
	Queries  int64 `json:"queries"`
	Timeouts int64 `json:"timeouts"`
	Errors   int64 `json:"errors"`
}
