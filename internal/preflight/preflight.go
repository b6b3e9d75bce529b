// Package preflight runs the readiness checks gating engagement start.
// P0 failures block; P1 failures warn and block only when warnings are not
// explicitly ignored.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Priority classifies a check's consequence.
type Priority int

const (
	// P0 checks block engagement start on failure.
	P0 Priority = iota
	// P1 checks warn; start proceeds only with ignore_warnings.
	P1
)

func (p Priority) String() string {
	if p == P0 {
		return "P0"
	}
	return "P1"
}

// Status is a check outcome.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// CheckResult is one check's outcome.
type CheckResult struct {
	Name     string   `json:"name"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Message  string   `json:"message"`
}

// Check is one readiness probe.
type Check interface {
	Name() string
	Priority() Priority
	Execute(ctx context.Context) CheckResult
}

// CheckError reports blocked start: at least one P0 check failed.
type CheckError struct {
	Failed []CheckResult
}

func (e *CheckError) Error() string {
	names := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		names[i] = fmt.Sprintf("%s (%s)", r.Name, r.Message)
	}
	return "pre-flight checks failed: " + strings.Join(names, "; ")
}

// WarningError reports P1 warnings with warnings not ignored.
type WarningError struct {
	Warnings []CheckResult
}

func (e *WarningError) Error() string {
	names := make([]string, len(e.Warnings))
	for i, r := range e.Warnings {
		names[i] = fmt.Sprintf("%s (%s)", r.Name, r.Message)
	}
	return "pre-flight warnings: " + strings.Join(names, "; ")
}

// Runner executes checks in priority order (all P0 before any P1).
type Runner struct {
	checks []Check
	log    *slog.Logger
}

// NewRunner builds a runner over a check set.
func NewRunner(checks ...Check) *Runner {
	return &Runner{checks: checks, log: slog.Default().With("component", "preflight")}
}

// Run executes every check and returns all results in execution order.
func (r *Runner) Run(ctx context.Context) []CheckResult {
	ordered := append([]Check(nil), r.checks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	results := make([]CheckResult, 0, len(ordered))
	for _, check := range ordered {
		result := r.execute(ctx, check)
		switch result.Status {
		case StatusFail:
			r.log.Error("pre-flight check failed", "check", result.Name, "message", result.Message)
		case StatusWarn:
			r.log.Warn("pre-flight check warned", "check", result.Name, "message", result.Message)
		default:
			r.log.Debug("pre-flight check passed", "check", result.Name)
		}
		results = append(results, result)
	}
	return results
}

// execute shields the runner from panicking checks: a crashed check is a
// failed check.
func (r *Runner) execute(ctx context.Context, check Check) (result CheckResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = CheckResult{
				Name:     check.Name(),
				Status:   StatusFail,
				Priority: check.Priority(),
				Message:  fmt.Sprintf("check panicked: %v", rec),
			}
		}
	}()
	return check.Execute(ctx)
}

// ValidateResults enforces the gate: *CheckError when any P0 failed,
// *WarningError when any P1 warned or failed and ignoreWarnings is unset.
func ValidateResults(results []CheckResult, ignoreWarnings bool) error {
	var failed, warned []CheckResult
	for _, r := range results {
		switch {
		case r.Priority == P0 && r.Status == StatusFail:
			failed = append(failed, r)
		case r.Priority == P1 && r.Status != StatusPass:
			warned = append(warned, r)
		}
	}
	if len(failed) > 0 {
		return &CheckError{Failed: failed}
	}
	if len(warned) > 0 && !ignoreWarnings {
		return &WarningError{Warnings: warned}
	}
	return nil
}
