// Package executor dispatches tool commands into the container pool behind
// the scope gate and the kill switch.
//
// Tool execution failures are expected behavior and come back as ToolResult
// values. Scope violations and kill-switch freezes are the only propagating
// errors: security decisions must never be coerced into "expected failure".
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyberred/cyberred/internal/models"
	"github.com/cyberred/cyberred/internal/pool"
)

// DefaultTimeout bounds a tool run when the caller does not.
const DefaultTimeout = 300 * time.Second

// ScopeGate validates a raw command line before dispatch.
type ScopeGate interface {
	ValidateCommand(command string) error
}

// FreezeGate refuses launches after the kill switch has fired.
type FreezeGate interface {
	CheckFrozen() error
}

// Executor is the single entry point for agents to run tools.
type Executor struct {
	pool           *pool.Pool
	scope          ScopeGate
	freeze         FreezeGate
	defaultTimeout time.Duration
	log            *slog.Logger
}

// New builds an executor. freeze may be nil when no kill switch is wired
// (unit scopes); scope must not be.
func New(p *pool.Pool, scope ScopeGate, freeze FreezeGate, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Executor{
		pool:           p,
		scope:          scope,
		freeze:         freeze,
		defaultTimeout: defaultTimeout,
		log:            slog.Default().With("component", "executor"),
	}
}

// Execute runs a command in a pooled sandbox.
//
// Order: kill switch, scope validation (both propagate), container
// acquisition (POOL_EXHAUSTED), execution (TIMEOUT / NON_ZERO_EXIT /
// CONTAINER_CRASHED), with any panic wrapped as EXECUTION_EXCEPTION.
// Duration is always measured.
func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration) (result *models.ToolResult, err error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	start := time.Now()

	if e.freeze != nil {
		if ferr := e.freeze.CheckFrozen(); ferr != nil {
			return nil, ferr
		}
	}

	// Scope validation before container acquisition, fail-closed. The
	// violation always raises.
	if verr := e.scope.ValidateCommand(command); verr != nil {
		return nil, verr
	}
	e.log.Debug("scope validated", "command", truncate(command, 50))

	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("execution panicked", "command", truncate(command, 50), "panic", r)
			result = &models.ToolResult{
				Success:    false,
				Stderr:     fmt.Sprint(r),
				ExitCode:   -1,
				DurationMS: time.Since(start).Milliseconds(),
				ErrorType:  models.ErrExecutionException,
			}
			err = nil
		}
	}()

	lease, aerr := e.pool.Acquire(ctx, timeout)
	if aerr != nil {
		e.log.Warn("container acquisition failed", "command", truncate(command, 50), "error", aerr)
		return &models.ToolResult{
			Success:    false,
			Stderr:     fmt.Sprintf("container pool exhausted: %v", aerr),
			ExitCode:   -1,
			DurationMS: time.Since(start).Milliseconds(),
			ErrorType:  models.ErrPoolExhausted,
		}, nil
	}
	defer lease.Release(ctx)

	res := lease.Container().Execute(ctx, command, timeout)
	if res.ErrorType != "" && res.ErrorType != models.ErrNonZeroExit {
		e.log.Warn("tool execution failed", "command", truncate(command, 50), "error_type", res.ErrorType)
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
