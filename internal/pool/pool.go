// Package pool manages the bounded set of isolated sandboxes tool commands
// run in. Containers are created ahead of time; Acquire hands out a scoped
// lease that guarantees release on every exit path.
//
// Two backends exist: a docker backend with networking disabled for real
// engagements, and a deterministic mock for tests and dry runs.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberred/cyberred/internal/models"
)

// ExhaustedError reports that no container became available within the
// acquire timeout.
type ExhaustedError struct {
	Timeout time.Duration
	Size    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("container pool exhausted: no container available within %s (size %d)", e.Timeout, e.Size)
}

// Container is one isolated sandbox.
//
// Execute never returns an error for expected tool failures: timeouts,
// non-zero exits and crashes are encoded in the ToolResult.
type Container interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	Execute(ctx context.Context, command string, timeout time.Duration) *models.ToolResult
}

// Factory creates containers for the pool.
type Factory interface {
	Create(ctx context.Context) (Container, error)
}

// Pool is a fixed-size container pool.
type Pool struct {
	factory   Factory
	size      int
	available chan Container
	inUse     atomic.Int32
	closed    atomic.Bool
	log       *slog.Logger
}

// New pre-warms size containers through the factory.
func New(ctx context.Context, factory Factory, size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		factory:   factory,
		size:      size,
		available: make(chan Container, size),
		log:       slog.Default().With("component", "pool"),
	}
	for i := 0; i < size; i++ {
		c, err := factory.Create(ctx)
		if err != nil {
			p.shutdownAvailable(ctx)
			return nil, fmt.Errorf("pre-warm container %d/%d: %w", i+1, size, err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Stop(ctx)
			p.shutdownAvailable(ctx)
			return nil, fmt.Errorf("start container %d/%d: %w", i+1, size, err)
		}
		p.available <- c
	}
	p.log.Info("container pool ready", "size", size)
	return p, nil
}

// Lease is a scoped container hold. Release is idempotent and must be
// called (usually deferred) on every exit path.
type Lease struct {
	c       Container
	pool    *Pool
	release sync.Once
}

// Container returns the leased container.
func (l *Lease) Container() Container { return l.c }

// Release returns the container to the pool, replacing it first if it is no
// longer healthy.
func (l *Lease) Release(ctx context.Context) {
	l.release.Do(func() {
		l.pool.inUse.Add(-1)
		if l.pool.closed.Load() {
			_ = l.c.Stop(ctx)
			return
		}
		if !l.c.IsHealthy(ctx) {
			l.pool.log.Warn("recycling crashed container", "container_id", l.c.ID())
			_ = l.c.Stop(ctx)
			replacement, err := l.pool.factory.Create(ctx)
			if err != nil {
				l.pool.log.Error("container replacement failed, pool shrinks", "error", err)
				return
			}
			if err := replacement.Start(ctx); err != nil {
				l.pool.log.Error("container replacement start failed, pool shrinks", "error", err)
				return
			}
			l.pool.available <- replacement
			return
		}
		l.pool.available <- l.c
	})
}

// Acquire waits up to timeout for a container and returns its lease.
// On exhaustion it fails with *ExhaustedError.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-p.available:
		p.inUse.Add(1)
		return &Lease{c: c, pool: p}, nil
	case <-timer.C:
		return nil, &ExhaustedError{Timeout: timeout, Size: p.size}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AvailableCount is the number of idle containers.
func (p *Pool) AvailableCount() int { return len(p.available) }

// InUseCount is the number of leased containers.
func (p *Pool) InUseCount() int { return int(p.inUse.Load()) }

// Pressure is in-use / total, in [0,1].
func (p *Pool) Pressure() float64 {
	return float64(p.InUseCount()) / float64(p.size)
}

// Size is the configured pool capacity.
func (p *Pool) Size() int { return p.size }

// Close stops all idle containers. Leased containers are stopped on release.
func (p *Pool) Close(ctx context.Context) {
	p.closed.Store(true)
	p.shutdownAvailable(ctx)
}

func (p *Pool) shutdownAvailable(ctx context.Context) {
	for {
		select {
		case c := <-p.available:
			_ = c.Stop(ctx)
		default:
			return
		}
	}
}
