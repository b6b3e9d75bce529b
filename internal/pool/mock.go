package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberred/cyberred/internal/models"
)

// MockFactory produces deterministic in-memory containers for tests and dry
// runs. Fixtures map a command substring to a canned result; unmatched
// commands echo the command back on stdout with exit 0.
type MockFactory struct {
	mu       sync.Mutex
	fixtures map[string]*models.ToolResult
	// ExecDelay simulates tool runtime; Execute honors its timeout against it.
	ExecDelay time.Duration
	created   atomic.Int32
}

// NewMockFactory creates an empty mock backend.
func NewMockFactory() *MockFactory {
	return &MockFactory{fixtures: make(map[string]*models.ToolResult)}
}

// AddFixture registers a canned result returned for any command containing
// the given substring.
func (f *MockFactory) AddFixture(commandSubstring string, result *models.ToolResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixtures[commandSubstring] = result
}

// Created returns how many containers the factory has produced.
func (f *MockFactory) Created() int { return int(f.created.Load()) }

// Create returns a fresh mock container.
func (f *MockFactory) Create(ctx context.Context) (Container, error) {
	f.created.Add(1)
	return &mockContainer{id: "mock-" + uuid.New().String()[:8], factory: f, healthy: true}, nil
}

type mockContainer struct {
	id      string
	factory *MockFactory
	healthy bool
	started bool
}

func (c *mockContainer) ID() string { return c.id }

func (c *mockContainer) Start(ctx context.Context) error {
	c.started = true
	return nil
}

func (c *mockContainer) Stop(ctx context.Context) error {
	c.started = false
	return nil
}

func (c *mockContainer) IsHealthy(ctx context.Context) bool {
	return c.started && c.healthy
}

// Crash marks the container unhealthy so the pool recycles it on release.
func (c *mockContainer) Crash() { c.healthy = false }

func (c *mockContainer) Execute(ctx context.Context, command string, timeout time.Duration) *models.ToolResult {
	start := time.Now()

	if d := c.factory.ExecDelay; d > 0 {
		if d > timeout {
			// Simulated run exceeds the budget.
			time.Sleep(timeout)
			return &models.ToolResult{
				Success:    false,
				Stderr:     "execution timed out",
				ExitCode:   -1,
				DurationMS: time.Since(start).Milliseconds(),
				ErrorType:  models.ErrTimeout,
			}
		}
		time.Sleep(d)
	}

	c.factory.mu.Lock()
	defer c.factory.mu.Unlock()
	for substr, result := range c.factory.fixtures {
		if strings.Contains(command, substr) {
			out := *result
			out.DurationMS = time.Since(start).Milliseconds()
			return &out
		}
	}
	return &models.ToolResult{
		Success:    true,
		Stdout:     command,
		DurationMS: time.Since(start).Milliseconds(),
	}
}
