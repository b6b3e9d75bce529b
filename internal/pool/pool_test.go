package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberred/cyberred/internal/models"
)

func newTestPool(t *testing.T, size int) (*Pool, *MockFactory) {
	t.Helper()
	f := NewMockFactory()
	p, err := New(context.Background(), f, size)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, f
}

func TestAcquireRelease(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, p.InUseCount())
	assert.Equal(t, 1, p.AvailableCount())
	assert.InDelta(t, 0.5, p.Pressure(), 1e-9)

	lease.Release(ctx)
	assert.Equal(t, 0, p.InUseCount())
	assert.Equal(t, 2, p.AvailableCount())
}

func TestReleaseIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	lease.Release(ctx)
	lease.Release(ctx)
	assert.Equal(t, 1, p.AvailableCount())
	assert.Equal(t, 0, p.InUseCount())
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = p.Acquire(ctx, 50*time.Millisecond)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, ex.Size)
}

func TestCrashedContainerReplacedOnRelease(t *testing.T) {
	p, f := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	lease.Container().(*mockContainer).Crash()
	lease.Release(ctx)

	// A replacement was created and the pool stays full.
	assert.Equal(t, 2, f.Created())
	require.Equal(t, 1, p.AvailableCount())

	lease, err = p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, lease.Container().IsHealthy(ctx))
	lease.Release(ctx)
}

func TestExecuteFixtureAndDefault(t *testing.T) {
	p, f := newTestPool(t, 1)
	ctx := context.Background()
	f.AddFixture("nmap", &models.ToolResult{
		Success:  true,
		Stdout:   "22/tcp open ssh",
		ExitCode: 0,
	})

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release(ctx)

	res := lease.Container().Execute(ctx, "nmap -sV 192.0.2.10", 5*time.Second)
	assert.True(t, res.Success)
	assert.Contains(t, res.Stdout, "22/tcp")

	res = lease.Container().Execute(ctx, "echo hello", 5*time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, "echo hello", res.Stdout)
}

func TestExecuteTimeoutIsValueNotError(t *testing.T) {
	p, f := newTestPool(t, 1)
	ctx := context.Background()
	f.ExecDelay = 200 * time.Millisecond

	lease, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release(ctx)

	res := lease.Container().Execute(ctx, "slowtool", 20*time.Millisecond)
	assert.False(t, res.Success)
	assert.Equal(t, models.ErrTimeout, res.ErrorType)
	assert.Equal(t, -1, res.ExitCode)
	assert.GreaterOrEqual(t, res.DurationMS, int64(20))
}
