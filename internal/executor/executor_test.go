package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberred/cyberred/internal/killswitch"
	"github.com/cyberred/cyberred/internal/models"
	"github.com/cyberred/cyberred/internal/pool"
	"github.com/cyberred/cyberred/internal/scope"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, string, interface{}) (int64, error) { return 0, nil }

func newTestExecutor(t *testing.T, size int) (*Executor, *pool.MockFactory, *killswitch.Switch) {
	t.Helper()
	f := pool.NewMockFactory()
	p, err := pool.New(context.Background(), f, size)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })

	validator, err := scope.NewValidator(&scope.Config{AllowedNetworks: []string{"192.0.2.0/24"}})
	require.NoError(t, err)

	ks := killswitch.New("eng-1", nopBroadcaster{}, nil)
	return New(p, validator, ks, time.Second), f, ks
}

func TestExecuteSuccess(t *testing.T) {
	e, f, _ := newTestExecutor(t, 1)
	f.AddFixture("nmap", &models.ToolResult{Success: true, Stdout: "22/tcp open", ExitCode: 0})

	res, err := e.Execute(context.Background(), "nmap -sV 192.0.2.10", time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Stdout, "22/tcp")
}

func TestScopeViolationPropagatesAndNoContainerUsed(t *testing.T) {
	e, _, _ := newTestExecutor(t, 1)

	_, err := e.Execute(context.Background(), "nmap 192.0.2.10; rm -rf /", time.Second)
	var viol *scope.ViolationError
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, "command_injection", viol.Rule)

	// The pool was never touched.
	assert.Equal(t, 0, e.pool.InUseCount())
	assert.Equal(t, 1, e.pool.AvailableCount())
}

func TestKillSwitchBlocksBeforeScope(t *testing.T) {
	e, _, ks := newTestExecutor(t, 1)
	ks.Trigger(context.Background(), "test", "operator")

	// Even an out-of-scope command surfaces the freeze, not the scope error.
	_, err := e.Execute(context.Background(), "nmap 192.0.2.10; rm -rf /", time.Second)
	var trig *killswitch.TriggeredError
	require.ErrorAs(t, err, &trig)
	assert.Equal(t, "test", trig.Reason)
}

func TestPoolExhaustionIsResultValue(t *testing.T) {
	e, _, _ := newTestExecutor(t, 1)
	ctx := context.Background()

	lease, err := e.pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer lease.Release(ctx)

	res, err := e.Execute(ctx, "nmap 192.0.2.10", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.ErrPoolExhausted, res.ErrorType)
	assert.Equal(t, -1, res.ExitCode)
}

func TestTimeoutIsResultValue(t *testing.T) {
	e, f, _ := newTestExecutor(t, 1)
	f.ExecDelay = 200 * time.Millisecond

	res, err := e.Execute(context.Background(), "nmap 192.0.2.10", 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.ErrTimeout, res.ErrorType)
	assert.Equal(t, -1, res.ExitCode)
	assert.Greater(t, res.DurationMS, int64(0))

	// Container returned to the pool despite the timeout.
	assert.Equal(t, 1, e.pool.AvailableCount())
}

func TestNonZeroExitClassified(t *testing.T) {
	e, f, _ := newTestExecutor(t, 1)
	f.AddFixture("failing", &models.ToolResult{
		Success:   false,
		Stderr:    "host unreachable",
		ExitCode:  2,
		ErrorType: models.ErrNonZeroExit,
	})

	res, err := e.Execute(context.Background(), "failing 192.0.2.10", time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ErrNonZeroExit, res.ErrorType)
	assert.Equal(t, 2, res.ExitCode)
}
