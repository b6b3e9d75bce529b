package engagement

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathLifecycle(t *testing.T) {
	m := New("eng-1")
	assert.Equal(t, StateInitializing, m.Current())

	require.NoError(t, m.Start())
	assert.Equal(t, StateRunning, m.Current())

	require.NoError(t, m.Pause())
	assert.Equal(t, StatePaused, m.Current())

	require.NoError(t, m.Resume())
	assert.Equal(t, StateRunning, m.Current())

	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.Current())

	require.NoError(t, m.Complete())
	assert.Equal(t, StateCompleted, m.Current())

	history := m.History()
	require.Len(t, history, 6)
	assert.Equal(t, StateInitializing, history[0].State)
	assert.Equal(t, StateCompleted, history[5].State)
}

func TestAllTransitionsAgainstValidSet(t *testing.T) {
	states := []State{StateInitializing, StateRunning, StatePaused, StateStopped, StateCompleted}
	for _, from := range states {
		for _, to := range states {
			m := New("eng-x")
			m.current = from
			err := m.Transition(to)
			if IsValidTransition(from, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				var invalid *InvalidTransitionError
				require.ErrorAs(t, err, &invalid, "%s -> %s", from, to)
				assert.Equal(t, from, invalid.From)
				assert.Equal(t, to, invalid.To)
				assert.Equal(t, "eng-x", invalid.EngagementID)
			}
		}
	}
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	m := New("eng-1")
	err := m.Transition(StateCompleted)
	require.Error(t, err)
	assert.Equal(t, StateInitializing, m.Current())
	assert.Len(t, m.History(), 1)
}

func TestSyncListenerRunsInline(t *testing.T) {
	m := New("eng-1")
	var got []State
	m.AddListener(Sync(func(from, to State) {
		got = append(got, to)
	}))

	require.NoError(t, m.Start())
	require.NoError(t, m.Pause())
	assert.Equal(t, []State{StateRunning, StatePaused}, got)
}

func TestAsyncListenerEventuallyRuns(t *testing.T) {
	m := New("eng-1")
	var mu sync.Mutex
	var got []State
	m.AddListener(Async(func(from, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
	}))

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == StateRunning
	}, time.Second, 5*time.Millisecond)
}

func TestPanickingListenerDoesNotBreakTransition(t *testing.T) {
	m := New("eng-1")
	var after bool
	m.AddListener(Sync(func(from, to State) { panic("listener bug") }))
	m.AddListener(Sync(func(from, to State) { after = true }))

	require.NoError(t, m.Start())
	assert.Equal(t, StateRunning, m.Current())
	assert.True(t, after, "later listeners still run")
}

func TestValidTargets(t *testing.T) {
	assert.ElementsMatch(t, []State{StateRunning}, ValidTargets(StateInitializing))
	assert.ElementsMatch(t, []State{StatePaused, StateStopped}, ValidTargets(StateRunning))
	assert.Empty(t, ValidTargets(StateCompleted))
}
