package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "provider", FailureThreshold: 3, Cooldown: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	assert.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Zero(t, b.ConsecutiveFailures())

	b.RecordFailure()
	b.RecordFailure()
	assert.NoError(t, b.Allow())
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:             "p",
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	b.RecordFailure()
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}
