package killswitch

import (
	"context"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu       sync.Mutex
	channels []string
	payloads []interface{}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload interface{}) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.payloads = append(b.payloads, payload)
	return 3, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingAudit) Record(_ context.Context, engagementID, eventType, eventData, actor string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, eventType+"/"+actor)
	return nil
}

func TestTriggerFreezesAndBroadcasts(t *testing.T) {
	bus := &recordingBus{}
	audit := &recordingAudit{}
	s := New("eng-1", bus, audit)

	require.NoError(t, s.CheckFrozen())

	res := s.Trigger(context.Background(), "operator abort", "alice")
	assert.True(t, s.IsFrozen())
	assert.EqualValues(t, 3, res.Subscribers)
	assert.True(t, res.AuditRecorded)

	// Both the kill and the final abort went out on control:kill.
	bus.mu.Lock()
	assert.Len(t, bus.channels, 2)
	for _, ch := range bus.channels {
		assert.Equal(t, KillChannel, ch)
	}
	bus.mu.Unlock()

	audit.mu.Lock()
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "kill_switch/alice", audit.entries[0])
	audit.mu.Unlock()

	err := s.CheckFrozen()
	var trig *TriggeredError
	require.ErrorAs(t, err, &trig)
	assert.Equal(t, "operator abort", trig.Reason)
	assert.Equal(t, "eng-1", trig.EngagementID)
}

func TestTriggerSignalsRegisteredProcesses(t *testing.T) {
	s := New("eng-1", &recordingBus{}, nil)

	var mu sync.Mutex
	var signaled []int
	s.signal = func(pid int, sig syscall.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, syscall.SIGTERM, sig)
		signaled = append(signaled, pid)
		return nil
	}
	s.RegisterProcess(1234)
	s.RegisterProcess(5678)

	res := s.Trigger(context.Background(), "test", "test")
	assert.ElementsMatch(t, []int{1234, 5678}, res.SignaledPIDs)
	mu.Lock()
	assert.Len(t, signaled, 2)
	mu.Unlock()
}
