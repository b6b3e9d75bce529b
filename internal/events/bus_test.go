package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("engagement-test-key")

func testBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(rdb, Options{EngagementID: "eng-1", Key: testKey})
	// Tests drive connectivity by hand; the monitor goroutine would race
	// with miniredis restarts.
	bus.state.Store(int32(StateConnected))
	t.Cleanup(func() { _ = rdb.Close() })
	return bus, mr
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	got := make(chan json.RawMessage, 1)
	sub, err := bus.Subscribe(ctx, "findings:*", func(channel string, payload json.RawMessage) {
		got <- payload
	})
	require.NoError(t, err)
	defer sub.Close()

	payload := map[string]string{"type": "open_port", "target": "192.0.2.10"}
	_, err = bus.Publish(ctx, "findings:ab12cd34:open_port", payload)
	require.NoError(t, err)

	select {
	case raw := <-got:
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, payload, decoded)
	case <-time.After(1 * time.Second):
		// The healthy round-trip contract is <1s.
		t.Fatal("publish did not reach subscriber within 1s")
	}
}

func TestSubscriberDropsUnsignedMessages(t *testing.T) {
	bus, mr := testBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var delivered int
	sub, err := bus.Subscribe(ctx, "findings:*", func(string, json.RawMessage) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	// A raw publish bypassing the signed envelope must be ignored.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	require.NoError(t, rdb.Publish(ctx, "findings:raw:x", `{"type":"sqli"}`).Err())

	// A tampered envelope must be ignored too.
	env, err := Seal(map[string]string{"a": "b"}, "eng-1", "2026-01-01T00:00:00Z", testKey)
	require.NoError(t, err)
	env.Payload = json.RawMessage(`{"a":"tampered"}`)
	data, _ := json.Marshal(env)
	require.NoError(t, rdb.Publish(ctx, "findings:raw:y", string(data)).Err())

	// A valid publish still gets through afterwards.
	_, err = bus.Publish(ctx, "findings:ok:z", map[string]string{"ok": "yes"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicDoesNotKillBus(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	calls := make(chan struct{}, 2)
	sub, err := bus.Subscribe(ctx, "agents:*", func(string, json.RawMessage) {
		calls <- struct{}{}
		panic("subscriber bug")
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 2; i++ {
		_, err = bus.Publish(ctx, "agents:a1:status", map[string]int{"i": i})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never happened", i)
		}
	}
}

func TestDegradedPublishesBufferAndDrain(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	bus.state.Store(int32(StateDegraded))
	for i := 0; i < 3; i++ {
		n, err := bus.Publish(ctx, "control:kill", map[string]int{"seq": i})
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, 3, bus.BufferedCount())

	bus.state.Store(int32(StateConnected))
	bus.drainBuffer(ctx)
	assert.Zero(t, bus.BufferedCount())
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	buf := NewMessageBuffer(2, time.Minute)
	buf.Add("c", []byte("1"))
	buf.Add("c", []byte("2"))
	buf.Add("c", []byte("3"))

	entries := buf.Drain()
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("2"), entries[0].Data)
	assert.Equal(t, []byte("3"), entries[1].Data)
	assert.EqualValues(t, 1, buf.Dropped())
}

func TestBufferExpiresByAge(t *testing.T) {
	buf := NewMessageBuffer(10, 50*time.Millisecond)
	buf.Requeue(BufferedMessage{Channel: "c", Data: []byte("old"), EnqueuedAt: time.Now().Add(-time.Second)})
	buf.Add("c", []byte("fresh"))

	entries := buf.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("fresh"), entries[0].Data)
	assert.EqualValues(t, 1, buf.Dropped())
}

func TestEnvelopeVerify(t *testing.T) {
	env, err := Seal(map[string]string{"k": "v"}, "eng-1", "2026-01-01T00:00:00Z", testKey)
	require.NoError(t, err)
	assert.True(t, env.Verify(testKey))
	assert.False(t, env.Verify([]byte("wrong")))

	// Canonicalization: whitespace and key order do not affect the signature.
	reordered := *env
	reordered.Payload = json.RawMessage(` { "k" : "v" } `)
	assert.True(t, reordered.Verify(testKey))
}

func TestStreamsAtLeastOnce(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.XGroupCreate(ctx, "ops", "workers"))

	id, err := bus.XAdd(ctx, "ops", map[string]string{"op": "scan"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := bus.XReadGroup(ctx, "ops", "workers", "w1", 10, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "scan", payload["op"])

	pending, err := bus.XPending(ctx, "ops", "workers")
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count)

	require.NoError(t, bus.XAck(ctx, "ops", "workers", entries[0].ID))
	pending, err = bus.XPending(ctx, "ops", "workers")
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestStreamSkipsTamperedEntries(t *testing.T) {
	bus, mr := testBus(t)
	ctx := context.Background()

	_, err := bus.XAdd(ctx, "ops", map[string]string{"op": "good"})
	require.NoError(t, err)

	// Inject a forged entry directly.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "ops",
		Values: map[string]interface{}{"envelope": `{"payload":{"op":"evil"},"signature":"forged"}`},
	}).Err())

	entries, err := bus.XRead(ctx, "ops", "0", -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "good", payload["op"])
}
