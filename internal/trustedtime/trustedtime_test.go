package trustedtime

import (
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowAppliesOffset(t *testing.T) {
	c := newClock(Options{}, nil)
	c.offsetNanos.Store(int64(2 * time.Second))

	before := time.Now().UTC().Add(2 * time.Second)
	got := c.Now()
	after := time.Now().UTC().Add(2 * time.Second)

	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestNowISOParses(t *testing.T) {
	c := newClock(Options{}, nil)
	_, err := time.Parse(time.RFC3339Nano, c.NowISO())
	require.NoError(t, err)
}

func TestSyncFailureKeepsLastGoodOffset(t *testing.T) {
	calls := 0
	c := newClock(Options{}, func(string, ntp.QueryOptions) (*ntp.Response, error) {
		calls++
		if calls == 1 {
			return &ntp.Response{ClockOffset: 3 * time.Second, Stratum: 2}, nil
		}
		return nil, errors.New("ntp unreachable")
	})

	c.sync()
	require.True(t, c.IsSynced())
	require.Equal(t, 3*time.Second, c.Drift())

	c.sync()
	assert.False(t, c.IsSynced())
	// Offset retained from the last successful sync.
	assert.Equal(t, 3*time.Second, c.Drift())
}

func TestSignVerifyTimestamp(t *testing.T) {
	key := []byte("engagement-key")
	ts := "2026-01-01T00:00:00Z"

	sig := SignTimestamp(ts, key)
	assert.NotEmpty(t, sig)
	assert.True(t, VerifyTimestampSignature(ts, sig, key))
	assert.False(t, VerifyTimestampSignature(ts, sig, []byte("other-key")))
	assert.False(t, VerifyTimestampSignature("2026-01-01T00:00:01Z", sig, key))
	assert.False(t, VerifyTimestampSignature(ts, sig+"x", key))
}
