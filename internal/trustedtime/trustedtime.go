// Package trustedtime provides NTP-synchronized timestamps for audit trails.
//
// A background goroutine refreshes the clock offset on a TTL; readers never
// block and always use the latest cached offset. If synchronization fails the
// last good offset is retained.
package trustedtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// Defaults for the synchronization loop.
const (
	DefaultServer     = "pool.ntp.org"
	DefaultSyncTTL    = 5 * time.Minute
	DefaultDriftWarn  = 1 * time.Second
	DefaultDriftError = 5 * time.Second
	DefaultNTPTimeout = 5 * time.Second
)

// queryFn matches ntp.QueryWithOptions and is injectable for tests.
type queryFn func(server string, opts ntp.QueryOptions) (*ntp.Response, error)

// Options configures a Clock.
type Options struct {
	Server     string
	SyncTTL    time.Duration
	DriftWarn  time.Duration
	DriftError time.Duration
}

// Clock is an NTP-synchronized time provider. Now never blocks: the offset
// is a single atomic word updated by the sync goroutine.
type Clock struct {
	server     string
	syncTTL    time.Duration
	driftWarn  time.Duration
	driftError time.Duration

	offsetNanos atomic.Int64
	synced      atomic.Bool

	query  queryFn
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
}

// NewClock creates a clock and starts its background sync loop.
func NewClock(opts Options) *Clock {
	c := newClock(opts, func(server string, qo ntp.QueryOptions) (*ntp.Response, error) {
		return ntp.QueryWithOptions(server, qo)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.runSyncLoop(ctx)
	return c
}

func newClock(opts Options, query queryFn) *Clock {
	if opts.Server == "" {
		opts.Server = DefaultServer
	}
	if opts.SyncTTL <= 0 {
		opts.SyncTTL = DefaultSyncTTL
	}
	if opts.DriftWarn <= 0 {
		opts.DriftWarn = DefaultDriftWarn
	}
	if opts.DriftError <= 0 {
		opts.DriftError = DefaultDriftError
	}
	return &Clock{
		server:     opts.Server,
		syncTTL:    opts.SyncTTL,
		driftWarn:  opts.DriftWarn,
		driftError: opts.DriftError,
		query:      query,
		done:       make(chan struct{}),
		log:        slog.Default().With("component", "trustedtime"),
	}
}

// Now returns the adjusted wall-clock time in UTC.
func (c *Clock) Now() time.Time {
	return time.Now().UTC().Add(time.Duration(c.offsetNanos.Load()))
}

// NowISO returns the adjusted time formatted as RFC 3339 with nanoseconds.
func (c *Clock) NowISO() string {
	return c.Now().Format(time.RFC3339Nano)
}

// IsSynced reports whether the last synchronization attempt succeeded.
func (c *Clock) IsSynced() bool {
	return c.synced.Load()
}

// Drift returns the current offset between NTP and the local clock.
func (c *Clock) Drift() time.Duration {
	return time.Duration(c.offsetNanos.Load())
}

// Stop terminates the background sync loop.
func (c *Clock) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Clock) runSyncLoop(ctx context.Context) {
	defer close(c.done)

	c.sync()
	ticker := time.NewTicker(c.syncTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sync()
		}
	}
}

func (c *Clock) sync() {
	resp, err := c.query(c.server, ntp.QueryOptions{Timeout: DefaultNTPTimeout})
	if err != nil {
		// Keep the last good offset; one failed sync does not discard the
		// best known drift.
		c.synced.Store(false)
		c.log.Warn("NTP sync failed, falling back to cached offset", "server", c.server, "error", err)
		return
	}
	if err := resp.Validate(); err != nil {
		c.synced.Store(false)
		c.log.Warn("NTP response rejected", "server", c.server, "error", err)
		return
	}

	c.offsetNanos.Store(int64(resp.ClockOffset))
	c.synced.Store(true)

	abs := resp.ClockOffset
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= c.driftError:
		c.log.Error("severe clock drift detected", "offset", resp.ClockOffset)
	case abs >= c.driftWarn:
		c.log.Warn("clock drift detected", "offset", resp.ClockOffset)
	default:
		c.log.Debug("NTP sync successful", "offset", resp.ClockOffset)
	}
}

// SignTimestamp returns the base64 HMAC-SHA256 of a timestamp string.
func SignTimestamp(timestamp string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyTimestampSignature checks a timestamp signature in constant time.
func VerifyTimestampSignature(timestamp, signature string, key []byte) bool {
	expected := SignTimestamp(timestamp, key)
	return hmac.Equal([]byte(expected), []byte(signature))
}
