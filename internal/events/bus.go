package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnState is the bus connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Handler receives verified payloads for a subscription. The channel is the
// concrete channel the message arrived on (patterns may match several).
type Handler func(channel string, payload json.RawMessage)

// Options configures the bus.
type Options struct {
	EngagementID string
	Key          []byte // engagement-scoped HMAC key
	BufferSize   int
	BufferMaxAge time.Duration
	// Backoff bounds for reconnect attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Now supplies envelope timestamps; defaults to UTC wall clock.
	Now func() string
}

func (o *Options) defaults() {
	if o.BufferSize == 0 {
		o.BufferSize = 1000
	}
	if o.BufferMaxAge == 0 {
		o.BufferMaxAge = 5 * time.Minute
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 250 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }
	}
}

// Subscription is a live pattern subscription. Close stops delivery.
type Subscription struct {
	id      int64
	pattern string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	bus     *Bus
}

// Close tears down the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	s.bus.removeSub(s.id)
	return s.pubsub.Close()
}

// Pattern returns the subscribed pattern.
func (s *Subscription) Pattern() string { return s.pattern }

// Bus is the stigmergic event bus. A single Bus instance is shared by all
// components of the daemon; mutating operations re-enter the client's own
// internal synchronization.
type Bus struct {
	rdb    redis.UniversalClient
	opts   Options
	state  atomic.Int32
	buffer *MessageBuffer

	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	log           *slog.Logger
}

// New creates a bus over an existing redis client (plain, failover or
// cluster). Use NewFailover for sentinel-backed production deployments.
func New(rdb redis.UniversalClient, opts Options) *Bus {
	opts.defaults()
	b := &Bus{
		rdb:    rdb,
		opts:   opts,
		buffer: NewMessageBuffer(opts.BufferSize, opts.BufferMaxAge),
		subs:   make(map[int64]*Subscription),
		log:    slog.Default().With("component", "eventbus", "engagement_id", opts.EngagementID),
	}
	b.state.Store(int32(StateDisconnected))
	return b
}

// NewFailover creates a bus whose client discovers the master through the
// given sentinel endpoints and follows failovers automatically.
func NewFailover(masterName string, sentinels []string, password string, db int, opts Options) *Bus {
	rdb := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    masterName,
		SentinelAddrs: sentinels,
		Password:      password,
		DB:            db,
	})
	return New(rdb, opts)
}

// NewSingleNode creates a bus over one redis node, for deployments without
// sentinels.
func NewSingleNode(addr, password string, db int, opts Options) *Bus {
	return New(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), opts)
}

// Redis exposes the shared client for collaborators that store alongside
// the bus (intelligence cache, pre-flight connectivity check).
func (b *Bus) Redis() redis.UniversalClient { return b.rdb }

// Connect verifies connectivity and starts the health monitor.
func (b *Bus) Connect(ctx context.Context) error {
	b.state.Store(int32(StateConnecting))
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		b.state.Store(int32(StateDisconnected))
		return fmt.Errorf("event bus connect: %w", err)
	}
	b.state.Store(int32(StateConnected))

	monitorCtx, cancel := context.WithCancel(context.Background())
	b.monitorCancel = cancel
	b.monitorDone = make(chan struct{})
	go b.monitor(monitorCtx)
	return nil
}

// Close stops the monitor and all subscriptions.
func (b *Bus) Close() error {
	if b.monitorCancel != nil {
		b.monitorCancel()
		<-b.monitorDone
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	b.state.Store(int32(StateDisconnected))
	return b.rdb.Close()
}

// State returns the current connection state.
func (b *Bus) State() ConnState {
	return ConnState(b.state.Load())
}

// BufferedCount returns the number of publishes waiting for reconnect.
func (b *Bus) BufferedCount() int { return b.buffer.Len() }

// Publish seals the payload in a signed envelope and publishes it. Returns
// the number of subscribers reached. While degraded, the publish is buffered
// and 0 is returned without error.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) (int64, error) {
	env, err := Seal(payload, b.opts.EngagementID, b.opts.Now(), b.opts.Key)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	if b.State() != StateConnected {
		b.buffer.Add(channel, data)
		return 0, nil
	}

	n, err := b.rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		b.degrade(err)
		b.buffer.Add(channel, data)
		return 0, nil
	}
	return n, nil
}

// Subscribe registers a handler for a channel pattern (e.g. "findings:*").
// Dispatch is asynchronous per subscription; handler panics are recovered
// and logged, and unverifiable messages are dropped.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	pubsub := b.rdb.PSubscribe(ctx, pattern)
	// Force the subscription onto the wire before returning so callers can
	// publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: pattern, pubsub: pubsub, cancel: cancel, bus: b}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.dispatchLoop(subCtx, sub, handler)
	return sub, nil
}

func (b *Bus) dispatchLoop(ctx context.Context, sub *Subscription, handler Handler) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, ok := Open([]byte(msg.Payload), b.opts.Key)
			if !ok {
				b.log.Warn("dropping unauthenticated message", "channel", msg.Channel, "pattern", sub.pattern)
				continue
			}
			b.deliver(msg.Channel, env.Payload, handler)
		}
	}
}

func (b *Bus) deliver(channel string, payload json.RawMessage, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber handler panicked", "channel", channel, "panic", r)
		}
	}()
	handler(channel, payload)
}

func (b *Bus) removeSub(id int64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bus) degrade(err error) {
	if b.state.CompareAndSwap(int32(StateConnected), int32(StateDegraded)) {
		b.log.Warn("event bus degraded, buffering publishes", "error", err)
	}
}

// monitor watches connectivity: while connected it pings on an interval;
// once degraded it reconnects with exponential backoff and capped jitter,
// then drains the buffer in FIFO order.
func (b *Bus) monitor(ctx context.Context) {
	defer close(b.monitorDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := b.rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			if b.State() != StateConnected {
				b.state.Store(int32(StateConnected))
				b.log.Info("event bus reconnected")
			}
			b.drainBuffer(ctx)
			continue
		}
		b.degrade(err)
		b.reconnectLoop(ctx)
	}
}

func (b *Bus) reconnectLoop(ctx context.Context) {
	backoff := b.opts.BackoffBase
	for attempt := 1; ; attempt++ {
		b.state.Store(int32(StateConnecting))
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := b.rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			b.state.Store(int32(StateConnected))
			b.log.Info("event bus reconnected", "attempts", attempt)
			b.drainBuffer(ctx)
			return
		}
		b.state.Store(int32(StateDegraded))

		// Exponential backoff with capped jitter.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if sleep > b.opts.BackoffMax {
			sleep = b.opts.BackoffMax
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if backoff < b.opts.BackoffMax {
			backoff *= 2
		}
	}
}

func (b *Bus) drainBuffer(ctx context.Context) {
	pending := b.buffer.Drain()
	for i, msg := range pending {
		if err := b.rdb.Publish(ctx, msg.Channel, msg.Data).Err(); err != nil {
			// Requeue the remainder and give up this round; the monitor
			// retries on its next tick.
			for _, rest := range pending[i:] {
				b.buffer.Requeue(rest)
			}
			b.degrade(err)
			return
		}
	}
	if len(pending) > 0 {
		b.log.Info("drained buffered publishes", "count", len(pending))
	}
}
