package events

import (
	"sync"
	"time"
)

// BufferedMessage is a publish pending delivery while the bus is degraded.
type BufferedMessage struct {
	Channel    string
	Data       []byte
	EnqueuedAt time.Time
}

// MessageBuffer is a bounded FIFO of pending publishes. When full, the
// oldest entry is evicted first. Entries older than MaxAge are expired and
// never retried.
type MessageBuffer struct {
	mu      sync.Mutex
	entries []BufferedMessage
	maxSize int
	maxAge  time.Duration
	dropped int64
}

// NewMessageBuffer creates a buffer bounded by count and age.
func NewMessageBuffer(maxSize int, maxAge time.Duration) *MessageBuffer {
	return &MessageBuffer{maxSize: maxSize, maxAge: maxAge}
}

// Add enqueues a pending publish, evicting the oldest entry when full.
func (b *MessageBuffer) Add(channel string, data []byte) {
	b.Requeue(BufferedMessage{Channel: channel, Data: data, EnqueuedAt: time.Now()})
}

// Requeue enqueues an entry keeping its original enqueue time, so a failed
// drain does not extend a message's lifetime.
func (b *MessageBuffer) Requeue(msg BufferedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.maxSize {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, msg)
}

// Drain removes and returns all non-expired entries in FIFO order. Expired
// entries are counted as dropped.
func (b *MessageBuffer) Drain() []BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.maxAge)
	fresh := make([]BufferedMessage, 0, len(b.entries))
	for _, e := range b.entries {
		if e.EnqueuedAt.Before(cutoff) {
			b.dropped++
			continue
		}
		fresh = append(fresh, e)
	}
	b.entries = nil
	return fresh
}

// Len returns the number of buffered entries.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns the number of entries evicted or expired so far.
func (b *MessageBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
