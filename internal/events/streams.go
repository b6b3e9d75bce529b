package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// envelopeField is the stream entry field carrying the signed envelope.
const envelopeField = "envelope"

// StreamEntry is one verified entry read from a stream.
type StreamEntry struct {
	ID      string
	Payload json.RawMessage
}

// XAdd appends a signed envelope to a stream and returns the entry ID.
func (b *Bus) XAdd(ctx context.Context, stream string, payload interface{}) (string, error) {
	env, err := Seal(payload, b.opts.EngagementID, b.opts.Now(), b.opts.Key)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{envelopeField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %q: %w", stream, err)
	}
	return id, nil
}

// XRead reads entries after lastID ("$" for only-new, "0" for from-start),
// blocking up to the given duration; a negative block reads without
// waiting. Malformed or tampered entries are skipped, never fatal.
func (b *Bus) XRead(ctx context.Context, stream, lastID string, block time.Duration) ([]StreamEntry, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %q: %w", stream, err)
	}
	return b.collectEntries(res), nil
}

// XGroupCreate creates a consumer group starting at the stream head,
// tolerating an already-existing group.
func (b *Bus) XGroupCreate(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %q/%q: %w", stream, group, err)
	}
	return nil
}

// XReadGroup reads pending-new entries for a consumer in a group,
// providing at-least-once delivery together with XAck.
func (b *Bus) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %q/%q: %w", stream, group, err)
	}
	return b.collectEntries(res), nil
}

// XAck acknowledges processed entries.
func (b *Bus) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %q/%q: %w", stream, group, err)
	}
	return nil
}

// XPending summarizes unacknowledged entries for a group.
func (b *Bus) XPending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	p, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %q/%q: %w", stream, group, err)
	}
	return p, nil
}

// XClaim transfers ownership of stalled entries to another consumer.
func (b *Bus) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamEntry, error) {
	msgs, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xclaim %q/%q: %w", stream, group, err)
	}
	return b.verifyMessages(stream, msgs), nil
}

func (b *Bus) collectEntries(res []redis.XStream) []StreamEntry {
	var out []StreamEntry
	for _, s := range res {
		out = append(out, b.verifyMessages(s.Stream, s.Messages)...)
	}
	return out
}

func (b *Bus) verifyMessages(stream string, msgs []redis.XMessage) []StreamEntry {
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[envelopeField].(string)
		if !ok {
			b.log.Warn("skipping malformed stream entry", "stream", stream, "id", m.ID)
			continue
		}
		env, ok := Open([]byte(raw), b.opts.Key)
		if !ok {
			b.log.Warn("skipping tampered stream entry", "stream", stream, "id", m.ID)
			continue
		}
		out = append(out, StreamEntry{ID: m.ID, Payload: env.Payload})
	}
	return out
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
