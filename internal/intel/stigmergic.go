package intel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cyberred/cyberred/internal/events"
)

// StigmergicTTL is the lifetime of shared intelligence: shorter than the
// cache TTL, long enough to save redundant queries during a sweep.
const StigmergicTTL = 5 * time.Minute

// stigmergicMessage is the wire form shared on the bus.
type stigmergicMessage struct {
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	Results    []*Result `json:"results"`
	Timestamp  string    `json:"timestamp"`
	TTLSeconds int       `json:"ttl_seconds"`
	AgentID    string    `json:"source_agent_id"`
}

// stigmergicTopic is findings:<sha256(service:version)[:8]>:intel_enriched.
func stigmergicTopic(service, version string) string {
	key := strings.ToLower(service + ":" + version)
	sum := sha256.Sum256([]byte(key))
	return "findings:" + hex.EncodeToString(sum[:])[:8] + ":intel_enriched"
}

// SubscribePattern matches every stigmergic intelligence channel.
const SubscribePattern = "findings:*:intel_enriched"

// Publisher shares query results with the swarm so other agents skip
// redundant lookups.
type Publisher struct {
	bus *events.Bus
	log *slog.Logger
}

// NewPublisher wraps the shared bus.
func NewPublisher(bus *events.Bus) *Publisher {
	return &Publisher{bus: bus, log: slog.Default().With("component", "intel", "role", "publisher")}
}

// Publish shares results. Returns the number of subscribers reached; errors
// are logged, never raised, because sharing is best-effort.
func (p *Publisher) Publish(ctx context.Context, service, version string, results []*Result, agentID string) int64 {
	msg := stigmergicMessage{
		Service:    service,
		Version:    version,
		Results:    results,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		TTLSeconds: int(StigmergicTTL.Seconds()),
		AgentID:    agentID,
	}
	n, err := p.bus.Publish(ctx, stigmergicTopic(service, version), msg)
	if err != nil {
		p.log.Warn("stigmergic publish failed", "service", service, "version", version, "error", err)
		return 0
	}
	return n
}

type stigmergicEntry struct {
	results   []*Result
	expiresAt time.Time
}

// Subscriber listens for intelligence shared by other agents and keeps a
// local TTL cache for instant lookups.
type Subscriber struct {
	bus *events.Bus
	sub *events.Subscription

	mu    sync.Mutex
	cache map[string]stigmergicEntry
	hits  int64

	log *slog.Logger
}

// NewSubscriber wraps the shared bus.
func NewSubscriber(bus *events.Bus) *Subscriber {
	return &Subscriber{
		bus:   bus,
		cache: make(map[string]stigmergicEntry),
		log:   slog.Default().With("component", "intel", "role", "subscriber"),
	}
}

// Subscribe starts listening on the stigmergic channels.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, SubscribePattern, func(channel string, payload json.RawMessage) {
		var msg stigmergicMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("undecodable stigmergic message", "channel", channel, "error", err)
			return
		}
		ttl := time.Duration(msg.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = StigmergicTTL
		}
		s.mu.Lock()
		s.cache[strings.ToLower(msg.Service+":"+msg.Version)] = stigmergicEntry{
			results:   msg.Results,
			expiresAt: time.Now().Add(ttl),
		}
		s.mu.Unlock()
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info("stigmergic intelligence subscribed")
	return nil
}

// Close stops the subscription.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Close()
	}
}

// Get returns shared results for a query if present and unexpired.
func (s *Subscriber) Get(service, version string) ([]*Result, bool) {
	key := strings.ToLower(service + ":" + version)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.cache, key)
		return nil, false
	}
	s.hits++
	return entry.results, true
}

// Hits reports how many lookups the stigmergic layer has saved.
func (s *Subscriber) Hits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}
