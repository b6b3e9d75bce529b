package intel

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSourceTimeout bounds each source query during the fanout.
const DefaultSourceTimeout = 5 * time.Second

// Aggregator resolves intelligence queries: stigmergic peek, cache peek,
// parallel source fanout, then the offline archive as the last resort.
type Aggregator struct {
	sources       []Source
	cache         *Cache
	subscriber    *Subscriber // optional
	publisher     *Publisher  // optional
	sourceTimeout time.Duration
	agentID       string

	mu      sync.Mutex
	metrics map[string]*SourceMetrics

	log *slog.Logger
}

// Options wires the aggregator's optional collaborators.
type Options struct {
	Cache         *Cache
	Subscriber    *Subscriber
	Publisher     *Publisher
	SourceTimeout time.Duration
	AgentID       string
}

// NewAggregator builds an aggregator over the registered sources.
func NewAggregator(sources []Source, opts Options) *Aggregator {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if opts.AgentID == "" {
		opts.AgentID = "system"
	}
	return &Aggregator{
		sources:       sources,
		cache:         opts.Cache,
		subscriber:    opts.Subscriber,
		publisher:     opts.Publisher,
		sourceTimeout: opts.SourceTimeout,
		agentID:       opts.AgentID,
		metrics:       make(map[string]*SourceMetrics),
		log:           slog.Default().With("component", "intel", "role", "aggregator"),
	}
}

// Metrics returns a copy of the per-source counters.
func (a *Aggregator) Metrics() map[string]SourceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]SourceMetrics, len(a.metrics))
	for name, m := range a.metrics {
		out[name] = *m
	}
	return out
}

func (a *Aggregator) metricsFor(name string) *SourceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.metrics[name]
	if !ok {
		m = &SourceMetrics{}
		a.metrics[name] = m
	}
	return m
}

// Query resolves intelligence for a service/version pair. It never returns
// an error: per-source failures are swallowed and counted, and total failure
// degrades to the archive or an empty list. Results are merged and sorted
// ascending by priority.
func (a *Aggregator) Query(ctx context.Context, service, version string) []*Result {
	// 1. Stigmergic peek: another agent may have shared this already.
	if a.subscriber != nil {
		if results, ok := a.subscriber.Get(service, version); ok {
			a.log.Debug("stigmergic hit", "service", service, "version", version)
			return sorted(results)
		}
	}

	// 2. Cache peek.
	if a.cache != nil {
		if results, _ := a.cache.Get(ctx, service, version); results != nil {
			a.log.Debug("cache hit", "service", service, "version", version, "count", len(results))
			return sorted(results)
		}
	}

	// 3. Parallel fanout with per-source timeouts.
	merged, failures := a.fanout(ctx, service, version)

	// 4. Cache the success path, including empty result sets: "nothing
	// known" is a valid answer worth remembering.
	if failures == 0 && a.cache != nil {
		a.cache.Set(ctx, service, version, merged)
	}

	// 5. Share with the swarm; best-effort.
	if failures == 0 && a.publisher != nil {
		a.publisher.Publish(ctx, service, version, merged, a.agentID)
	}

	// 6. Offline fallback: every source failed and nothing fresh exists.
	if failures == len(a.sources) && len(a.sources) > 0 {
		if results, cachedAt := a.archiveFallback(ctx, service, version); results != nil {
			a.log.Warn("serving stale archive intelligence", "service", service, "version", version, "cached_at", cachedAt)
			return results
		}
		a.log.Warn("all intelligence sources failed with no archive", "service", service, "version", version)
		return []*Result{}
	}

	return sorted(merged)
}

func (a *Aggregator) fanout(ctx context.Context, service, version string) (merged []*Result, failures int) {
	type outcome struct {
		source  string
		results []*Result
		err     error
	}

	outcomes := make(chan outcome, len(a.sources))
	for _, src := range a.sources {
		go func(src Source) {
			queryCtx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
			defer cancel()
			results, err := src.Query(queryCtx, service, version)
			if err == nil && queryCtx.Err() != nil {
				err = queryCtx.Err()
			}
			outcomes <- outcome{source: src.Name(), results: results, err: err}
		}(src)
	}

	for range a.sources {
		o := <-outcomes
		m := a.metricsFor(o.source)
		a.mu.Lock()
		m.Queries++
		a.mu.Unlock()

		if o.err != nil {
			a.mu.Lock()
			if o.err == context.DeadlineExceeded {
				m.Timeouts++
			} else {
				m.Errors++
			}
			a.mu.Unlock()
			failures++
			a.log.Warn("intelligence source failed", "source", o.source, "error", o.err)
			continue
		}
		merged = append(merged, o.results...)
	}
	if merged == nil {
		merged = []*Result{}
	}
	return merged, failures
}

func (a *Aggregator) archiveFallback(ctx context.Context, service, version string) ([]*Result, string) {
	if a.cache == nil {
		return nil, ""
	}
	results, cachedAt := a.cache.GetArchive(ctx, service, version)
	if results == nil {
		return nil, ""
	}
	for _, r := range results {
		if r.Metadata == nil {
			r.Metadata = make(map[string]interface{})
		}
		r.Metadata["stale"] = true
		r.Metadata["cached_at"] = cachedAt
	}
	return sorted(results), cachedAt
}

func sorted(results []*Result) []*Result {
	out := append([]*Result(nil), results...)
	SortByPriority(out)
	return out
}
