package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberred/cyberred/internal/circuitbreaker"
)

// Defaults for the gateway.
const (
	DefaultRPM        = 30
	DefaultBurst      = 5
	DefaultMaxRetries = 3
	DefaultMaxTokens  = 2048
	retryBackoffBase  = time.Second
)

// Router maps task complexity to a provider.
type Router struct {
	routes   map[TaskComplexity]string
	fallback string
}

// NewRouter builds a router; fallback is used for unmapped complexities.
func NewRouter(fallback string) *Router {
	return &Router{routes: make(map[TaskComplexity]string), fallback: fallback}
}

// Route assigns a provider to a complexity class.
func (r *Router) Route(c TaskComplexity, provider string) {
	r.routes[c] = provider
}

// SelectModel returns the provider name for a complexity class.
func (r *Router) SelectModel(c TaskComplexity) string {
	if p, ok := r.routes[c]; ok {
		return p
	}
	return r.fallback
}

// InferComplexity classifies a request by its prompt shape: short
// single-question prompts are fast, long multi-section prompts complex.
func (r *Router) InferComplexity(prompt string) TaskComplexity {
	switch {
	case len(prompt) < 500 && !strings.Contains(prompt, "\n\n"):
		return ComplexityFast
	case len(prompt) > 4000 || strings.Count(prompt, "\n\n") > 5:
		return ComplexityComplex
	default:
		return ComplexityStandard
	}
}

// Options configures a Gateway.
type Options struct {
	RPM        int
	Burst      int
	MaxRetries int
	Timeout    time.Duration
	Router     *Router
}

// Gateway is the swarm-wide model front door.
type Gateway struct {
	providers map[string]Provider
	breakers  map[string]*circuitbreaker.Breaker
	router    *Router
	limiter   *rate.Limiter
	queue     *requestQueue

	maxRetries int
	timeout    time.Duration

	usageMu sync.Mutex
	usage   map[string]*TokenUsage

	workerCancel context.CancelFunc
	workerDone   chan struct{}
	log          *slog.Logger
}

// NewGateway wires the providers behind the queue, limiter and breakers and
// starts the single dispatch worker.
func NewGateway(providers []Provider, opts Options) *Gateway {
	if opts.RPM <= 0 {
		opts.RPM = DefaultRPM
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}

	g := &Gateway{
		providers:  make(map[string]Provider, len(providers)),
		breakers:   make(map[string]*circuitbreaker.Breaker, len(providers)),
		router:     opts.Router,
		limiter:    rate.NewLimiter(rate.Limit(float64(opts.RPM)/60.0), opts.Burst),
		queue:      newRequestQueue(),
		maxRetries: opts.MaxRetries,
		timeout:    opts.Timeout,
		usage:      make(map[string]*TokenUsage),
		log:        slog.Default().With("component", "llmgateway"),
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
		g.breakers[p.Name()] = circuitbreaker.New(circuitbreaker.Config{
			Name:             p.Name(),
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				g.log.Warn("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
			},
		})
	}
	if g.router == nil {
		fallback := ""
		for name := range g.providers {
			fallback = name
			break
		}
		g.router = NewRouter(fallback)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.workerCancel = cancel
	g.workerDone = make(chan struct{})
	go g.worker(ctx)
	return g
}

// Close stops the dispatch worker and fails queued requests.
func (g *Gateway) Close() {
	g.queue.close()
	g.workerCancel()
	<-g.workerDone
}

// EnqueueDirector queues a director-priority request.
func (g *Gateway) EnqueueDirector(prompt string, maxTokens int) *Handle {
	return g.enqueue(prompt, maxTokens, PriorityDirector)
}

// EnqueueAgent queues an agent-priority request.
func (g *Gateway) EnqueueAgent(prompt string, maxTokens int) *Handle {
	return g.enqueue(prompt, maxTokens, PriorityAgent)
}

func (g *Gateway) enqueue(prompt string, maxTokens int, priority Priority) *Handle {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	req := &queuedRequest{
		prompt:     prompt,
		maxTokens:  maxTokens,
		complexity: g.router.InferComplexity(prompt),
		priority:   priority,
		doneCh:     make(chan struct{}),
	}
	g.queue.enqueue(req)
	return &Handle{req: req}
}

// Generate runs an agent-priority prompt to completion. It satisfies the
// output processor's Summarizer contract.
func (g *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	completion, err := g.EnqueueAgent(prompt, DefaultMaxTokens).Wait(ctx)
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// GenerateStructured runs a prompt and decodes the response into out,
// stripping markdown fences.
func (g *Gateway) GenerateStructured(ctx context.Context, prompt string, out interface{}) error {
	text, err := g.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		if nl := strings.Index(cleaned, "\n"); nl != -1 {
			cleaned = cleaned[nl+1:]
		}
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &ResponseError{Reason: fmt.Sprintf("structured decode: %v", err)}
	}
	return nil
}

// TokenUsageFor returns the cumulative token counters for a provider.
func (g *Gateway) TokenUsageFor(provider string) TokenUsage {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	if u, ok := g.usage[provider]; ok {
		return *u
	}
	return TokenUsage{}
}

// IsAvailable reports whether a provider's circuit admits requests.
func (g *Gateway) IsAvailable(provider string) bool {
	b, ok := g.breakers[provider]
	return ok && b.Allow() == nil
}

// HealthCheck succeeds when at least one provider answers.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	var lastErr error
	for name, p := range g.providers {
		if err := p.HealthCheck(ctx); err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	return lastErr
}

func (g *Gateway) worker(ctx context.Context) {
	defer close(g.workerDone)
	for {
		req := g.queue.dequeue()
		if req == nil {
			return
		}
		if err := g.limiter.Wait(ctx); err != nil {
			req.complete(nil, err)
			return
		}
		completion, err := g.dispatch(ctx, req)
		req.complete(completion, err)
	}
}

// dispatch picks the routed provider, falling over to any other provider
// whose circuit is closed, and retries with exponential backoff. Rate-limit
// responses honor the server's Retry-After.
func (g *Gateway) dispatch(ctx context.Context, req *queuedRequest) (*Completion, error) {
	primary := g.router.SelectModel(req.complexity)
	order := []string{}
	if _, ok := g.providers[primary]; ok {
		order = append(order, primary)
	}
	for name := range g.providers {
		if name != primary {
			order = append(order, name)
		}
	}
	if len(order) == 0 {
		return nil, &ProviderUnavailableError{Provider: primary}
	}

	var lastErr error
	for _, name := range order {
		breaker := g.breakers[name]
		if breaker.Allow() != nil {
			lastErr = &ProviderUnavailableError{Provider: name}
			continue
		}
		completion, err := g.callWithRetry(ctx, g.providers[name], breaker, req)
		if err == nil {
			g.recordUsage(name, completion.Usage)
			return completion, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (g *Gateway) callWithRetry(ctx context.Context, p Provider, breaker *circuitbreaker.Breaker, req *queuedRequest) (*Completion, error) {
	var lastErr error
	backoff := retryBackoffBase
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff
			var rateErr *RateLimitError
			if errors.As(lastErr, &rateErr) && rateErr.RetryAfter > 0 {
				delay = rateErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		completion, err := p.Complete(callCtx, req.prompt, req.maxTokens)
		cancel()
		if err == nil {
			breaker.RecordSuccess()
			return completion, nil
		}
		breaker.RecordFailure()
		lastErr = err
		if breaker.Allow() != nil {
			break
		}
	}
	return nil, lastErr
}

func (g *Gateway) recordUsage(provider string, usage TokenUsage) {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	u, ok := g.usage[provider]
	if !ok {
		u = &TokenUsage{}
		g.usage[provider] = u
	}
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
}
