package llm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, providers ...Provider) *Gateway {
	t.Helper()
	g := NewGateway(providers, Options{RPM: 6000, Burst: 100, MaxRetries: 1, Timeout: time.Second})
	t.Cleanup(g.Close)
	return g
}

func TestGenerateRoundTrip(t *testing.T) {
	p := NewMockProvider("anthropic", "hello")
	g := newTestGateway(t, p)

	text, err := g.Generate(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	usage := g.TokenUsageFor("anthropic")
	assert.Greater(t, usage.OutputTokens, int64(0))
}

func TestDirectorPreemptsAgents(t *testing.T) {
	q := newRequestQueue()

	mk := func(p Priority, tag string) *queuedRequest {
		return &queuedRequest{prompt: tag, priority: p, doneCh: make(chan struct{})}
	}
	q.enqueue(mk(PriorityAgent, "a1"))
	q.enqueue(mk(PriorityAgent, "a2"))
	q.enqueue(mk(PriorityDirector, "d1"))
	q.enqueue(mk(PriorityDirector, "d2"))

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, q.dequeue().prompt)
	}
	// Directors first, FIFO within each class.
	assert.Equal(t, []string{"d1", "d2", "a1", "a2"}, order)
}

func TestDoubleCompletionIsNoOp(t *testing.T) {
	req := &queuedRequest{doneCh: make(chan struct{})}
	req.complete(&Completion{Text: "first"}, nil)
	req.complete(&Completion{Text: "second"}, nil)

	h := &Handle{req: req}
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)
}

func TestCircuitBreakerFallsOverToSecondProvider(t *testing.T) {
	broken := NewMockProvider("primary", "")
	broken.Err = &ResponseError{Provider: "primary", Reason: "500"}
	healthy := NewMockProvider("secondary", "ok")

	router := NewRouter("primary")
	g := NewGateway([]Provider{broken, healthy}, Options{RPM: 6000, Burst: 100, MaxRetries: 1, Timeout: time.Second, Router: router})
	defer g.Close()

	// Every call succeeds through the fallback provider.
	for i := 0; i < 4; i++ {
		text, err := g.Generate(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Equal(t, "ok", text)
	}

	// After three consecutive failures the primary's circuit opens.
	assert.False(t, g.IsAvailable("primary"))
	assert.True(t, g.IsAvailable("secondary"))
}

func TestAllProvidersDownSurfacesError(t *testing.T) {
	p := NewMockProvider("only", "")
	p.Err = &ResponseError{Provider: "only", Reason: "boom"}
	g := newTestGateway(t, p)

	var lastErr error
	for i := 0; i < 4; i++ {
		_, lastErr = g.Generate(context.Background(), "prompt")
		require.Error(t, lastErr)
	}
	// Once the circuit is open the typed unavailable error bubbles up.
	var unavailable *ProviderUnavailableError
	assert.ErrorAs(t, lastErr, &unavailable)
}

func TestRouterComplexityInference(t *testing.T) {
	r := NewRouter("std")
	assert.Equal(t, ComplexityFast, r.InferComplexity("short question"))
	assert.Equal(t, ComplexityComplex, r.InferComplexity(strings.Repeat("long section\n\n", 500)))
	assert.Equal(t, ComplexityStandard, r.InferComplexity("medium prompt\n\nwith sections\n\nbut modest size"))
}

func TestRouterRoutes(t *testing.T) {
	r := NewRouter("fallback")
	r.Route(ComplexityFast, "small-model")
	r.Route(ComplexityComplex, "big-model")

	assert.Equal(t, "small-model", r.SelectModel(ComplexityFast))
	assert.Equal(t, "big-model", r.SelectModel(ComplexityComplex))
	assert.Equal(t, "fallback", r.SelectModel(ComplexityStandard))
}

func TestGenerateStructuredStripsFences(t *testing.T) {
	p := NewMockProvider("anthropic", "```json\n{\"tools\":[\"nmap\"]}\n```")
	g := newTestGateway(t, p)

	var out struct {
		Tools []string `json:"tools"`
	}
	require.NoError(t, g.GenerateStructured(context.Background(), "pick tools", &out))
	assert.Equal(t, []string{"nmap"}, out.Tools)
}

func TestGenerateStructuredBadJSON(t *testing.T) {
	p := NewMockProvider("anthropic", "I refuse to answer in JSON")
	g := newTestGateway(t, p)

	var out map[string]interface{}
	err := g.GenerateStructured(context.Background(), "x", &out)
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
}

func TestRateLimiterBoundsThroughput(t *testing.T) {
	p := NewMockProvider("anthropic", "ok")
	// 60 RPM with burst 1: the second request must wait ~1s.
	g := NewGateway([]Provider{p}, Options{RPM: 60, Burst: 1, MaxRetries: 1, Timeout: time.Second})
	defer g.Close()

	ctx := context.Background()
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Generate(ctx, "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	p := NewMockProvider("anthropic", "ok")
	g := NewGateway([]Provider{p}, Options{RPM: 1, Burst: 1, MaxRetries: 1, Timeout: time.Second})

	// Exhaust the single burst token so subsequent requests queue.
	_, err := g.Generate(context.Background(), "first")
	require.NoError(t, err)

	h := g.EnqueueAgent("pending", 16)
	g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	healthy := NewMockProvider("a", "ok")
	g := newTestGateway(t, healthy)
	assert.NoError(t, g.HealthCheck(context.Background()))

	broken := NewMockProvider("b", "")
	broken.Err = &ProviderUnavailableError{Provider: "b"}
	g2 := newTestGateway(t, broken)
	assert.Error(t, g2.HealthCheck(context.Background()))
}
