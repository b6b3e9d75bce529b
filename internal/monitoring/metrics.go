// Package monitoring exposes the daemon's operational metrics over a local
// HTTP endpoint (/metrics for Prometheus scrapes, /healthz for probes).
package monitoring

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the coordination kernel.
type Metrics struct {
	// Bus metrics
	BusPublishes  *prometheus.CounterVec
	BusDropped    prometheus.Counter
	BusState      prometheus.Gauge
	BusBufferSize prometheus.Gauge

	// Tool execution metrics
	ToolExecutions *prometheus.CounterVec
	ToolDuration   prometheus.Histogram
	PoolPressure   prometheus.Gauge

	// Output processing metrics
	OutputTier *prometheus.CounterVec

	// Intelligence metrics
	IntelQueries        *prometheus.CounterVec
	IntelSourceFailures *prometheus.CounterVec

	// LLM metrics
	LLMTokens   *prometheus.CounterVec
	LLMRequests *prometheus.CounterVec

	// Engagement metrics
	EngagementsActive prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
}

// NewMetrics registers all instruments on a fresh registry and returns both.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		BusPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_bus_publishes_total",
			Help: "Publishes to the stigmergic bus by channel class",
		}, []string{"channel_class"}),
		BusDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cyberred_bus_dropped_total",
			Help: "Buffered publishes dropped by eviction or age",
		}),
		BusState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cyberred_bus_state",
			Help: "Bus connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded)",
		}),
		BusBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cyberred_bus_buffer_size",
			Help: "Publishes buffered while degraded",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_tool_executions_total",
			Help: "Tool executions by outcome classification",
		}, []string{"error_type"}),
		ToolDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cyberred_tool_duration_seconds",
			Help:    "Tool execution wall time",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		PoolPressure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cyberred_pool_pressure",
			Help: "Container pool pressure (in use / total)",
		}),
		OutputTier: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_output_tier_total",
			Help: "Output processing results by tier",
		}, []string{"tier"}),
		IntelQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_intel_queries_total",
			Help: "Intelligence queries by resolution path",
		}, []string{"path"}),
		IntelSourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_intel_source_failures_total",
			Help: "Per-source intelligence failures",
		}, []string{"source", "kind"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_llm_tokens_total",
			Help: "Cumulative model tokens by provider and direction",
		}, []string{"provider", "direction"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_llm_requests_total",
			Help: "Model requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		EngagementsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cyberred_engagements_active",
			Help: "Engagements currently registered",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyberred_state_transitions_total",
			Help: "Engagement lifecycle transitions",
		}, []string{"to"}),
	}, reg
}

// Server serves /metrics and /healthz on the configured listen address.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer builds the metrics endpoint.
func NewServer(listen string, reg *prometheus.Registry, healthy func() bool) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:         listen,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: slog.Default().With("component", "monitoring"),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics endpoint failed", "error", err)
		}
	}()
}

// Stop shuts the endpoint down.
func (s *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(shutdownCtx)
}
