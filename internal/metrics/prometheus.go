// Package metrics exposes Prometheus instrumentation for the wsquic server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the messaging server, all
// registered against a private registry rather than the global default one.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions     prometheus.Gauge
	SessionsAdmitted   prometheus.Counter
	SessionsRejected   *prometheus.CounterVec
	SessionsEvicted    *prometheus.CounterVec
	MessagesDispatched *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	BroadcastDrops     prometheus.Counter
	PushEngineTicks    *prometheus.CounterVec
	DispatchLatency    *prometheus.HistogramVec
}

// Config controls metric registration.
type Config struct {
	Namespace          string
	ExposeGoMetrics    bool
	ExposeProcessStats bool
}

// New builds a Metrics instance registered against a fresh, private registry.
func New(config Config) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "wsquic"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the Connecting or Connected state.",
		}),
		SessionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sessions_admitted_total",
			Help:      "Total sessions accepted by the admission controller.",
		}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total connections refused, labeled by reason.",
		}, []string{"reason"}),
		SessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total sessions removed from the registry, labeled by cause.",
		}, []string{"cause"}),
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total messages handled by the dispatcher, labeled by message type and wire mode.",
		}, []string{"message_type", "mode"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_dropped_total",
			Help:      "Total messages rejected before dispatch, labeled by reason.",
		}, []string{"reason"}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "broadcast_drops_total",
			Help:      "Total broadcast deliveries dropped because a subscriber's queue was full.",
		}),
		PushEngineTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "push_engine_ticks_total",
			Help:      "Total ticks emitted by each server push engine.",
		}, []string{"engine"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent handling a single inbound message, labeled by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}

	registry.MustRegister(
		m.ActiveSessions,
		m.SessionsAdmitted,
		m.SessionsRejected,
		m.SessionsEvicted,
		m.MessagesDispatched,
		m.MessagesDropped,
		m.BroadcastDrops,
		m.PushEngineTicks,
		m.DispatchLatency,
	)

	if config.ExposeGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}
	if config.ExposeProcessStats {
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	return m
}

// Registry returns the private registry backing this Metrics instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDispatch records a handled message of the given type and wire mode.
func (m *Metrics) RecordDispatch(messageType, mode string, duration time.Duration) {
	m.MessagesDispatched.WithLabelValues(messageType, mode).Inc()
	m.DispatchLatency.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordPushTick records one tick from the named push engine.
func (m *Metrics) RecordPushTick(engine string) {
	m.PushEngineTicks.WithLabelValues(engine).Inc()
}

// Server serves the /metrics and /health endpoints for a Metrics instance.
type Server struct {
	metrics *Metrics
	http    *http.Server
}

// NewServer wraps a Metrics instance with an HTTP server bound to addr.
func NewServer(metrics *Metrics, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		metrics: metrics,
		http: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// ListenAndServe blocks serving metrics until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
