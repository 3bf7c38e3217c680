// Package metrics provides Prometheus metrics for sessiond.
//
// Metrics live in a private registry. They are only exposed when the
// optional loopback listener is configured.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	IPCRequestsTotal    *prometheus.CounterVec
	IPCRequestDuration  *prometheus.HistogramVec
	OrphansRemovedTotal prometheus.Counter
	Sessions            prometheus.Gauge
	SnapshotVersion     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_events_total",
				Help: "Events processed by type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		IPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_ipc_requests_total",
				Help: "IPC requests by method and status.",
			},
			[]string{"method", "status"},
		),
		IPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessiond_ipc_request_duration_seconds",
				Help:    "IPC request handling duration by method.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"method"},
		),
		OrphansRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessiond_orphans_removed_total",
				Help: "Orphaned lock entries removed by reconciliation.",
			},
		),
		Sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessiond_sessions",
				Help: "Session records in the latest snapshot.",
			},
		),
		SnapshotVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessiond_snapshot_version",
				Help: "Version of the latest published snapshot.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.IPCRequestsTotal)
	reg.MustRegister(m.IPCRequestDuration)
	reg.MustRegister(m.OrphansRemovedTotal)
	reg.MustRegister(m.Sessions)
	reg.MustRegister(m.SnapshotVersion)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventProcessed counts one submitted event.
func (m *Metrics) EventProcessed(eventType, outcome string) {
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// OrphansRemoved counts removed orphan locks.
func (m *Metrics) OrphansRemoved(n int) {
	m.OrphansRemovedTotal.Add(float64(n))
}

// SnapshotPublished records the latest snapshot.
func (m *Metrics) SnapshotPublished(version uint64, sessions int) {
	m.SnapshotVersion.Set(float64(version))
	m.Sessions.Set(float64(sessions))
}

// ObserveRequest records one IPC request.
func (m *Metrics) ObserveRequest(method, status string, d time.Duration) {
	m.IPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.IPCRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Server serves /metrics and, when set, /healthz.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr. Only loopback addresses are accepted.
func Listen(addr string, m *Metrics, health http.Handler, logger *slog.Logger) (*Server, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("metrics address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("metrics address %q is not loopback", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if health != nil {
		mux.Handle("/healthz", health)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger.With("component", "metrics"),
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() error {
	s.logger.Info("metrics listening", "addr", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
