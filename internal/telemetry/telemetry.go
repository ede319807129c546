// Package telemetry wires the control plane's observability surface: the
// prometheus counters/gauges named in §1's domain stack (jobs_total,
// jobs_in_flight, connections_active) and an OpenTelemetry tracer provider
// exported to stdout for local development the way
// yungbote-neurobridge-backend/internal/observability wires its exporter.
// The control plane installs the provider at startup; no code opens spans.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Metrics bundles every prometheus collector the control plane reports.
type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	JobsInFlight       prometheus.Gauge
	ConnectionsActive  prometheus.Gauge
	ConnectionRejected prometheus.Counter
	DiscoveryFanouts   prometheus.Counter
}

// NewMetrics registers every collector against reg and returns the bundle.
// Call with prometheus.NewRegistry() in tests to avoid colliding with the
// global default registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_crawl_jobs_total",
			Help: "Jobs that reached a terminal state, labeled by outcome.",
		}, []string{"outcome"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitlab_crawl_jobs_in_flight",
			Help: "Jobs currently in the running state.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gitlab_crawl_connections_active",
			Help: "Worker connections currently held by the pool.",
		}),
		ConnectionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gitlab_crawl_connections_rejected_total",
			Help: "Connections rejected because max_connections was reached.",
		}),
		DiscoveryFanouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gitlab_crawl_discovery_fanouts_total",
			Help: "jobs_discovered payloads processed by the discovery handler.",
		}),
	}
	reg.MustRegister(m.JobsTotal, m.JobsInFlight, m.ConnectionsActive, m.ConnectionRejected, m.DiscoveryFanouts)
	return m
}

// InitTracer installs a stdout-exporting TracerProvider as the global
// tracer provider and returns a shutdown func plus a Tracer scoped to
// serviceName. Errors from the exporter constructor are returned rather
// than silently ignored — unlike metrics, a broken tracer setup means every
// span call downstream silently no-ops, which is worth surfacing at startup.
func InitTracer(serviceName string) (oteltrace.Tracer, func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Tracer(serviceName), tp.Shutdown, nil
}
