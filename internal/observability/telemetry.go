package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetrySystem holds the process metrics registry and the job
// counters the launcher feeds. nil until InitTelemetry runs.
var TelemetrySystem *Telemetry

// PrometheusExporter serves the scrape endpoint for TelemetrySystem.
// nil until InitTelemetry runs.
var PrometheusExporter *Exporter

// Telemetry is the set of collectors goanvil registers.
type Telemetry struct {
	Registry *prometheus.Registry

	JobsAccepted prometheus.Counter
	JobsRunning  prometheus.Gauge
	JobsFinished *prometheus.CounterVec
}

// Exporter is the HTTP listener Prometheus scrapes.
type Exporter struct {
	server *http.Server
}

// InitTelemetry builds the registry and exporter and installs them as
// the package singletons. The exporter is not started; call Start on
// the returned exporter from the serve path.
func InitTelemetry(port int) (*Telemetry, *Exporter) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tel := &Telemetry{
		Registry: registry,
		JobsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goanvil",
			Subsystem: "jobs",
			Name:      "accepted_total",
			Help:      "Jobs accepted for launch.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goanvil",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently supervised by this process.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goanvil",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"state"}),
	}
	registry.MustRegister(tel.JobsAccepted, tel.JobsRunning, tel.JobsFinished)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	exporter := &Exporter{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	TelemetrySystem = tel
	PrometheusExporter = exporter
	return tel, exporter
}

// Start serves the scrape endpoint until Shutdown.
func (e *Exporter) Start() error {
	if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

// Shutdown stops the scrape endpoint.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// Addr reports the listen address of the exporter.
func (e *Exporter) Addr() string {
	return e.server.Addr
}

// RecordJobAccepted bumps the accepted counter and the running gauge.
// Safe to call before InitTelemetry.
func RecordJobAccepted() {
	if TelemetrySystem == nil {
		return
	}
	TelemetrySystem.JobsAccepted.Inc()
	TelemetrySystem.JobsRunning.Inc()
}

// RecordJobFinished bumps the finished counter for the terminal state
// and releases the running gauge. Safe to call before InitTelemetry.
func RecordJobFinished(state string) {
	if TelemetrySystem == nil {
		return
	}
	TelemetrySystem.JobsFinished.WithLabelValues(state).Inc()
	TelemetrySystem.JobsRunning.Dec()
}
