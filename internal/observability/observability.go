// Package observability records what attempt chains and sandbox executions
// do: Prometheus series, OpenTelemetry spans, readiness checks and per-tool
// failure-rate anomalies. Each component is switched on by its own config
// section and stays nil otherwise.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/toolrun/internal/config"
)

// ErrMetricsDisabled is returned by WriteMetrics when no collector exists.
var ErrMetricsDisabled = errors.New("metrics are not enabled")

// Observability bundles the enabled components. The escalation engine and
// the sandbox executor share its single Observer, so sandbox spans and chain
// spans land in the same trace provider and registry.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	observer *Observer
	logger   *slog.Logger
}

// New builds the components enabled in cfg. A nil cfg disables everything
// and yields a nil *Observability; all methods accept a nil receiver.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	o := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		o.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		o.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	if o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil {
		o.observer = NewObserver(o.Metrics, o.Tracer, o.Anomaly)
	}

	logger.Debug("observability initialized",
		slog.Bool("metrics", o.Metrics != nil),
		slog.Bool("tracing", o.Tracer != nil),
		slog.Bool("anomaly", o.Anomaly != nil),
	)
	return o, nil
}

// Observer returns the chain and sandbox observer, or nil when no component
// would record anything.
func (o *Observability) Observer() *Observer {
	if o == nil {
		return nil
	}
	return o.observer
}

// WriteMetrics writes every toolrun series to path in the Prometheus text
// format, for collection by a textfile exporter after a one-shot run.
func (o *Observability) WriteMetrics(path string) error {
	if o == nil || o.Metrics == nil {
		return ErrMetricsDisabled
	}
	return prometheus.WriteToTextfile(path, o.Metrics.Registry)
}

// Shutdown flushes buffered spans. Chains still waiting for their outcome
// are not exported.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.Tracer == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}
