// Package observability provides OpenTelemetry instrumentation for tracing
// and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics
// endpoint and a shutdown function for graceful cleanup on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// EngineMetrics holds the engine-level instruments. A nil *EngineMetrics
// is valid and records nothing, so tests can pass nil.
type EngineMetrics struct {
	runsSubmitted  metric.Int64Counter
	runsCompleted  metric.Int64Counter
	queueDepth     metric.Int64UpDownCounter
	activeSessions metric.Int64UpDownCounter
}

// NewEngineMetrics registers the engine instruments on the global meter.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("agentplane-engine")

	runsSubmitted, err := meter.Int64Counter("agentplane.runs.submitted",
		metric.WithDescription("Total runs accepted for execution"))
	if err != nil {
		return nil, err
	}
	runsCompleted, err := meter.Int64Counter("agentplane.runs.completed",
		metric.WithDescription("Total runs reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64UpDownCounter("agentplane.queue.depth",
		metric.WithDescription("Runs currently waiting for a worker slot"))
	if err != nil {
		return nil, err
	}
	activeSessions, err := meter.Int64UpDownCounter("agentplane.sessions.active",
		metric.WithDescription("Agent processes currently executing"))
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		runsSubmitted:  runsSubmitted,
		runsCompleted:  runsCompleted,
		queueDepth:     queueDepth,
		activeSessions: activeSessions,
	}, nil
}

// RunSubmitted records one accepted run entering the queue.
func (m *EngineMetrics) RunSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsSubmitted.Add(ctx, 1)
	m.queueDepth.Add(ctx, 1)
}

// RunAdmitted records a queued run moving onto a worker slot.
func (m *EngineMetrics) RunAdmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1)
	m.activeSessions.Add(ctx, 1)
}

// RunDequeued records a queued run leaving the queue without executing
// (cancelled while waiting).
func (m *EngineMetrics) RunDequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1)
}

// RunFinished records a run reaching a terminal state after executing.
func (m *EngineMetrics) RunFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RunCancelledQueued records a queued run cancelled before execution.
func (m *EngineMetrics) RunCancelledQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "CANCELLED")))
}
