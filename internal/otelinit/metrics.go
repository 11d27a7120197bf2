package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Instruments holds the cross-cutting counters/histograms every component
// reaches for instead of declaring its own ad hoc metric names.
type Instruments struct {
	RetryAttempts       metric.Int64Counter
	CircuitOpen         metric.Int64Counter
	WorkspaceOps        metric.Int64Counter
	RemoteCalls         metric.Int64Counter
	SchedulerTaskEvents metric.Int64Counter
	QualityEvaluations  metric.Int64Counter
	ApprovalDecisions   metric.Int64Counter
	EventBusOps         metric.Int64Counter
	TaskDuration        metric.Float64Histogram
	RunDuration         metric.Float64Histogram
}

// InitMetrics installs a global MeterProvider exporting to the OTLP gRPC
// endpoint named by OTEL_EXPORTER_OTLP_ENDPOINT and returns a shutdown
// func, an HTTP handler slot that is always nil (no Prometheus exporter
// is configured), and the shared Instruments every component records
// against.
func InitMetrics(ctx context.Context, service string) (func(context.Context) error, http.Handler, Instruments) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		slog.Warn("metrics exporter init failed, metrics disabled", "error", err)
		return func(context.Context) error { return nil }, nil, createCommonInstruments(otel.GetMeterProvider().Meter(service))
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter(service)
	return mp.Shutdown, nil, createCommonInstruments(meter)
}

func createCommonInstruments(meter metric.Meter) Instruments {
	var in Instruments
	in.RetryAttempts, _ = meter.Int64Counter("taskforge_retry_attempts_total")
	in.CircuitOpen, _ = meter.Int64Counter("taskforge_circuit_open_transitions_total")
	in.WorkspaceOps, _ = meter.Int64Counter("taskforge_workspace_ops_total")
	in.RemoteCalls, _ = meter.Int64Counter("taskforge_remote_calls_total")
	in.SchedulerTaskEvents, _ = meter.Int64Counter("taskforge_scheduler_task_events_total")
	in.QualityEvaluations, _ = meter.Int64Counter("taskforge_quality_evaluations_total")
	in.ApprovalDecisions, _ = meter.Int64Counter("taskforge_approval_decisions_total")
	in.EventBusOps, _ = meter.Int64Counter("taskforge_eventbus_ops_total")
	in.TaskDuration, _ = meter.Float64Histogram("taskforge_task_duration_ms")
	in.RunDuration, _ = meter.Float64Histogram("taskforge_run_duration_ms")
	return in
}
