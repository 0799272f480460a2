package telemetry

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rand/asc"

var (
	// Tracer is the global tracer. It is a no-op until Init succeeds.
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Meter is the global meter
	Meter metric.Meter = otel.Meter(instrumentationName)

	TasksCompleted metric.Int64Counter
	LeasesDenied   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
)

func init() {
	// instruments from the global no-op provider, replaced by Init
	_ = initMetrics()
}

// Init configures OpenTelemetry tracing and metrics with OTLP gRPC exporters.
// An empty endpoint leaves telemetry disabled and returns a no-op shutdown.
func Init(ctx context.Context, serviceName, version, otelEndpoint string) (func(context.Context) error, error) {
	if otelEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			attribute.String("asc.agent", serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(otelEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceProvider.Shutdown(ctx)
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	Tracer = otel.Tracer(instrumentationName)
	if err := useMeterProvider(meterProvider); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return errors.Join(
			traceProvider.Shutdown(shutdownCtx),
			meterProvider.Shutdown(shutdownCtx),
		)
	}, nil
}

// useMeterProvider recreates the instruments on mp
func useMeterProvider(mp metric.MeterProvider) error {
	Meter = mp.Meter(instrumentationName)
	return initMetrics()
}

func initMetrics() error {
	var err error

	TasksCompleted, err = Meter.Int64Counter(
		"asc.tasks.completed",
		metric.WithDescription("Number of tasks finalized"),
	)
	if err != nil {
		return err
	}

	LeasesDenied, err = Meter.Int64Counter(
		"asc.leases.denied",
		metric.WithDescription("Number of lease requests the broker refused"),
	)
	if err != nil {
		return err
	}

	TaskDuration, err = Meter.Float64Histogram(
		"asc.task.duration",
		metric.WithDescription("Task execution time in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}

// StartSpan starts a span on the global tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
