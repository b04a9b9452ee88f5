package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Settings describes where telemetry is exported. An empty Endpoint keeps
// spans and log records in-process.
type Settings struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	AuthHeader     string
	LogsPath       string
	TracesPath     string
	Insecure       bool
	ExportTimeout  time.Duration
	MaxQueueSize   int
}

func (s Settings) headers() map[string]string {
	if s.AuthHeader == "" {
		return nil
	}
	return map[string]string{"Authorization": s.AuthHeader}
}

func newResource(s Settings) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(s.ServiceVersion),
		),
	)
}

func joinShutdown(fns []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range fns {
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

// SetupLoggingSDK installs the global OTel logger provider.
func SetupLoggingSDK(ctx context.Context, s Settings) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error
	shutdown = joinShutdown(shutdownFuncs)

	if s.Endpoint == "" {
		return shutdown, nil
	}

	res, err := newResource(s)
	if err != nil {
		return shutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(s.Endpoint),
		otlploghttp.WithURLPath(s.LogsPath),
		otlploghttp.WithHeaders(s.headers()),
	}
	if s.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return shutdown, fmt.Errorf("OTLP log exporter: %w", err)
	}

	logProcessor := sdklog.NewBatchProcessor(logExporter,
		sdklog.WithExportTimeout(s.ExportTimeout),
		sdklog.WithMaxQueueSize(s.MaxQueueSize),
	)
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(logProcessor),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)

	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	return joinShutdown(shutdownFuncs), nil
}

// SetupTracingSDK installs the W3C propagator and, when an endpoint is set,
// a batching OTLP tracer provider. The returned provider is always usable.
func SetupTracingSDK(ctx context.Context, s Settings) (tp trace.TracerProvider, shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error
	shutdown = joinShutdown(shutdownFuncs)

	// Trace context travels in Kafka headers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if s.Endpoint == "" {
		return otel.GetTracerProvider(), shutdown, nil
	}

	res, err := newResource(s)
	if err != nil {
		return otel.GetTracerProvider(), shutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(s.Endpoint),
		otlptracehttp.WithURLPath(s.TracesPath),
		otlptracehttp.WithHeaders(s.headers()),
	}
	if s.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return otel.GetTracerProvider(), shutdown, fmt.Errorf("OTLP trace exporter: %w", err)
	}

	traceProcessor := sdktrace.NewBatchSpanProcessor(traceExporter,
		sdktrace.WithExportTimeout(s.ExportTimeout),
		sdktrace.WithMaxQueueSize(s.MaxQueueSize),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(traceProcessor),
	)
	otel.SetTracerProvider(tracerProvider)

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	return tracerProvider, joinShutdown(shutdownFuncs), nil
}
