// Package observability wires OpenTelemetry tracing, metrics, and logging
// for the review pipeline. Exporters speak OTLP over HTTP and read their
// endpoint and headers from the standard OTEL_* environment variables.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is used when neither Config nor OTEL_SERVICE_NAME
// provides one.
const DefaultServiceName = "reviewpipe-worker"

// Config holds observability configuration.
type Config struct {
	Enabled     bool   // whether OpenTelemetry export is enabled
	ServiceName string // instrumentation scope name, DefaultServiceName if empty
}

// Setup initializes the tracer, meter, and logger providers and returns the
// process logger together with an aggregate shutdown function. The shutdown
// flushes all three providers and returns their joined errors; callers give
// it a bounded context.
//
// When cfg.Enabled is false the providers are no-ops and the logger writes
// JSON to stdout, so worker code logs identically either way.
func Setup(ctx context.Context, cfg Config) (*slog.Logger, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	tracerProvider, err := InitTracerProvider(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracer provider: %w", err)
	}

	meterProvider, err := InitMeterProvider(ctx, cfg)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, nil, fmt.Errorf("init meter provider: %w", err)
	}

	loggerProvider, logger, err := InitLogger(ctx, cfg)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		_ = tracerProvider.Shutdown(ctx)
		return nil, nil, fmt.Errorf("init logger provider: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			loggerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
			tracerProvider.Shutdown(ctx),
		)
	}
	return logger, shutdown, nil
}

// newResource creates a resource with service metadata merged with defaults.
// WithFromEnv() reads OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME, e.g.:
//
//	export OTEL_RESOURCE_ATTRIBUTES="service.name=reviewpipe-worker,service.version=1.0.0,deployment.environment=production"
//
// Partial resource errors are non-fatal and the partial resource is used.
func newResource(ctx context.Context) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		serviceResource,
	)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}

	return res, nil
}

// InitTracerProvider initializes an OTLP tracer provider over HTTP and
// installs it globally along with W3C trace context propagation.
//
// Configuration via standard OTEL env vars:
//   - OTEL_EXPORTER_OTLP_ENDPOINT: collector URL
//   - OTEL_EXPORTER_OTLP_HEADERS: auth headers
//   - OTEL_RESOURCE_ATTRIBUTES: resource attributes
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	// Use context.Background() for exporter creation to avoid hanging on
	// shutdown. Headers come from OTEL_EXPORTER_OTLP_HEADERS.
	traceExporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
	)

	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tracerProvider, nil
}

// InitMeterProvider initializes an OTLP meter provider over HTTP and installs
// it globally. Configured through the same OTEL env vars as the tracer.
func InitMeterProvider(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, nil
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	metricExporter, err := otlpmetrichttp.New(context.Background(),
		otlpmetrichttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(meterProvider)

	return meterProvider, nil
}

// InitLogger initializes an OTLP log provider and returns a structured
// logger bridged to it. When disabled it returns a no-op provider and a
// stdout JSON logger.
func InitLogger(ctx context.Context, cfg Config) (*log.LoggerProvider, *slog.Logger, error) {
	if !cfg.Enabled {
		return log.NewLoggerProvider(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, nil, err
	}

	logExporter, err := otlploghttp.New(context.Background(),
		otlploghttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	loggerProvider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(logExporter,
			log.WithExportTimeout(5*time.Second),
		)),
		log.WithResource(res),
	)

	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(loggerProvider))

	return loggerProvider, logger, nil
}
