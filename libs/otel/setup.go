package otelx

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotengine/libs/config"
)

const instrumentationPrefix = "github.com/md-rashed-zaman/slotengine/"

type Config struct {
	Enabled       bool
	ServiceName   string
	InstanceID    string
	Endpoint      string // host:port of an OTLP gRPC collector
	SampleRatio   float64
	ExportTimeout time.Duration
	Environment   string
}

// ConfigFromEnv reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_SAMPLING_RATIO, OTEL_EXPORT_TIMEOUT and APP_ENV. Bad values fall back.
func ConfigFromEnv(serviceName string) Config {
	cfg := Config{
		Enabled:       config.Bool("OTEL_ENABLED", false),
		ServiceName:   serviceName,
		Endpoint:      config.String("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRatio:   1,
		ExportTimeout: 3 * time.Second,
		Environment:   config.String("APP_ENV", "development"),
	}
	if f, err := strconv.ParseFloat(config.String("OTEL_SAMPLING_RATIO", "1"), 64); err == nil && f >= 0 && f <= 1 {
		cfg.SampleRatio = f
	}
	if d, err := config.Duration("OTEL_EXPORT_TIMEOUT", cfg.ExportTimeout); err == nil {
		cfg.ExportTimeout = d
	}
	if host, err := os.Hostname(); err == nil {
		cfg.InstanceID = host
	}
	return cfg
}

// Setup installs the propagators and, when enabled, a batching tracer
// provider. The returned func flushes and stops the provider.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer names tracers after the package that owns the spans.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}
