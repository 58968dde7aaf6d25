package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer installs an OTLP/gRPC tracer provider as the global provider and
// returns a tracer for serviceName. An empty endpoint yields a no-op tracer.
func InitTracer(ctx context.Context, logger *zap.Logger, endpoint string, serviceName string) (trace.Tracer, ShutdownFunc, error) {
	if strings.TrimSpace(endpoint) == "" {
		return noop.NewTracerProvider().Tracer(serviceName), func(context.Context) error { return nil }, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(otelErr error) {
		logger.Warn("otel error", zap.Error(otelErr))
	}))
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create otel resource: %w", err)
	}
	provider := newTracerProvider(res, sdktrace.WithBatcher(exporter,
		sdktrace.WithMaxQueueSize(2048),
		sdktrace.WithBatchTimeout(200*time.Millisecond),
	))
	otel.SetTracerProvider(provider)
	return provider.Tracer(serviceName), provider.Shutdown, nil
}

func newTracerProvider(res *resource.Resource, options ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	options = append(options, sdktrace.WithResource(res))
	return sdktrace.NewTracerProvider(options...)
}
