package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// InitTracing installs a process-wide SDK TracerProvider and, when endpoint
// is set, an OTLP/HTTP batch exporter pointed at it. Grounded on the pack's
// own tracing.Init (kubilitics-backend/internal/pkg/tracing/tracing.go):
// resource-tag with the service name, build a batching TracerProvider, set
// it globally, return a shutdown func. Unlike that reference, this gateway
// only ever emits over HTTP (no gRPC branch) since PROXY_OTEL_ENDPOINT is a
// single URL, not a protocol-sensitive pair.
//
// With no endpoint configured this is a no-op returning an no-op shutdown,
// matching PROXY_OTEL_ENDPOINT's documented default of "tracing disabled".
func InitTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String("glm-gateway")),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("build otlp http exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	slog.Info("otel tracing initialized", "endpoint", endpoint)

	return provider.Shutdown, nil
}
