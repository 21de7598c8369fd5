// Package tracing wires the optional OpenTelemetry pipeline. Without an
// OTLP endpoint every span is a no-op.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"gcliproxy/internal/constants"
)

const serviceName = "gcliproxy"

var (
	setupOnce sync.Once
	provider  *sdktrace.TracerProvider
)

func noopShutdown(context.Context) error { return nil }

// Init configures tracing when an OTLP endpoint is known, from
// configuration or from OTEL_EXPORTER_OTLP_ENDPOINT. The returned
// shutdown drains the span batcher; with no endpoint it is a no-op.
// Repeated calls after the first return the already-built provider.
func Init(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	var setupErr error
	setupOnce.Do(func() {
		if strings.TrimSpace(endpoint) == "" {
			endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		}
		if endpoint == "" {
			return
		}
		provider, setupErr = buildProvider(ctx, endpoint)
	})
	if setupErr != nil || provider == nil {
		return noopShutdown, setupErr
	}
	return provider.Shutdown, nil
}

func buildProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	// Plaintext gRPC unless OTEL_EXPORTER_OTLP_INSECURE says otherwise;
	// most collector sidecars terminate TLS themselves.
	if plaintextExporter() {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", constants.Version),
			attribute.String("service.instance.id", instanceID()),
		),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp, nil
}

func plaintextExporter() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))) {
	case "", "1", "true":
		return true
	}
	return false
}

// Tracer returns a tracer scoped to a component of the gateway.
func Tracer(component string) trace.Tracer {
	name := serviceName
	if strings.TrimSpace(component) != "" {
		name += "/" + component
	}
	return otel.Tracer(name)
}

// StartSpan opens a span on the component's tracer.
func StartSpan(ctx context.Context, component, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, spanName, opts...)
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
