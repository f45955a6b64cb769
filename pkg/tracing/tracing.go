// Package tracing exports OpenTelemetry spans to Jaeger. Every signaling
// request gets a server span and each media engine call it makes gets an
// internal child span.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "mediagate"

type Config struct {
	Enabled      bool
	ServiceName  string
	InstanceID   string
	CollectorURL string
	SampleRatio  float64
}

// Provider owns the SDK tracer provider. The zero value is a no-op.
type Provider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs a Jaeger backed provider as the global one. When tracing is
// disabled the global no-op provider stays in place.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio %v out of [0, 1]", cfg.SampleRatio)
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.CollectorURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{sdk: sdk}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

var (
	SessionIDKey    = attribute.Key("session.id")
	ConnectionIDKey = attribute.Key("connection.id")
	MethodKey       = attribute.Key("rpc.method")
	RequestIDKey    = attribute.Key("rpc.request_id")
	ErrorCodeKey    = attribute.Key("rpc.error_code")
	DirectionKey    = attribute.Key("transport.direction")
	EngineOpKey     = attribute.Key("engine.operation")
)

// Request identifies one signaling request.
type Request struct {
	Method       string
	ID           uint64
	SessionID    string
	ConnectionID string
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRequest opens the server span of a signaling request.
func StartRequest(ctx context.Context, req Request) (context.Context, trace.Span) {
	return tracer().Start(ctx, "rpc."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			MethodKey.String(req.Method),
			RequestIDKey.Int64(int64(req.ID)),
			SessionIDKey.String(req.SessionID),
			ConnectionIDKey.String(req.ConnectionID),
		),
	)
}

// StartEngineCall opens a span around one media engine call. direction may
// be empty for calls that are not bound to a transport.
func StartEngineCall(ctx context.Context, op, direction string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{EngineOpKey.String(op)}
	if direction != "" {
		attrs = append(attrs, DirectionKey.String(direction))
	}
	return tracer().Start(ctx, "engine."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func StartHTTP(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// Finish records err on span, if any, and ends it.
func Finish(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Annotate sets attributes on the span in ctx.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// TraceID returns the hex trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
