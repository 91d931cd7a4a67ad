package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "git.home.luguber.info/inful/assetstore"

// Common attribute keys for asset store tracing
var (
	AttrDigest     = attribute.Key("asset.digest")
	AttrRequestID  = attribute.Key("asset.request_id")
	AttrRepository = attribute.Key("asset.repository")
	AttrURL        = attribute.Key("asset.url")
	AttrCandidates = attribute.Key("asset.candidates")
	AttrOutcome    = attribute.Key("asset.outcome")
	AttrSize       = attribute.Key("asset.size")
)

// TracerProvider owns the span pipeline used by retrieval and index loading.
type TracerProvider struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

// NewTracerProvider returns a provider exporting spans as JSON to w when enabled,
// or a no-op provider otherwise.
func NewTracerProvider(enabled bool, w io.Writer) (*TracerProvider, error) {
	if !enabled {
		return &TracerProvider{
			provider: noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &TracerProvider{provider: provider, shutdown: provider.Shutdown}, nil
}

// NewTracerProviderWithExporter exports every span synchronously to exporter.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter) *TracerProvider {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &TracerProvider{provider: provider, shutdown: provider.Shutdown}
}

// Tracer returns the asset store tracer. A nil provider yields a no-op tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	if tp == nil || tp.provider == nil {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tp.provider.Tracer(tracerName)
}

// Shutdown flushes and stops the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.shutdown == nil {
		return nil
	}
	return tp.shutdown(ctx)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
