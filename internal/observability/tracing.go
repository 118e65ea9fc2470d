package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "ibbench/scoring"

// Span attribute keys.
const (
	AttrRunID      = "run.id"
	AttrTaskID     = "task.id"
	AttrRubricHash = "rubric.hash"
	AttrOutcome    = "outcome"
)

// TracingConfig configures tracing. Exporters are supplied by the caller as
// span processors; the engine itself never ships spans over the network.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry SDK provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a tracer provider. With tracing disabled it returns
// a no-op tracer.
func NewTracerProvider(config TracingConfig, processors ...sdktrace.SpanProcessor) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(tracerName)}, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = "ibscore"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, tracer: provider.Tracer(tracerName)}, nil
}

// Shutdown flushes and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// DefaultTracer returns the scoring tracer from the global provider.
func DefaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTaskSpan starts a span for one task, copying the run id from ctx.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = DefaultTracer()
	}
	attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	if runID := RunIDFromContext(ctx); runID != "" {
		attrs = append(attrs, attribute.String(AttrRunID, runID))
	}
	return tracer.Start(ctx, "scoring.task", trace.WithAttributes(attrs...))
}
