// Package observability provides OpenTelemetry tracing and RED metrics for
// nooterra clients.
//
// Provider implements parity.Tracker. Every parity invocation and every HTTP
// request made by the client opens a span and records rate, errors and
// duration. Failures that are *parity.Error are broken down by kind, reason
// code, status and retryability. A disabled Provider still hands out the
// global no-op tracer, so callers never need a nil check.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nooterra/nooterra/pkg/parity"
)

const instrumentationName = "nooterra.client"

// Attribute keys set on failed operations.
const (
	KeyKind      = attribute.Key("parity.kind")
	KeyCode      = attribute.Key("parity.code")
	KeyStatus    = attribute.Key("parity.status")
	KeyRetryable = attribute.Key("parity.retryable")
	KeyAttempts  = attribute.Key("parity.attempts")
	KeyErrorType = attribute.Key("error.type")
)

// metricKeys are the attributes copied onto metrics. Everything else, such
// as request ids, stays on the span only.
var metricKeys = map[attribute.Key]bool{
	"parity.transport":    true,
	"parity.operation_id": true,
	"http.method":         true,
}

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC host:port
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "nooterra-client",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// ConfigFromEnv overlays OTEL_* environment variables on DefaultConfig.
// Export is enabled when an endpoint is set.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
		cfg.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		cfg.Insecure, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = rate
		}
	}
	if v := os.Getenv("NOOTERRA_ENV"); v != "" {
		cfg.Environment = v
	}
	return cfg
}

// instruments are the RED metrics for operations.
type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
	attempts   metric.Int64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs []error
		err  error
	)
	in.operations, err = m.Int64Counter("nooterra.operations",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.failures, err = m.Int64Counter("nooterra.operation.failures",
		metric.WithDescription("Operations that ended in an error, by parity kind and code"), metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.duration, err = m.Float64Histogram("nooterra.operation.duration",
		metric.WithDescription("Operation duration including retries"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	errs = append(errs, err)
	in.inflight, err = m.Int64UpDownCounter("nooterra.operations.inflight",
		metric.WithDescription("Operations in progress"), metric.WithUnit("{operation}"))
	errs = append(errs, err)
	in.attempts, err = m.Int64Histogram("nooterra.operation.attempts",
		metric.WithDescription("Attempts spent by failed parity invocations"), metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	metrics        *instruments
	logger         *slog.Logger
}

// New creates a provider. With export disabled it records nothing.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.startExport(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.metrics, err = newInstruments(p.meter); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// startExport installs OTLP gRPC trace and metric pipelines as the globals.
func (p *Provider) startExport(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(samplerFor(p.config.SampleRate)),
	)
	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// samplerFor honours the caller's sampling decision and samples root spans
// at rate.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.ErrorContext(ctx, "observability shutdown", "error", err)
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// ErrorAttributes describes err for spans and failure metrics.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	if pe, ok := parity.AsError(err); ok {
		return []attribute.KeyValue{
			KeyErrorType.String("parity"),
			KeyKind.String(string(pe.Kind)),
			KeyCode.String(pe.Code),
			KeyStatus.Int(pe.Status),
			KeyRetryable.Bool(pe.Retryable),
			KeyAttempts.Int(pe.Attempts),
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return []attribute.KeyValue{KeyErrorType.String("canceled")}
	case errors.Is(err, context.DeadlineExceeded):
		return []attribute.KeyValue{KeyErrorType.String("deadline_exceeded")}
	}
	return []attribute.KeyValue{KeyErrorType.String(fmt.Sprintf("%T", err))}
}

// metricAttributes keeps the low-cardinality subset of attrs.
func metricAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if metricKeys[kv.Key] {
			out = append(out, kv)
		}
	}
	return out
}

// TrackOperation opens a span named name and returns the function that ends
// it with the operation's outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	base := metric.WithAttributes(append(metricAttributes(attrs), attribute.String("operation", name))...)
	if p.metrics != nil {
		p.metrics.operations.Add(ctx, 1, base)
		p.metrics.inflight.Add(ctx, 1, base)
	}

	return ctx, func(err error) {
		defer span.End()
		if p.metrics != nil {
			p.metrics.inflight.Add(ctx, -1, base)
			p.metrics.duration.Record(ctx, time.Since(start).Seconds(), base)
		}
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return
		}

		errAttrs := ErrorAttributes(err)
		span.RecordError(err)
		span.SetAttributes(errAttrs...)
		span.SetStatus(codes.Error, err.Error())
		if p.metrics == nil {
			return
		}
		failure := metric.WithAttributes(append(append(metricAttributes(attrs), attribute.String("operation", name)), errAttrs...)...)
		p.metrics.failures.Add(ctx, 1, failure)
		if pe, ok := parity.AsError(err); ok && pe.Attempts > 0 {
			p.metrics.attempts.Record(ctx, int64(pe.Attempts), base)
		}
	}
}
