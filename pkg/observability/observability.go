// Package observability wires OpenTelemetry traces and metrics for the
// message pipeline, plus the process-wide slog setup.
//
// Metrics follow the RED pattern per message type: rate, rejections by
// kind, and duration. When disabled, every recording method is a no-op.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "dsconnector"

type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // host:port, gRPC
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dsconnector",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the pipeline instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	messages     metric.Int64Counter
	rejections   metric.Int64Counter
	duration     metric.Float64Histogram
	active       metric.Int64UpDownCounter
	accessChecks metric.Int64Counter
	negotiations metric.Int64Counter
}

// New builds a provider. A disabled config yields a provider whose
// instruments record nothing.
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

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.messages, err = p.meter.Int64Counter("dsc.messages.total",
		metric.WithDescription("Inbound messages processed"),
		metric.WithUnit("{message}"),
	); err != nil {
		return err
	}
	if p.rejections, err = p.meter.Int64Counter("dsc.rejections.total",
		metric.WithDescription("Messages answered with a rejection, by kind"),
		metric.WithUnit("{message}"),
	); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("dsc.message.duration",
		metric.WithDescription("Message processing time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("dsc.messages.active",
		metric.WithDescription("Messages currently in the pipeline"),
		metric.WithUnit("{message}"),
	); err != nil {
		return err
	}
	if p.accessChecks, err = p.meter.Int64Counter("dsc.access.checks",
		metric.WithDescription("Policy gate decisions"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	p.negotiations, err = p.meter.Int64Counter("dsc.negotiations.transitions",
		metric.WithDescription("Negotiation state changes"),
		metric.WithUnit("{transition}"),
	)
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordRejection counts one rejection of the given kind code.
func (p *Provider) RecordRejection(ctx context.Context, kind string, attrs ...attribute.KeyValue) {
	if p == nil || p.rejections == nil {
		return
	}
	p.rejections.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrRejectionKind.String(kind))...))
}

// RecordAccess counts one gate decision.
func (p *Provider) RecordAccess(ctx context.Context, granted bool, attrs ...attribute.KeyValue) {
	if p == nil || p.accessChecks == nil {
		return
	}
	p.accessChecks.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrAccessGranted.Bool(granted))...))
}

// RecordNegotiation counts one negotiation reaching state.
func (p *Provider) RecordNegotiation(ctx context.Context, state string) {
	if p == nil || p.negotiations == nil {
		return
	}
	p.negotiations.Add(ctx, 1, metric.WithAttributes(AttrNegotiationState.String(state)))
}

// TrackOperation starts a span and the RED bookkeeping for one message.
// The returned function ends both; pass it the processing error, if any.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	if p != nil && p.active != nil {
		p.active.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p != nil && p.messages != nil {
		p.messages.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p != nil && p.active != nil {
			p.active.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p != nil && p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
