// Package observability provides OpenTelemetry-based telemetry for the
// enforcement pipeline: distributed tracing with OTLP export and RED-pattern
// metrics (admissions, blocks, completions, cache hits, escalations, stage
// durations). It also exposes a Recorder that subscribes to the message bus
// and turns pipeline events into metric updates.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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

const scopeName = "aegis.pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aegis",
		ServiceVersion: "1.2.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers. A disabled
// provider is a valid no-op: every Record method nil-checks its instrument.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	actionsStarted   metric.Int64Counter
	actionsBlocked   metric.Int64Counter
	actionsCompleted metric.Int64Counter
	cacheHits        metric.Int64Counter
	escalations      metric.Int64Counter
	stageDuration    metric.Float64Histogram
}

// New creates an observability provider. With Enabled=false it returns a
// working no-op provider and never dials the collector.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.actionsStarted, err = p.meter.Int64Counter("aegis.actions.started",
		metric.WithDescription("Actions admitted into the pipeline"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.actionsBlocked, err = p.meter.Int64Counter("aegis.actions.blocked",
		metric.WithDescription("Actions blocked before execution"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.actionsCompleted, err = p.meter.Int64Counter("aegis.actions.completed",
		metric.WithDescription("Actions that produced a delivered result"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.cacheHits, err = p.meter.Int64Counter("aegis.cache.hits",
		metric.WithDescription("Actions served from the fingerprint cache"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.escalations, err = p.meter.Int64Counter("aegis.escalations.total",
		metric.WithDescription("One-shot escalations to an alternative executor"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return err
	}
	p.stageDuration, err = p.meter.Float64Histogram("aegis.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	return err
}

// Shutdown flushes and stops the providers.
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// StartSpan starts a span on the pipeline tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordAdmission counts a cost-gate decision.
func (p *Provider) RecordAdmission(ctx context.Context, category string, allowed bool) {
	attrs := metric.WithAttributes(attribute.String("category", category))
	if allowed {
		if p.actionsStarted != nil {
			p.actionsStarted.Add(ctx, 1, attrs)
		}
	} else if p.actionsBlocked != nil {
		p.actionsBlocked.Add(ctx, 1, attrs)
	}
}

// RecordCompletion counts a delivered result.
func (p *Provider) RecordCompletion(ctx context.Context, category string, cacheHit, escalated bool) {
	attrs := metric.WithAttributes(attribute.String("category", category))
	if p.actionsCompleted != nil {
		p.actionsCompleted.Add(ctx, 1, attrs)
	}
	if cacheHit && p.cacheHits != nil {
		p.cacheHits.Add(ctx, 1, attrs)
	}
	if escalated && p.escalations != nil {
		p.escalations.Add(ctx, 1, attrs)
	}
}

// RecordStageDuration records how long a pipeline stage took.
func (p *Provider) RecordStageDuration(ctx context.Context, stage string, d time.Duration) {
	if p.stageDuration != nil {
		p.stageDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// NewLogger builds the process-wide slog logger at the given level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
