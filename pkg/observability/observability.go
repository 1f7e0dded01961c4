// Package observability provides OpenTelemetry tracing and metrics for
// promotion runs.
//
// Telemetry is off by default. A disabled Provider hands out no-op tracers
// and skips metric recording, so callers instrument unconditionally.
package observability

import (
	"context"
	"fmt"
	"log/slog"
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
)

const instrumentationName = "github.com/Mindburn-Labs/relgate"

// Config configures the OpenTelemetry providers. It is read from the
// environment by the config package with the RELGATE_OTEL_ prefix.
type Config struct {
	Enabled        bool          `env:"ENABLED" envDefault:"false"`
	ServiceName    string        `env:"SERVICE_NAME" envDefault:"relgate"`
	ServiceVersion string        `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	OTLPEndpoint   string        `env:"ENDPOINT" envDefault:"localhost:4317"`
	Insecure       bool          `env:"INSECURE" envDefault:"false"`
	SampleRate     float64       `env:"SAMPLE_RATE" envDefault:"1"`
	BatchTimeout   time.Duration `env:"BATCH_TIMEOUT" envDefault:"5s"`
}

// DefaultConfig returns the disabled configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "relgate",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers and the run instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics per pipeline stage
	stageCounter  metric.Int64Counter
	errorCounter  metric.Int64Counter
	durationHist  metric.Float64Histogram
	activeStages  metric.Int64UpDownCounter
	decisions     metric.Int64Counter
	gateOutcomes  metric.Int64Counter
	missingFacts  metric.Int64Counter
	determinismUn metric.Int64Counter
}

// New creates a provider. With Enabled false no exporter is created.
func New(ctx context.Context, config Config) (*Provider, error) {
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	if err := p.instrument(p.tracerProvider, p.meterProvider); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders instruments caller-owned providers. Shutdown leaves
// them running.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: Config{Enabled: true},
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.instrument(tp, mp); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) instrument(tp trace.TracerProvider, mp metric.MeterProvider) error {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = p.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	p.stageCounter = counter("relgate.stage.runs", "Pipeline stage executions", "{run}")
	p.errorCounter = counter("relgate.stage.errors", "Pipeline stage failures", "{error}")
	p.decisions = counter("relgate.decisions", "Promotion decisions by verdict", "{decision}")
	p.gateOutcomes = counter("relgate.gate.outcomes", "Gate results by class and status", "{gate}")
	p.missingFacts = counter("relgate.evidence.missing", "Evidence keys recorded as MISSING", "{key}")
	p.determinismUn = counter("relgate.determinism.nondeterministic", "Determinism checks that disagreed between runs", "{check}")
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}

	p.durationHist, err = p.meter.Float64Histogram("relgate.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	p.activeStages, err = p.meter.Int64UpDownCounter("relgate.stage.active",
		metric.WithDescription("Pipeline stages in progress"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	return nil
}

// Shutdown flushes and stops providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackStage opens a span for a pipeline stage and returns the function
// that closes it, recording duration and any error.
func (p *Provider) TrackStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, AttrStage.String(stage))
	ctx, span := p.StartSpan(ctx, "relgate."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p != nil && p.activeStages != nil {
		p.activeStages.Add(ctx, 1, set)
		p.stageCounter.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p != nil && p.activeStages != nil {
			p.activeStages.Add(ctx, -1, set)
			p.durationHist.Record(ctx, time.Since(start).Seconds(), set)
			if err != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// RecordDecision counts a decision by verdict and exit code.
func (p *Provider) RecordDecision(ctx context.Context, verdict string, exitCode int) {
	if p == nil || p.decisions == nil {
		return
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(AttrVerdict.String(verdict), AttrExitCode.Int(exitCode)))
}

// RecordGate counts one gate result.
func (p *Provider) RecordGate(ctx context.Context, class, status string) {
	if p == nil || p.gateOutcomes == nil {
		return
	}
	p.gateOutcomes.Add(ctx, 1, metric.WithAttributes(AttrGateClass.String(class), AttrGateStatus.String(status)))
}

// RecordMissing counts MISSING evidence per probe source.
func (p *Provider) RecordMissing(ctx context.Context, source string, n int) {
	if p == nil || p.missingFacts == nil || n == 0 {
		return
	}
	p.missingFacts.Add(ctx, int64(n), metric.WithAttributes(AttrSource.String(source)))
}

// RecordNonDeterministic counts a check whose two runs disagreed.
func (p *Provider) RecordNonDeterministic(ctx context.Context, check string) {
	if p == nil || p.determinismUn == nil {
		return
	}
	p.determinismUn.Add(ctx, 1, metric.WithAttributes(AttrCheck.String(check)))
}
