package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

// Telemetry owns the tracer provider for one process.
type Telemetry struct {
	cfg      config.TelemetryConfig
	provider *sdktrace.TracerProvider
	logger   *logging.Logger
	degraded atomic.Bool
}

// Option configures New.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	logger   *logging.Logger
	version  string
}

// WithExporter replaces the OTLP exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithLogger sets the logger used to report exporter problems.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New sets up trace export. Only an invalid configuration is an error; an
// exporter that cannot be created leaves the instance degraded.
func New(ctx context.Context, cfg config.TelemetryConfig, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	t := &Telemetry{cfg: cfg, logger: o.logger.Named("telemetry")}
	if !cfg.Enabled {
		return t, nil
	}

	exp := o.exporter
	if exp == nil {
		var err error
		if exp, err = newExporter(ctx, cfg); err != nil {
			t.degraded.Store(true)
			t.logger.Warn(ctx, "trace export disabled", zap.Error(err))
			return t, nil
		}
	}
	t.provider = newTracerProvider(exp, newResource(cfg, o.version), cfg.SampleRate)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.logger.Debug(ctx, "trace export enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sample_rate", cfg.SampleRate))
	return t, nil
}

// TracerProvider returns the provider to hand to pipeline components.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.provider == nil {
		return otel.GetTracerProvider()
	}
	return t.provider
}

// Enabled reports whether spans are being exported.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.provider != nil
}

// Degraded reports whether export was requested but could not start.
func (t *Telemetry) Degraded() bool {
	return t == nil || t.degraded.Load()
}

// ForceFlush exports every finished span now.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider within the configured timeout.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout.Duration())
		defer cancel()
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	return nil
}
