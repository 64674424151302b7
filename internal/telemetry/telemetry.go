package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config controls telemetry export.
type Config struct {
	Enabled bool `help:"Export metrics and traces over OTLP." env:"ASSESSD_TELEMETRY_ENABLED" default:"false"`
	// SampleRatio is the fraction of traces kept, between 0 and 1.
	SampleRatio    float64       `help:"Trace sample ratio." env:"ASSESSD_TELEMETRY_SAMPLE_RATIO" default:"1.0"`
	MetricInterval time.Duration `help:"Metric export interval." env:"ASSESSD_TELEMETRY_METRIC_INTERVAL" default:"15s"`
}

type shutdownFunc func(context.Context) error

// InitTelemetry installs OTLP/gRPC trace and metric providers as the otel
// globals. With cfg.Enabled false nothing is installed and the returned
// shutdown is a no-op. Endpoints and headers come from the standard
// OTEL_EXPORTER_OTLP_* variables.
//
// A provider that fails to start is logged and skipped; the other one still runs.
func InitTelemetry(ctx context.Context, cfg Config, serviceName, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		log.Debug().Msg("Telemetry export disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 15 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithContainer(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []shutdownFunc

	if tp, err := newTracerProvider(ctx, res, cfg.SampleRatio); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if mp, err := newMeterProvider(ctx, res, cfg.MetricInterval); err != nil {
		log.Warn().Err(err).Msg("Metrics disabled")
	} else {
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("service", serviceName).
		Str("version", version).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("OpenTelemetry initialized")

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func newTracerProvider(ctx context.Context, res *resource.Resource, ratio float64) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	), nil
}
