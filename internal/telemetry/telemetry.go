package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the resource and build spans.
const (
	ModeKey      = attribute.Key("wasmbundle.mode")
	EntryKey     = attribute.Key("wasmbundle.entry")
	ConfigDirKey = attribute.Key("wasmbundle.config_dir")
	AsyncWasmKey = attribute.Key("wasmbundle.experiments.async_webassembly")
	SyncWasmKey  = attribute.Key("wasmbundle.experiments.sync_webassembly")
)

// Option customizes InitTelemetry.
type Option func(*settings)

type settings struct {
	attrs       []attribute.KeyValue
	sampleRatio float64
}

// WithBuildConfig tags every exported span and metric with the build mode,
// config directory and enabled WebAssembly experiments of cfg.
func WithBuildConfig(cfg buildconfig.BuildConfiguration) Option {
	return func(s *settings) {
		s.attrs = append(s.attrs, BuildAttributes(cfg)...)
	}
}

// WithSampleRatio samples that fraction of root traces. Child spans follow
// their parent's decision.
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) {
		s.sampleRatio = ratio
	}
}

// BuildAttributes describes cfg for telemetry.
func BuildAttributes(cfg buildconfig.BuildConfiguration) []attribute.KeyValue {
	return []attribute.KeyValue{
		ModeKey.String(string(cfg.Mode)),
		ConfigDirKey.String(cfg.ConfigDir),
		AsyncWasmKey.Bool(cfg.EnableAsyncBinaryModules),
		SyncWasmKey.Bool(cfg.EnableSyncBinaryModules),
	}
}

// Tracer returns the tracer used for build and rebuild spans.
func Tracer() trace.Tracer {
	return otel.Tracer(meterName)
}

// InitTelemetry installs OTLP gRPC exporters for build and dev server
// telemetry. Configuration is read from environment variables:
// - OTEL_EXPORTER_OTLP_ENDPOINT: The OTLP endpoint
// - OTEL_EXPORTER_OTLP_HEADERS: Headers for authentication
// - OTEL_SERVICE_NAME: Service name override (defaults to serviceName parameter)
//
// The returned shutdown flushes pending spans and metrics.
func InitTelemetry(ctx context.Context, serviceName, version string, opts ...Option) (func(context.Context) error, error) {
	s := settings{sampleRatio: 1}
	for _, opt := range opts {
		opt(&s)
	}

	// Create resource with service and build information
	res, err := newResource(ctx, serviceName, version, s.attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Initialize trace provider
	traceShutdown, err := initTraceProvider(ctx, res, newSampler(s.sampleRatio))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to initialize trace provider, continuing without tracing")
		traceShutdown = func(ctx context.Context) error { return nil }
	}

	// Initialize meter provider
	metricShutdown, err := initMeterProvider(ctx, res)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to initialize meter provider, continuing without metrics")
		metricShutdown = func(ctx context.Context) error { return nil }
	}

	// Set global propagator so dev server requests join incoming traces
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	zerolog.Ctx(ctx).Info().
		Str("service", serviceName).
		Str("version", version).
		Float64("sample_ratio", s.sampleRatio).
		Msg("OpenTelemetry initialized")

	// Return combined shutdown function
	shutdown := func(ctx context.Context) error {
		var errs []error

		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}

		if err := metricShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}

		return errors.Join(errs...)
	}

	return shutdown, nil
}

func newResource(ctx context.Context, serviceName, version string, attrs []attribute.KeyValue) (*resource.Resource, error) {
	attrs = append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	}, attrs...)

	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(), // Read from OTEL_RESOURCE_ATTRIBUTES env var
		resource.WithHost(),
		resource.WithOSType(),
	)
}

func newSampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func initTraceProvider(ctx context.Context, res *resource.Resource, sampler sdktrace.Sampler) (func(context.Context) error, error) {
	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, res *resource.Resource) (func(context.Context) error, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(10*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
