package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/wasmbundle"
)

// Metrics holds the instruments recorded by the bundler and dev server.
// With no meter provider installed they are no-ops.
type Metrics struct {
	// Bundler metrics
	BuildsTotal      metric.Int64Counter
	BuildErrorsTotal metric.Int64Counter
	BuildDuration    metric.Float64Histogram

	// Dev server metrics
	ReloadsTotal      metric.Int64Counter
	LiveReloadClients metric.Int64UpDownCounter
	WatchEventsTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.BuildsTotal, _ = meter.Int64Counter(
		"wasmbundle.builds.total",
		metric.WithDescription("Total number of bundle builds"),
		metric.WithUnit("{build}"),
	)

	m.BuildErrorsTotal, _ = meter.Int64Counter(
		"wasmbundle.builds.errors.total",
		metric.WithDescription("Total number of bundle builds that failed"),
		metric.WithUnit("{build}"),
	)

	m.BuildDuration, _ = meter.Float64Histogram(
		"wasmbundle.builds.duration",
		metric.WithDescription("Duration of bundle builds"),
		metric.WithUnit("ms"),
	)

	m.ReloadsTotal, _ = meter.Int64Counter(
		"wasmbundle.livereload.broadcasts.total",
		metric.WithDescription("Total number of live reload messages broadcast"),
		metric.WithUnit("{message}"),
	)

	m.LiveReloadClients, _ = meter.Int64UpDownCounter(
		"wasmbundle.livereload.clients",
		metric.WithDescription("Number of connected live reload clients"),
		metric.WithUnit("{client}"),
	)

	m.WatchEventsTotal, _ = meter.Int64Counter(
		"wasmbundle.watch.events.total",
		metric.WithDescription("Total number of file system events handled by the watcher"),
		metric.WithUnit("{event}"),
	)

	return m
}
