package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/logger"
	"github.com/wolfeidau/wasmbundle/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

// ConfigFlags are shared by every command that loads a configuration.
type ConfigFlags struct {
	Config           string  `help:"path to the configuration file (defaults to ./wasmbundle.yaml)" default:"" env:"WASMBUNDLE_CONFIG"`
	Tracing          bool    `help:"enable tracing" default:"false" env:"WASMBUNDLE_TRACING"`
	TraceSampleRatio float64 `help:"fraction of root traces to sample when tracing" default:"1" env:"WASMBUNDLE_TRACE_SAMPLE_RATIO"`
}

func setupLogger(ctx context.Context, globals *Globals) (context.Context, zerolog.Logger) {
	log := logger.Setup(globals.Debug)
	return log.WithContext(ctx), log
}

// startTelemetry returns a function that flushes and stops the exporters.
// It is a no-op unless --tracing is set.
func (f ConfigFlags) startTelemetry(ctx context.Context, log zerolog.Logger, version string, cfg buildconfig.BuildConfiguration) func() {
	if !f.Tracing {
		return func() {}
	}

	log.Info().Float64("sample_ratio", f.TraceSampleRatio).Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, "wasmbundle", version,
		telemetry.WithBuildConfig(cfg),
		telemetry.WithSampleRatio(f.TraceSampleRatio),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}
