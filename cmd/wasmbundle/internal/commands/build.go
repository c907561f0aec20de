package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/bundler"
)

type BuildCmd struct {
	ConfigFlags `embed:""`
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, log := setupLogger(ctx, globals)

	cfg, err := buildconfig.Load(c.Config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	defer c.startTelemetry(ctx, log, globals.Version, cfg)()

	log.Info().Str("version", globals.Version).Str("mode", string(cfg.Mode)).Str("entry", cfg.EntryPath).Msg("Starting build")

	b, err := bundler.New(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if _, err := b.Build(ctx); err != nil {
		return err
	}
	return nil
}
