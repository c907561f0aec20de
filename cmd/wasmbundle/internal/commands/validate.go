package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
)

type ValidateCmd struct {
	ConfigFlags `embed:""`
	ProbePort   bool `help:"also check that the dev server port is free" default:"false"`

	Out io.Writer `kong:"-"`
}

func (c *ValidateCmd) Run(ctx context.Context, globals *Globals) error {
	_, log := setupLogger(ctx, globals)

	var opts []buildconfig.Option
	if c.ProbePort {
		opts = append(opts, buildconfig.WithPortProbe())
	}

	cfg, err := buildconfig.Load(c.Config, opts...)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Debug().Str("dir", cfg.ConfigDir).Msg("Configuration is valid")

	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	return buildconfig.Encode(out, cfg)
}
