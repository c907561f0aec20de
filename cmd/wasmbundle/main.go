package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/wasmbundle/cmd/wasmbundle/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug    bool `help:"Enable debug mode."`
		Version  kong.VersionFlag
		Build    commands.BuildCmd    `cmd:"" help:"Bundle the entry into the output directory"`
		Serve    commands.ServeCmd    `cmd:"" help:"Build, then serve the static directory with live reload"`
		Validate commands.ValidateCmd `cmd:"" help:"Load the configuration and print it resolved"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("wasmbundle"),
		kong.Description("Bundle JavaScript and WebAssembly for the browser."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
