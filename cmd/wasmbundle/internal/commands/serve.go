package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/bundler"
	"github.com/wolfeidau/wasmbundle/internal/devserver"
)

type ServeCmd struct {
	ConfigFlags `embed:""`
	NoWatch     bool `help:"serve without watching for changes" default:"false" env:"WASMBUNDLE_NO_WATCH"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, log := setupLogger(ctx, globals)
	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting dev server")

	cfg, err := buildconfig.Load(c.Config, buildconfig.WithPortProbe())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	defer c.startTelemetry(ctx, log, globals.Version, cfg)()

	var bundlerOpts []bundler.Option
	if cfg.DevServer.LiveReload {
		bundlerOpts = append(bundlerOpts, bundler.WithBanner(devserver.ClientScript))
	}

	b, err := bundler.New(cfg, bundlerOpts...)
	if err != nil {
		return err
	}
	defer b.Close()

	last, err := b.Build(ctx)
	if err != nil {
		return err
	}

	serverOpts := []devserver.Option{devserver.WithLogger(log)}
	if c.Tracing {
		serverOpts = append(serverOpts, devserver.WithTracing())
	}

	srv, err := devserver.New(cfg.DevServer, serverOpts...)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	if !c.NoWatch {
		var hub devserver.Broadcaster = noopBroadcaster{}
		if h := srv.Hub(); h != nil {
			hub = h
		}

		w, err := devserver.NewWatcher(cfg, b, hub, last)
		if err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer w.Close()

		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Watcher stopped")
			}
		}()
	}

	log.Info().Str("url", "http://"+srv.Addr()+"/").Msg("Serving")
	return srv.Serve(ctx)
}

// noopBroadcaster keeps rebuilding on change when live reload is off.
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(context.Context, devserver.Message) int { return 0 }
