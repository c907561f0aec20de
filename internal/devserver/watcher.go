package devserver

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/bundler"
	"github.com/wolfeidau/wasmbundle/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultDebounce = 100 * time.Millisecond

// Builder rebuilds the bundle on source changes.
type Builder interface {
	Build(ctx context.Context) (*bundler.Result, error)
	Inputs() ([]string, error)
}

// Broadcaster delivers live reload messages to browsers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) int
}

type change int

const (
	changeNone change = iota
	changeReload
	changeRebuild
)

func (c change) String() string {
	switch c {
	case changeReload:
		return "reload"
	case changeRebuild:
		return "rebuild"
	default:
		return "ignored"
	}
}

// Watcher rebuilds and reloads when files under the source root, the
// bundle inputs or the static directory change.
type Watcher struct {
	cfg      buildconfig.BuildConfiguration
	builder  Builder
	hub      Broadcaster
	fsw      *fsnotify.Watcher
	debounce time.Duration

	sourceRoot  string
	watched     map[string]bool
	inputs      map[string]bool
	emitted     map[string]bool
	fingerprint string
	failed      bool
}

// NewWatcher watches the tree around cfg's entry. last is the result of
// the initial build and may be nil.
func NewWatcher(cfg buildconfig.BuildConfiguration, builder Builder, hub Broadcaster, last *bundler.Result) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:        cfg,
		builder:    builder,
		hub:        hub,
		fsw:        fsw,
		debounce:   defaultDebounce,
		sourceRoot: filepath.Dir(cfg.EntryPath),
		watched:    make(map[string]bool),
		inputs:     make(map[string]bool),
		emitted:    make(map[string]bool),
	}

	if err := w.addTree(w.sourceRoot); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if cfg.DevServer.StaticDir != "" {
		if err := w.addTree(cfg.DevServer.StaticDir); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	if last != nil {
		w.track(context.Background(), last)
	}

	return w, nil
}

// addTree watches root and every directory below it that is not skipped.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(path) {
			return filepath.SkipDir
		}
		return w.add(path)
	})
}

func (w *Watcher) add(dir string) error {
	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

func (w *Watcher) skipDir(path string) bool {
	name := filepath.Base(path)
	if name == "node_modules" || strings.HasPrefix(name, ".") {
		return true
	}
	return within(w.sourceRoot, path) && within(w.cfg.OutputDir, path)
}

// track records what the last successful build produced and read.
func (w *Watcher) track(ctx context.Context, res *bundler.Result) {
	w.fingerprint = res.Fingerprint
	w.emitted = make(map[string]bool, len(res.Files))
	for _, f := range res.Files {
		w.emitted[filepath.Clean(f)] = true
	}

	inputs, err := w.builder.Inputs()
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to list bundle inputs")
		return
	}
	w.inputs = make(map[string]bool, len(inputs))
	for _, in := range inputs {
		w.inputs[in] = true
		if within(w.sourceRoot, in) {
			continue
		}
		if err := w.add(filepath.Dir(in)); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", in).Msg("Failed to watch bundle input")
		}
	}
}

func (w *Watcher) classify(path string) change {
	path = filepath.Clean(path)

	if w.emitted[path] || path == w.cfg.MetafilePath {
		return changeNone
	}
	if w.inputs[path] {
		return changeRebuild
	}
	if within(w.sourceRoot, path) && !within(w.cfg.OutputDir, path) {
		rel, _ := filepath.Rel(w.sourceRoot, path)
		for part := range strings.SplitSeq(filepath.ToSlash(rel), "/") {
			if part == "node_modules" || strings.HasPrefix(part, ".") {
				return changeNone
			}
		}
		return changeRebuild
	}
	if within(w.cfg.DevServer.StaticDir, path) {
		return changeReload
	}
	return changeNone
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) change {
	if ev.Op == fsnotify.Chmod {
		return changeNone
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.skipDir(ev.Name) {
			if err := w.addTree(ev.Name); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
			}
		}
	}

	c := w.classify(ev.Name)
	telemetry.GetMetrics().WatchEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("change", c.String())))
	zerolog.Ctx(ctx).Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Stringer("change", c).Msg("File event")
	return c
}

// Run processes file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Str("root", w.sourceRoot).Int("dirs", len(w.watched)).Msg("Watching for changes")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	pending := changeNone
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			c := w.handle(ctx, ev)
			if c == changeNone {
				continue
			}
			pending = max(pending, c)
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-timer.C:
			c := pending
			pending = changeNone
			w.flush(ctx, c)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, c change) {
	log := zerolog.Ctx(ctx)

	switch c {
	case changeReload:
		w.hub.Broadcast(ctx, Message{Type: MessageReload, Build: w.fingerprint})

	case changeRebuild:
		res, err := w.builder.Build(ctx)
		if err != nil {
			messages := []string{err.Error()}
			var buildErr *bundler.BuildError
			if errors.As(err, &buildErr) {
				messages = buildErr.Messages
			}
			log.Error().Err(err).Msg("Rebuild failed")
			w.failed = true
			w.hub.Broadcast(ctx, Message{Type: MessageError, Errors: messages})
			return
		}

		unchanged := res.Fingerprint == w.fingerprint && !w.failed
		w.failed = false
		w.track(ctx, res)
		if unchanged {
			log.Debug().Str("build", res.ID).Msg("Bundle unchanged, skipping reload")
			return
		}
		w.hub.Broadcast(ctx, Message{Type: MessageReload, Build: res.Fingerprint})
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// within reports whether path is dir or below it.
func within(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
