package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option customizes a Bundler.
type Option func(*options)

type options struct {
	banner string
}

// WithBanner prepends js to the emitted bundle. The dev server uses it to
// inject the live reload client.
func WithBanner(js string) Option {
	return func(o *options) {
		o.banner = js
	}
}

// Bundler builds the configured entry into a single browser bundle.
// It keeps an esbuild context alive so rebuilds are incremental.
type Bundler struct {
	cfg      buildconfig.BuildConfiguration
	esbuild  api.BuildContext
	metadata *BuildMetadata
	mu       sync.Mutex
}

// New creates a Bundler for cfg. Close releases the underlying esbuild context.
func New(cfg buildconfig.BuildConfiguration, opts ...Option) (*Bundler, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, ctxErr := api.Context(buildOptions(cfg, o))
	if ctxErr != nil {
		return nil, newBuildError(ctxErr.Errors)
	}

	return &Bundler{cfg: cfg, esbuild: ctx}, nil
}

func buildOptions(cfg buildconfig.BuildConfiguration, o options) api.BuildOptions {
	minify := cfg.Mode == buildconfig.ModeProduction

	opts := api.BuildOptions{
		EntryPoints:       []string{cfg.EntryPath},
		AbsWorkingDir:     cfg.ConfigDir,
		Bundle:            true,
		Write:             true,
		Outfile:           cfg.OutputPath,
		Format:            api.FormatESModule,
		Platform:          api.PlatformBrowser,
		Target:            api.ES2022,
		AssetNames:        "[name]-[hash]",
		MinifyWhitespace:  minify,
		MinifyIdentifiers: minify,
		MinifySyntax:      minify,
		Sourcemap:         sourceMap(cfg.SourceMap),
		Metafile:          true,
		LogLevel:          api.LogLevelSilent,
		Loader: map[string]api.Loader{
			".wasm": api.LoaderFile,
		},
		Define: map[string]string{
			"process.env.NODE_ENV": fmt.Sprintf("%q", cfg.Mode),
		},
		Plugins: []api.Plugin{
			newWasmPlugin(cfg.EnableAsyncBinaryModules, cfg.EnableSyncBinaryModules),
		},
	}

	if o.banner != "" {
		opts.Banner = map[string]string{"js": o.banner}
	}

	return opts
}

func sourceMap(s buildconfig.SourceMap) api.SourceMap {
	switch s {
	case buildconfig.SourceMapInline:
		return api.SourceMapInline
	case buildconfig.SourceMapLinked:
		return api.SourceMapLinked
	default:
		return api.SourceMapNone
	}
}

// Build runs esbuild and writes the bundle. Errors reported by esbuild are
// returned as *BuildError.
func (b *Bundler) Build(ctx context.Context) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "bundler.Build", trace.WithAttributes(
		telemetry.ModeKey.String(string(b.cfg.Mode)),
		telemetry.EntryKey.String(b.cfg.EntryPath),
	))
	defer span.End()

	res, err := b.build(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("build.id", res.ID),
		attribute.String("build.fingerprint", res.Fingerprint),
		attribute.Int("build.files", len(res.Files)),
		attribute.Int("build.inputs", res.Inputs),
	)
	return res, nil
}

func (b *Bundler) build(ctx context.Context) (*Result, error) {
	log := zerolog.Ctx(ctx)
	m := telemetry.GetMetrics()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("build", id.String()).Str("entry", b.cfg.EntryPath).Msg("Building bundle")

	started := time.Now()
	result := b.esbuild.Rebuild()
	elapsed := time.Since(started)

	m.BuildsTotal.Add(ctx, 1)
	m.BuildDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("mode", string(b.cfg.Mode))))

	if len(result.Errors) > 0 {
		m.BuildErrorsTotal.Add(ctx, 1)
		for _, msg := range result.Errors {
			log.Error().Str("error", formatMessage(msg)).Msg("Build error")
		}
		return nil, newBuildError(result.Errors)
	}

	res := &Result{
		ID:          id.String(),
		OutputPath:  b.cfg.OutputPath,
		Files:       make([]string, 0, len(result.OutputFiles)),
		Fingerprint: fingerprint(result.OutputFiles),
		Duration:    elapsed,
	}

	for _, file := range result.OutputFiles {
		log.Debug().Str("file", file.Path).Int("bytes", len(file.Contents)).Msg("Built file")
		res.Files = append(res.Files, file.Path)
	}
	for _, msg := range result.Warnings {
		log.Warn().Str("warning", formatMessage(msg)).Msg("Build warning")
		res.Warnings = append(res.Warnings, formatMessage(msg))
	}

	var metadata BuildMetadata
	if err := json.Unmarshal([]byte(result.Metafile), &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}
	b.metadata = &metadata
	res.Inputs = len(metadata.Inputs)

	if b.cfg.MetafilePath != "" {
		if err := os.MkdirAll(filepath.Dir(b.cfg.MetafilePath), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(b.cfg.MetafilePath, []byte(result.Metafile), 0o600); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("build", res.ID).
		Str("output", res.OutputPath).
		Str("fingerprint", res.Fingerprint).
		Int("files", len(res.Files)).
		Int("inputs", res.Inputs).
		Dur("duration", elapsed).
		Msg("Bundle built")

	return res, nil
}

// Inputs returns the absolute paths of the source files that went into the
// last successful build, including imported WebAssembly binaries.
func (b *Bundler) Inputs() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metadata == nil {
		return nil, errors.New("bundle not built yet, call Build() first")
	}

	seen := make(map[string]bool, len(b.metadata.Inputs))
	inputs := make([]string, 0, len(b.metadata.Inputs))
	for key := range b.metadata.Inputs {
		path := inputPath(b.cfg.ConfigDir, key)
		if !seen[path] {
			seen[path] = true
			inputs = append(inputs, path)
		}
	}
	sort.Strings(inputs)
	return inputs, nil
}

// inputPath maps a metafile input key back to a filesystem path. Keys from
// plugin namespaces are prefixed with "namespace:".
func inputPath(dir, key string) string {
	for _, ns := range []string{wasmStubNamespace, wasmBinaryNamespace} {
		if rest, ok := strings.CutPrefix(key, ns+":"); ok {
			key = strings.TrimSuffix(rest, SyncImportSuffix)
			break
		}
	}
	if filepath.IsAbs(key) {
		return filepath.Clean(key)
	}
	return filepath.Join(dir, filepath.FromSlash(key))
}

// Close disposes the esbuild context.
func (b *Bundler) Close() {
	b.esbuild.Dispose()
}
