package bundler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

// addWasm is a minimal module exporting add(i32, i32) i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section: (i32, i32) -> i32
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// function section
	0x03, 0x02, 0x01, 0x00,
	// export section: "add" func 0
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	// code section: local.get 0, local.get 1, i32.add
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// envWasm imports log(i32) from "./env.js" and exports run(), which calls log(42).
var envWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section: (i32) -> (), () -> ()
	0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00,
	// import section: "./env.js" "log" func type 0
	0x02, 0x10, 0x01, 0x08, 0x2e, 0x2f, 0x65, 0x6e, 0x76, 0x2e, 0x6a, 0x73, 0x03, 0x6c, 0x6f, 0x67, 0x00, 0x00,
	// function section
	0x03, 0x02, 0x01, 0x01,
	// export section: "run" func 1
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x01,
	// code section: i32.const 42, call 0
	0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, 0x2a, 0x10, 0x00, 0x0b,
}

const envJS = "export function log(v) { console.log('LOG ' + v); }\n"

type project struct {
	dir string
	cfg buildconfig.BuildConfiguration
}

func newProject(t *testing.T, config string, files map[string][]byte) project {
	t.Helper()
	dir := t.TempDir()

	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o600))
	}
	cfgPath := filepath.Join(dir, buildconfig.DefaultConfigFile)
	require.NoError(t, os.WriteFile(cfgPath, []byte(config), 0o600))

	cfg, err := buildconfig.Load(cfgPath)
	require.NoError(t, err)
	return project{dir: dir, cfg: cfg}
}

func build(t *testing.T, p project, opts ...Option) (*Result, error) {
	t.Helper()
	b, err := New(p.cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b.Build(context.Background())
}

func readOutput(t *testing.T, p project) string {
	t.Helper()
	b, err := os.ReadFile(p.cfg.OutputPath)
	require.NoError(t, err)
	return string(b)
}

func wasmAssets(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	require.NoError(t, err)
	return matches
}

func TestBuild_writesBundleAtOutputPath(t *testing.T) {
	p := newProject(t, "entry: ./src/index.js\noutput:\n  filename: main.js\n  path: dist\n", map[string][]byte{
		"src/index.js": []byte("import { greet } from './greet.js';\nconsole.log(greet('wasm'));\n"),
		"src/greet.js": []byte("export function greet(name) { return 'hello ' + name; }\n"),
	})

	res, err := build(t, p)
	require.NoError(t, err)

	expected := filepath.Join(p.dir, "dist", "main.js")
	require.Equal(t, expected, res.OutputPath)
	require.FileExists(t, expected)
	require.Contains(t, res.Files, expected)
	require.NotEmpty(t, res.ID)
	require.NotEmpty(t, res.Fingerprint)
	require.Equal(t, 2, res.Inputs)
	require.Contains(t, readOutput(t, p), "hello ")
}

func TestBuild_asyncWasmWhenSyncDisabled(t *testing.T) {
	p := newProject(t, "experiments:\n  asyncWebAssembly: true\n  syncWebAssembly: false\n", map[string][]byte{
		"src/index.js": []byte("import { add } from './add.wasm';\nconsole.log(add(1, 2));\n"),
		"src/add.wasm": addWasm,
	})

	res, err := build(t, p)
	require.NoError(t, err)

	out := readOutput(t, p)
	require.Contains(t, out, "WebAssembly.instantiateStreaming")
	require.Contains(t, out, "wasmExports.add")
	require.NotContains(t, out, "new WebAssembly.Module")

	assets := wasmAssets(t, p.cfg.OutputDir)
	require.Len(t, assets, 1)
	require.True(t, strings.HasPrefix(filepath.Base(assets[0]), "add-"))
	require.Contains(t, res.Files, assets[0])

	emitted, err := os.ReadFile(assets[0])
	require.NoError(t, err)
	require.Equal(t, addWasm, emitted)
}

func TestBuild_syncWasmWhenAsyncDisabled(t *testing.T) {
	p := newProject(t, "experiments:\n  asyncWebAssembly: false\n  syncWebAssembly: true\n", map[string][]byte{
		"src/index.js": []byte("import { add } from './add.wasm';\nconsole.log(add(1, 2));\n"),
		"src/add.wasm": addWasm,
	})

	_, err := build(t, p)
	require.NoError(t, err)

	out := readOutput(t, p)
	require.Contains(t, out, "new WebAssembly.Module")
	require.Contains(t, out, "new WebAssembly.Instance")
	require.NotContains(t, out, "instantiateStreaming")
	require.Empty(t, wasmAssets(t, p.cfg.OutputDir))
}

func TestBuild_syncSuffixWithBothEnabled(t *testing.T) {
	p := newProject(t, "{}\n", map[string][]byte{
		"src/index.js": []byte("import { add } from './add.wasm?sync';\nimport lazy from './add.wasm';\nconsole.log(add(1, 2), lazy.add(3, 4));\n"),
		"src/add.wasm": addWasm,
	})

	_, err := build(t, p)
	require.NoError(t, err)

	out := readOutput(t, p)
	require.Contains(t, out, "new WebAssembly.Module")
	require.Contains(t, out, "instantiateStreaming")
	require.Len(t, wasmAssets(t, p.cfg.OutputDir), 1)
}

func TestBuild_wasmImportsLinkedFromModule(t *testing.T) {
	tests := []struct {
		name   string
		config string
		link   string
	}{
		{
			name:   "sync",
			config: "experiments:\n  asyncWebAssembly: false\n  syncWebAssembly: true\n",
			link:   "new WebAssembly.Instance(wasmModule, wasmImports)",
		},
		{
			name:   "async",
			config: "experiments:\n  asyncWebAssembly: true\n  syncWebAssembly: false\n",
			link:   "import.meta.url)), wasmImports)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, tt.config, map[string][]byte{
				"src/index.js":  []byte("import { run } from '../wasm/env.wasm';\nrun();\n"),
				"wasm/env.wasm": envWasm,
				"wasm/env.js":   []byte(envJS),
			})

			b, err := New(p.cfg)
			require.NoError(t, err)
			defer b.Close()

			_, err = b.Build(context.Background())
			require.NoError(t, err)

			out := readOutput(t, p)
			require.Contains(t, out, `"./env.js"`)
			require.Contains(t, out, "LOG ")
			require.Contains(t, out, tt.link)

			inputs, err := b.Inputs()
			require.NoError(t, err)
			require.Contains(t, inputs, filepath.Join(p.dir, "wasm", "env.js"))
		})
	}
}

func TestBuild_wasmImportModuleMissing(t *testing.T) {
	p := newProject(t, "{}\n", map[string][]byte{
		"src/index.js": []byte("import { run } from './env.wasm';\nrun();\n"),
		"src/env.wasm": envWasm,
	})

	_, err := build(t, p)
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	require.Contains(t, err.Error(), "./env.js")
}

func TestBuild_wasmErrors(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		index    string
		wasm     []byte
		contains string
	}{
		{
			name:     "both experiments disabled",
			config:   "experiments:\n  asyncWebAssembly: false\n  syncWebAssembly: false\n",
			index:    "import { add } from './add.wasm';\nconsole.log(add(1, 2));\n",
			wasm:     addWasm,
			contains: ErrWasmDisabled.Error(),
		},
		{
			name:     "sync suffix with sync disabled",
			config:   "experiments:\n  syncWebAssembly: false\n",
			index:    "import { add } from './add.wasm?sync';\nconsole.log(add(1, 2));\n",
			wasm:     addWasm,
			contains: ErrSyncWasmDisabled.Error(),
		},
		{
			name:     "not a wasm binary",
			config:   "{}\n",
			index:    "import { add } from './add.wasm';\nconsole.log(add(1, 2));\n",
			wasm:     []byte("not wasm at all"),
			contains: ErrInvalidWasm.Error(),
		},
		{
			name:     "missing import",
			config:   "{}\n",
			index:    "import { nope } from './nope.js';\nconsole.log(nope);\n",
			wasm:     addWasm,
			contains: "nope.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, tt.config, map[string][]byte{
				"src/index.js": []byte(tt.index),
				"src/add.wasm": tt.wasm,
			})

			_, err := build(t, p)
			var buildErr *BuildError
			require.ErrorAs(t, err, &buildErr)
			require.NotEmpty(t, buildErr.Messages)
			require.Contains(t, err.Error(), tt.contains)
			require.NoFileExists(t, p.cfg.OutputPath)
		})
	}
}

func TestBuild_fingerprintTracksContent(t *testing.T) {
	p := newProject(t, "{}\n", map[string][]byte{
		"src/index.js": []byte("console.log('one');\n"),
	})

	b, err := New(p.cfg)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	first, err := b.Build(ctx)
	require.NoError(t, err)

	again, err := b.Build(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, again.Fingerprint)
	require.NotEqual(t, first.ID, again.ID)

	require.NoError(t, os.WriteFile(p.cfg.EntryPath, []byte("console.log('two');\n"), 0o600))
	changed, err := b.Build(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.Fingerprint, changed.Fingerprint)
}

func TestBuild_recordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	p := newProject(t, "mode: production\n", map[string][]byte{
		"src/index.js": []byte("console.log('traced');\n"),
	})

	b, err := New(p.cfg)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	res, err := b.Build(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p.cfg.EntryPath, []byte("export cons x = 1;\n"), 0o600))
	_, err = b.Build(ctx)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	require.Equal(t, "bundler.Build", ok.Name())
	require.Contains(t, ok.Attributes(), telemetry.ModeKey.String("production"))
	require.Contains(t, ok.Attributes(), telemetry.EntryKey.String(p.cfg.EntryPath))
	require.Contains(t, ok.Attributes(), attribute.String("build.id", res.ID))
	require.Equal(t, codes.Unset, ok.Status().Code)

	failed := spans[1]
	require.Equal(t, codes.Error, failed.Status().Code)
	require.NotEmpty(t, failed.Events())
}

func TestBuild_bannerAndMetafile(t *testing.T) {
	p := newProject(t, "output:\n  metafile: dist/meta.json\n", map[string][]byte{
		"src/index.js": []byte("console.log('banner');\n"),
	})

	_, err := build(t, p, WithBanner("/* live reload client */"))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(readOutput(t, p), "/* live reload client */"))
	require.FileExists(t, filepath.Join(p.dir, "dist", "meta.json"))
}

func TestBundler_inputs(t *testing.T) {
	p := newProject(t, "{}\n", map[string][]byte{
		"src/index.js":  []byte("import { add } from '../wasm/add.wasm';\nconsole.log(add(1, 2));\n"),
		"wasm/add.wasm": addWasm,
	})

	b, err := New(p.cfg)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Inputs()
	require.Error(t, err)

	_, err = b.Build(context.Background())
	require.NoError(t, err)

	inputs, err := b.Inputs()
	require.NoError(t, err)
	require.Contains(t, inputs, filepath.Join(p.dir, "src", "index.js"))
	require.Contains(t, inputs, filepath.Join(p.dir, "wasm", "add.wasm"))
}
