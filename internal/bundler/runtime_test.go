package bundler_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	"github.com/wolfeidau/wasmbundle/internal/bundler"
	"github.com/wolfeidau/wasmbundle/internal/devserver"
)

// fetchRunner maps file: URLs requested by the bundle onto the dev server,
// then imports the bundle.
const fetchRunner = `import { pathToFileURL } from "node:url";

const [base, bundle] = process.argv.slice(2);
const fileFetch = globalThis.fetch;
globalThis.fetch = (input, init) => {
  const url = new URL(input instanceof Request ? input.url : String(input));
  if (url.protocol === "file:") {
    return fileFetch(new URL(url.pathname.split("/").pop(), base), init);
  }
  return fileFetch(input, init);
};

await import(pathToFileURL(bundle).href);
`

// requireNode skips unless a node with global fetch and WebAssembly streaming is on PATH.
func requireNode(t *testing.T) string {
	t.Helper()

	node, err := exec.LookPath("node")
	if err != nil {
		t.Skip("node not found on PATH")
	}

	out, err := exec.Command(node, "--version").Output()
	require.NoError(t, err)
	major, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(string(out)), "v"), ".")
	if v, err := strconv.Atoi(major); err != nil || v < 18 {
		t.Skipf("node %s has no global fetch", strings.TrimSpace(string(out)))
	}
	return node
}

func buildProject(t *testing.T, config string, files map[string][]byte) buildconfig.BuildConfiguration {
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

	b, err := bundler.New(cfg)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Build(context.Background())
	require.NoError(t, err)
	return cfg
}

func runNode(t *testing.T, node string, args ...string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, node, args...).CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

const (
	syncOnly  = "output:\n  filename: main.mjs\nexperiments:\n  asyncWebAssembly: false\n  syncWebAssembly: true\n"
	asyncOnly = "output:\n  filename: main.mjs\nexperiments:\n  asyncWebAssembly: true\n  syncWebAssembly: false\n"
)

func TestRuntime_syncWasm(t *testing.T) {
	node := requireNode(t)

	tests := []struct {
		name     string
		files    map[string][]byte
		expected string
	}{
		{
			name: "exports only",
			files: map[string][]byte{
				"src/index.js": []byte("import { add } from './add.wasm';\nconsole.log('SUM ' + add(1, 2));\n"),
				"src/add.wasm": bundler.AddWasm,
			},
			expected: "SUM 3",
		},
		{
			name: "imports from env.js",
			files: map[string][]byte{
				"src/index.js": []byte("import { run } from './env.wasm';\nrun();\n"),
				"src/env.wasm": bundler.EnvWasm,
				"src/env.js":   []byte(bundler.EnvJS),
			},
			expected: "LOG 42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildProject(t, syncOnly, tt.files)
			require.Contains(t, runNode(t, node, cfg.OutputPath), tt.expected)
		})
	}
}

func TestRuntime_asyncWasmOverDevServer(t *testing.T) {
	node := requireNode(t)

	cfg := buildProject(t, asyncOnly, map[string][]byte{
		"src/index.js": []byte("import { run } from './env.wasm';\nimport { add } from './add.wasm';\nrun();\nconsole.log('SUM ' + add(2, 3));\n"),
		"src/env.wasm": bundler.EnvWasm,
		"src/env.js":   []byte(bundler.EnvJS),
		"src/add.wasm": bundler.AddWasm,
	})

	ds := cfg.DevServer
	ds.Host = "127.0.0.1"
	ds.Port = 0
	srv, err := devserver.New(ds)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	runner := filepath.Join(t.TempDir(), "runner.mjs")
	require.NoError(t, os.WriteFile(runner, []byte(fetchRunner), 0o600))

	out := runNode(t, node, runner, "http://"+srv.Addr()+"/", cfg.OutputPath)
	require.Contains(t, out, "LOG 42")
	require.Contains(t, out, "SUM 5")
}
