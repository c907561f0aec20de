package bundler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

const (
	wasmPluginName      = "wasm"
	wasmStubNamespace   = "wasm-stub"
	wasmBinaryNamespace = "wasm-binary"

	// SyncImportSuffix forces the synchronous path when both experiments are on.
	SyncImportSuffix = "?sync"
)

var (
	// ErrWasmDisabled indicates a .wasm import while both experiments are off
	ErrWasmDisabled = errors.New("WebAssembly imports require experiments.asyncWebAssembly or experiments.syncWebAssembly")
	// ErrSyncWasmDisabled indicates a ?sync import while experiments.syncWebAssembly is off
	ErrSyncWasmDisabled = errors.New("synchronous WebAssembly import requires experiments.syncWebAssembly")

	jsIdentifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

	// names that cannot be used as `export const` bindings
	jsReserved = map[string]bool{
		"await": true, "break": true, "case": true, "catch": true, "class": true, "const": true,
		"continue": true, "debugger": true, "default": true, "delete": true, "do": true,
		"else": true, "enum": true, "export": true, "extends": true, "false": true,
		"finally": true, "for": true, "function": true, "if": true, "implements": true,
		"import": true, "in": true, "instanceof": true, "interface": true, "let": true,
		"new": true, "null": true, "package": true, "private": true, "protected": true,
		"public": true, "return": true, "static": true, "super": true, "switch": true,
		"this": true, "throw": true, "true": true, "try": true, "typeof": true, "var": true,
		"void": true, "while": true, "with": true, "yield": true,
		"wasmExports": true, "wasmModule": true, "wasmBytes": true, "wasmURL": true,
		"wasmImports": true,
	}
)

// wasmImportPrefix names the namespace bindings of the binary's import modules.
const wasmImportPrefix = "__wasmImport"

type loadPath int

const (
	asyncLoad loadPath = iota
	syncLoad
)

// wasmPlugin turns `import ... from "./x.wasm"` into a generated module that
// instantiates the binary. The async path emits the binary as an asset and
// instantiates it under top-level await; the sync path inlines the bytes.
type wasmPlugin struct {
	async bool
	sync  bool
}

func newWasmPlugin(async, sync bool) api.Plugin {
	p := &wasmPlugin{async: async, sync: sync}
	return api.Plugin{Name: wasmPluginName, Setup: p.setup}
}

func (p *wasmPlugin) setup(build api.PluginBuild) {
	// The generated stub imports the binary itself. Registered first so it
	// wins over the .wasm filter below. Import modules of the binary fall
	// through to the default resolver, relative to the stub's ResolveDir.
	build.OnResolve(api.OnResolveOptions{Filter: `.*`, Namespace: wasmStubNamespace},
		func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			if !selfImport(args) {
				return api.OnResolveResult{}, nil
			}
			if mode, _ := args.PluginData.(loadPath); mode == syncLoad {
				return api.OnResolveResult{Path: args.Path, Namespace: wasmBinaryNamespace}, nil
			}
			// async binaries go through the regular file loader so they are emitted as assets
			return api.OnResolveResult{Path: args.Path, Namespace: "file"}, nil
		})

	build.OnResolve(api.OnResolveOptions{Filter: `\.wasm(\?sync)?$`}, p.resolve)
	build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: wasmStubNamespace}, p.loadStub)
	build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: wasmBinaryNamespace}, p.loadBinary)
}

func selfImport(args api.OnResolveArgs) bool {
	return args.Path == args.Importer || args.Path+SyncImportSuffix == args.Importer
}

func (p *wasmPlugin) pick(forceSync bool) (loadPath, error) {
	switch {
	case !p.async && !p.sync:
		return 0, ErrWasmDisabled
	case forceSync && !p.sync:
		return 0, ErrSyncWasmDisabled
	case forceSync || !p.async:
		return syncLoad, nil
	default:
		return asyncLoad, nil
	}
}

func (p *wasmPlugin) resolve(args api.OnResolveArgs) (api.OnResolveResult, error) {
	specifier, forceSync := strings.CutSuffix(args.Path, SyncImportSuffix)

	mode, err := p.pick(forceSync)
	if err != nil {
		return api.OnResolveResult{}, err
	}

	path := filepath.FromSlash(specifier)
	switch {
	case filepath.IsAbs(path):
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		path = filepath.Join(args.ResolveDir, path)
	default:
		return api.OnResolveResult{}, fmt.Errorf("cannot resolve %q: WebAssembly imports must be relative or absolute paths", args.Path)
	}

	result := api.OnResolveResult{
		Path:       path,
		Namespace:  wasmStubNamespace,
		PluginData: mode,
	}
	// keeps sync and async stubs of the same binary apart
	if mode == syncLoad {
		result.Suffix = SyncImportSuffix
	}
	return result, nil
}

func (p *wasmPlugin) loadStub(args api.OnLoadArgs) (api.OnLoadResult, error) {
	b, err := os.ReadFile(args.Path)
	if err != nil {
		return api.OnLoadResult{}, err
	}

	mod, err := ReadWasmModule(b)
	if err != nil {
		return api.OnLoadResult{}, fmt.Errorf("%s: %w", args.Path, err)
	}

	mode, _ := args.PluginData.(loadPath)
	contents, err := wasmStub(args.Path, mode, mod)
	if err != nil {
		return api.OnLoadResult{}, err
	}

	return api.OnLoadResult{
		Contents:   &contents,
		ResolveDir: filepath.Dir(args.Path),
		Loader:     api.LoaderJS,
		PluginData: mode,
		WatchFiles: []string{args.Path},
	}, nil
}

func (p *wasmPlugin) loadBinary(args api.OnLoadArgs) (api.OnLoadResult, error) {
	b, err := os.ReadFile(args.Path)
	if err != nil {
		return api.OnLoadResult{}, err
	}

	contents := string(b)
	return api.OnLoadResult{
		Contents: &contents,
		Loader:   api.LoaderBinary,
	}, nil
}

func wasmStub(path string, mode loadPath, mod WasmModule) (string, error) {
	source, err := json.Marshal(path)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	switch mode {
	case syncLoad:
		fmt.Fprintf(&sb, "import wasmBytes from %s;\n", source)
	default:
		fmt.Fprintf(&sb, "import wasmURL from %s;\n", source)
	}

	// each import module is linked as its namespace object, keyed by the
	// module name recorded in the binary
	var imports strings.Builder
	for i, module := range mod.ImportModules() {
		specifier, err := json.Marshal(module)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "import * as %s%d from %s;\n", wasmImportPrefix, i, specifier)
		if i > 0 {
			imports.WriteString(", ")
		}
		fmt.Fprintf(&imports, "%s: %s%d", specifier, wasmImportPrefix, i)
	}
	if imports.Len() == 0 {
		sb.WriteString("const wasmImports = {};\n")
	} else {
		fmt.Fprintf(&sb, "const wasmImports = { %s };\n", imports.String())
	}

	switch mode {
	case syncLoad:
		sb.WriteString("const wasmModule = new WebAssembly.Module(wasmBytes);\n")
		sb.WriteString("const wasmExports = new WebAssembly.Instance(wasmModule, wasmImports).exports;\n")
	default:
		sb.WriteString("const { instance } = await WebAssembly.instantiateStreaming(fetch(new URL(wasmURL, import.meta.url)), wasmImports);\n")
		sb.WriteString("const wasmExports = instance.exports;\n")
	}
	sb.WriteString("export default wasmExports;\n")

	for _, e := range mod.Exports {
		if !exportable(e.Name) {
			continue
		}
		fmt.Fprintf(&sb, "export const %s = wasmExports.%s;\n", e.Name, e.Name)
	}

	return sb.String(), nil
}

func exportable(name string) bool {
	return jsIdentifier.MatchString(name) && !jsReserved[name] && !strings.HasPrefix(name, wasmImportPrefix)
}
