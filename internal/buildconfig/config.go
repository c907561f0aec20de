// Package buildconfig loads and validates the bundling and dev-server
// configuration consumed once at tool startup.
package buildconfig

import "fmt"

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "wasmbundle.yaml"

// Mode selects the bundler optimization profile.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

func parseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDevelopment, ModeProduction:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("must be %q or %q", ModeDevelopment, ModeProduction)
	}
}

// SourceMap selects how source maps are emitted next to the bundle.
type SourceMap string

const (
	SourceMapInline SourceMap = "inline"
	SourceMapLinked SourceMap = "linked"
	SourceMapNone   SourceMap = "none"
)

func parseSourceMap(s string) (SourceMap, error) {
	switch SourceMap(s) {
	case SourceMapInline, SourceMapLinked, SourceMapNone:
		return SourceMap(s), nil
	default:
		return "", fmt.Errorf("must be one of %q, %q or %q", SourceMapInline, SourceMapLinked, SourceMapNone)
	}
}

// BuildConfiguration is the validated, read-only result of Load.
// All paths are absolute.
type BuildConfiguration struct {
	Mode           Mode
	EntryPath      string
	OutputFileName string
	OutputDir      string
	// OutputPath is ResolveOutputPath(OutputDir, OutputFileName).
	OutputPath   string
	MetafilePath string
	SourceMap    SourceMap

	// EnableAsyncBinaryModules allows WebAssembly modules to be fetched and
	// instantiated without blocking module evaluation.
	EnableAsyncBinaryModules bool
	// EnableSyncBinaryModules allows WebAssembly modules to be instantiated
	// synchronously at import time.
	EnableSyncBinaryModules bool

	DevServer DevServer

	// ConfigDir is the directory relative paths were resolved against.
	ConfigDir string
}

// DevServer describes the local static-file server.
type DevServer struct {
	StaticDir      string
	Compress       bool
	Host           string
	Port           int
	LiveReload     bool
	AllowedOrigins []string
	MaxConnections int
}

// Addr returns the host:port the dev server listens on.
func (d DevServer) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// DefaultSourceMap returns the source map style for a mode when devtool is unset.
func DefaultSourceMap(mode Mode) SourceMap {
	if mode == ModeProduction {
		return SourceMapNone
	}
	return SourceMapInline
}

const (
	defaultEntry     = "./src/index.js"
	defaultFilename  = "main.js"
	defaultOutputDir = "dist"
	defaultHost      = "localhost"
	defaultPort      = 9000
)
