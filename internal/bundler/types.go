package bundler

import (
	"time"
)

// BuildMetadata is the subset of the esbuild metafile the bundler reads.
type BuildMetadata struct {
	Inputs  map[string]InputInfo  `json:"inputs"`
	Outputs map[string]OutputInfo `json:"outputs"`
}

type InputInfo struct {
	Bytes int `json:"bytes"`
}

type OutputInfo struct {
	EntryPoint string       `json:"entryPoint"`
	Bytes      int          `json:"bytes"`
	Imports    []ImportInfo `json:"imports"`
}

type ImportInfo struct {
	Path string `json:"path"`
}

// Result summarizes one successful build.
type Result struct {
	// ID is unique per build.
	ID string
	// OutputPath is the absolute path of the emitted bundle.
	OutputPath string
	// Files lists every emitted file (bundle, assets, source maps) as absolute paths.
	Files []string
	// Inputs is the number of source files that went into the bundle.
	Inputs int
	// Fingerprint identifies the emitted content; identical output yields
	// an identical fingerprint.
	Fingerprint string
	Duration    time.Duration
	Warnings    []string
}
