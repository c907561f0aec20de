package buildconfig

import (
	"path/filepath"
	"strings"
)

// ResolveOutputPath joins the output directory and bundle file name into a
// normalized absolute path. Both `/` and `\` are accepted as separators in
// either argument. The file name must stay inside the directory.
func ResolveOutputPath(outputDirectory, outputFileName string) (string, error) {
	if strings.TrimSpace(outputDirectory) == "" {
		return "", invalidField("output.path", outputDirectory, "output directory is required")
	}
	if strings.TrimSpace(outputFileName) == "" {
		return "", invalidField("output.filename", outputFileName, "output file name is required")
	}

	dir, err := filepath.Abs(normalizeSeparators(outputDirectory))
	if err != nil {
		return "", &ConfigError{Field: "output.path", Value: outputDirectory, Err: err}
	}

	name := filepath.Clean(normalizeSeparators(outputFileName))
	if filepath.IsAbs(name) || name == "." || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		return "", invalidField("output.filename", outputFileName, "must be a relative path inside the output directory")
	}

	return filepath.Join(dir, name), nil
}

func normalizeSeparators(p string) string {
	return filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
}

// resolveAgainst makes p absolute relative to base unless it already is.
func resolveAgainst(base, p string) string {
	p = normalizeSeparators(p)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
