package buildconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type loadOptions struct {
	probePort bool
}

// Option customizes Load.
type Option func(*loadOptions)

// WithPortProbe makes Load fail with PortInUseError when the dev server
// address is already bound. Only the serve path needs it.
func WithPortProbe() Option {
	return func(o *loadOptions) {
		o.probePort = true
	}
}

// Load reads the configuration at path, applies defaults and validates it.
//
// An empty path looks for DefaultConfigFile in the working directory and
// falls back to the built-in defaults when the file is absent. Relative
// paths inside the file are resolved against the file's own directory.
func Load(path string, opts ...Option) (BuildConfiguration, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	dto, dir, err := readConfig(path)
	if err != nil {
		return BuildConfiguration{}, err
	}

	cfg, err := mapConfig(dir, dto)
	if err != nil {
		return BuildConfiguration{}, err
	}

	if err := validatePaths(cfg); err != nil {
		return BuildConfiguration{}, err
	}

	if o.probePort {
		if err := ProbePort(cfg.DevServer.Addr()); err != nil {
			return BuildConfiguration{}, err
		}
	}

	return cfg, nil
}

func readConfig(path string) (yamlConfig, string, error) {
	var dto yamlConfig

	explicit := path != ""
	if !explicit {
		wd, err := os.Getwd()
		if err != nil {
			return dto, "", &ConfigError{Field: "config", Err: err}
		}
		path = filepath.Join(wd, DefaultConfigFile)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return dto, "", &ConfigError{Field: "config", Value: path, Err: err}
	}

	b, err := os.ReadFile(abs)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return dto, filepath.Dir(abs), nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return dto, "", &ConfigError{Field: "config", Value: path, Err: err}
	}

	if err := yaml.Unmarshal(b, &dto); err != nil {
		return dto, "", &ConfigError{Field: "config", Value: path, Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
	}

	return dto, filepath.Dir(abs), nil
}

func mapConfig(dir string, dto yamlConfig) (BuildConfiguration, error) {
	cfg := BuildConfiguration{ConfigDir: dir}

	mode, err := parseMode(orDefault(dto.Mode, string(ModeDevelopment)))
	if err != nil {
		return cfg, invalidField("mode", dto.Mode, "%s", err)
	}
	cfg.Mode = mode

	cfg.SourceMap = DefaultSourceMap(mode)
	if dto.Devtool != "" {
		if cfg.SourceMap, err = parseSourceMap(dto.Devtool); err != nil {
			return cfg, invalidField("devtool", dto.Devtool, "%s", err)
		}
	}

	cfg.EntryPath = resolveAgainst(dir, orDefault(dto.Entry, defaultEntry))

	cfg.OutputFileName = orDefault(dto.Output.Filename, defaultFilename)
	cfg.OutputDir = resolveAgainst(dir, orDefault(dto.Output.Path, defaultOutputDir))
	if cfg.OutputPath, err = ResolveOutputPath(cfg.OutputDir, cfg.OutputFileName); err != nil {
		return cfg, err
	}
	if dto.Output.Metafile != "" {
		cfg.MetafilePath = resolveAgainst(dir, dto.Output.Metafile)
	}

	cfg.EnableAsyncBinaryModules = boolOrDefault(dto.Experiments.AsyncWebAssembly, true)
	cfg.EnableSyncBinaryModules = boolOrDefault(dto.Experiments.SyncWebAssembly, true)

	ds := dto.DevServer
	cfg.DevServer = DevServer{
		StaticDir:      resolveAgainst(dir, orDefault(ds.Static.Directory, defaultOutputDir)),
		Compress:       boolOrDefault(ds.Compress, true),
		Host:           orDefault(ds.Host, defaultHost),
		Port:           defaultPort,
		LiveReload:     boolOrDefault(ds.LiveReload, true),
		AllowedOrigins: ds.AllowedOrigins,
		MaxConnections: ds.MaxConnections,
	}
	if ds.Port != nil {
		cfg.DevServer.Port = *ds.Port
	}
	if cfg.DevServer.Port < 1 || cfg.DevServer.Port > 65535 {
		return cfg, invalidField("devServer.port", fmt.Sprint(cfg.DevServer.Port), "must be between 1 and 65535")
	}
	if cfg.DevServer.MaxConnections < 0 {
		return cfg, invalidField("devServer.maxConnections", fmt.Sprint(cfg.DevServer.MaxConnections), "must not be negative")
	}
	if len(cfg.DevServer.AllowedOrigins) == 0 {
		cfg.DevServer.AllowedOrigins = []string{"*"}
	}

	return cfg, nil
}

// validatePaths checks the filesystem. The entry is checked before anything
// is created so a missing entry leaves the disk untouched.
func validatePaths(cfg BuildConfiguration) error {
	info, err := os.Stat(cfg.EntryPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &ConfigError{Field: "entry", Value: cfg.EntryPath, Err: fmt.Errorf("%w: entry file does not exist", ErrNotFound)}
	case err != nil:
		return &ConfigError{Field: "entry", Value: cfg.EntryPath, Err: err}
	case !info.Mode().IsRegular():
		return invalidField("entry", cfg.EntryPath, "entry must be a regular file")
	}

	if err := ensureWritableDir(cfg.OutputDir); err != nil {
		return &ConfigError{Field: "output.path", Value: cfg.OutputDir, Err: err}
	}

	info, err = os.Stat(cfg.DevServer.StaticDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &ConfigError{Field: "devServer.static.directory", Value: cfg.DevServer.StaticDir, Err: fmt.Errorf("%w: static directory does not exist", ErrNotFound)}
	case err != nil:
		return &ConfigError{Field: "devServer.static.directory", Value: cfg.DevServer.StaticDir, Err: err}
	case !info.IsDir():
		return invalidField("devServer.static.directory", cfg.DevServer.StaticDir, "must be a directory")
	}

	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}

	f, err := os.CreateTemp(dir, ".wasmbundle-write-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	return os.Remove(name)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
