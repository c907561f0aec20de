package buildconfig

import (
	"io"

	"gopkg.in/yaml.v3"
)

// The YAML keys mirror the webpack configuration surface so existing
// projects can translate their config one to one.

type yamlConfig struct {
	Mode        string          `yaml:"mode"`
	Entry       string          `yaml:"entry"`
	Devtool     string          `yaml:"devtool"`
	Output      yamlOutput      `yaml:"output"`
	Experiments yamlExperiments `yaml:"experiments"`
	DevServer   yamlDevServer   `yaml:"devServer"`
}

type yamlOutput struct {
	Filename string `yaml:"filename"`
	Path     string `yaml:"path"`
	Metafile string `yaml:"metafile"`
}

type yamlExperiments struct {
	AsyncWebAssembly *bool `yaml:"asyncWebAssembly"`
	SyncWebAssembly  *bool `yaml:"syncWebAssembly"`
}

type yamlDevServer struct {
	Static         yamlStatic `yaml:"static"`
	Compress       *bool      `yaml:"compress"`
	Host           string     `yaml:"host"`
	Port           *int       `yaml:"port"`
	LiveReload     *bool      `yaml:"liveReload"`
	AllowedOrigins []string   `yaml:"allowedOrigins"`
	MaxConnections int        `yaml:"maxConnections"`
}

type yamlStatic struct {
	Directory string `yaml:"directory"`
}

func toDTO(c BuildConfiguration) yamlConfig {
	return yamlConfig{
		Mode:    string(c.Mode),
		Entry:   c.EntryPath,
		Devtool: string(c.SourceMap),
		Output: yamlOutput{
			Filename: c.OutputFileName,
			Path:     c.OutputDir,
			Metafile: c.MetafilePath,
		},
		Experiments: yamlExperiments{
			AsyncWebAssembly: &c.EnableAsyncBinaryModules,
			SyncWebAssembly:  &c.EnableSyncBinaryModules,
		},
		DevServer: yamlDevServer{
			Static:         yamlStatic{Directory: c.DevServer.StaticDir},
			Compress:       &c.DevServer.Compress,
			Host:           c.DevServer.Host,
			Port:           &c.DevServer.Port,
			LiveReload:     &c.DevServer.LiveReload,
			AllowedOrigins: c.DevServer.AllowedOrigins,
			MaxConnections: c.DevServer.MaxConnections,
		},
	}
}

// Encode writes c as YAML using the same keys Load reads. Paths are
// written in their resolved, absolute form.
func Encode(w io.Writer, c BuildConfiguration) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toDTO(c)); err != nil {
		return err
	}
	return enc.Close()
}
