package bundler

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// BuildError reports entry resolution or compilation failures raised by esbuild.
type BuildError struct {
	Messages []string
}

func (e *BuildError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Messages) == 1 {
		return "build failed: " + e.Messages[0]
	}
	return fmt.Sprintf("build failed with %d errors: %s", len(e.Messages), strings.Join(e.Messages, "; "))
}

func newBuildError(msgs []api.Message) *BuildError {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, formatMessage(msg))
	}
	return &BuildError{Messages: out}
}

func formatMessage(msg api.Message) string {
	text := msg.Text
	if msg.PluginName != "" {
		text = "[" + msg.PluginName + "] " + text
	}
	if msg.Location != nil {
		return fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, text)
	}
	return text
}
