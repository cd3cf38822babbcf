package protocol

import (
	"os"

	"golang.org/x/term"
)

// CLIContext describes the terminal a client invocation runs in, so a command
// body executing inside the worker can behave as if it were attached to it.
type CLIContext struct {
	Cwd         string `json:"cwd"`
	Columns     int    `json:"columns,omitempty"`
	Interactive bool   `json:"interactive"`
}

// CaptureContext snapshots the calling process's working directory and
// stdout terminal.
func CaptureContext() CLIContext {
	cwd, _ := os.Getwd()
	fd := int(os.Stdout.Fd())
	ctx := CLIContext{Cwd: cwd}
	if term.IsTerminal(fd) {
		ctx.Interactive = true
		if width, _, err := term.GetSize(fd); err == nil {
			ctx.Columns = width
		}
	}
	return ctx
}
