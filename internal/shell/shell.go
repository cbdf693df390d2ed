// Package shell runs local processes and quotes arguments for remote
// shells.
package shell

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command is a local process invocation.
type Command struct {
	Name   string
	Args   []string
	Env    []string // appended to the current environment
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs commands to completion and returns their exit code. An
// error means the process could not be started or waited for; a non-zero
// exit code alone is not an error.
type Executor interface {
	Run(ctx context.Context, c Command) (int, error)
}

// Local runs commands on this machine.
type Local struct{}

func (Local) Run(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
