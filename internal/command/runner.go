// Package command runs short-lived local commands (config tests, reloads,
// version queries) with a hard timeout.
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInstalled is returned when the executable is not on PATH.
var ErrNotInstalled = errors.New("command not installed")

type Runner interface {
	// Run returns combined stdout and stderr. A non-zero exit is an error
	// that still carries the output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type Exec struct {
	Timeout time.Duration
}

func NewExec(timeout time.Duration) *Exec {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Exec{Timeout: timeout}
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("%s timed out after %s: %w", name, e.Timeout, ctx.Err())
		}
		return output, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Split turns a configured command line into name and args. Quoting is not
// supported.
func Split(line string) (string, []string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, errors.New("empty command")
	}
	return fields[0], fields[1:], nil
}
