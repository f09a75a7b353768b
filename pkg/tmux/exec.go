package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecFunc runs one process and returns its stdout. Errors carry stderr.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Launcher rewrites an argv so it runs on the execution target: directly,
// through ssh, or inside a container.
type Launcher interface {
	Wrap(argv []string) (name string, args []string)
}

// Direct runs argv as-is on the local machine.
type Direct struct{}

func (Direct) Wrap(argv []string) (string, []string) {
	return argv[0], argv[1:]
}

// CommandError is returned when a launched process exits unsuccessfully.
type CommandError struct {
	Argv   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", strings.Join(e.Argv, " "), e.Err)
	if e.Stderr != "" {
		msg += " (" + e.Stderr + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// DefaultExec spawns the process with os/exec.
func DefaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- argv is assembled by launchers from configuration.
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{
			Argv:   append([]string{name}, args...),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return out, nil
}
