// Package agent defines how a prompt turns into work. A Driver runs one
// prompt to completion, reaching the target only through the Session it is
// given, so every shell command passes the approval gate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/shell"
)

// ErrDenied is returned by Session.Shell when the command was not approved.
var ErrDenied = errors.New("command denied")

// Prompt is one submitted user prompt.
type Prompt struct {
	TaskID   uint64
	Text     string
	Metadata map[string]string
}

// Usage is what a model turn consumed.
type Usage struct {
	InputTokens   int
	OutputTokens  int
	ContextTokens int
	ContextLimit  int
}

// Session is the task-scoped surface a Driver works through.
type Session interface {
	// Shell asks for approval, then runs inv on the execution target.
	Shell(ctx context.Context, inv shell.Invocation) (shell.Result, error)
	TurnStarted(step int)
	Text(text string)
	TurnCompleted(step int, usage Usage)
}

type Driver interface {
	Run(ctx context.Context, p Prompt, s Session) (string, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, p Prompt, s Session) (string, error)

func (f DriverFunc) Run(ctx context.Context, p Prompt, s Session) (string, error) {
	return f(ctx, p, s)
}

// Metadata keys understood by InvocationFor.
const (
	MetaMode        = "mode"
	MetaWaitTimeout = "wait_timeout"
)

// InvocationFor builds the shell invocation for a prompt that is itself a
// command. mode is wait (default), no_wait or wait_with_timeout; the latter
// needs wait_timeout (e.g. "30s").
func InvocationFor(p Prompt) (shell.Invocation, error) {
	command := strings.TrimSpace(p.Text)
	if command == "" {
		return shell.Invocation{}, errors.New("empty prompt")
	}
	switch mode := p.Metadata[MetaMode]; mode {
	case "", "wait":
		if raw := p.Metadata[MetaWaitTimeout]; raw != "" {
			return withTimeout(command, raw)
		}
		return shell.Wait(command), nil
	case "no_wait":
		return shell.NoWait(command), nil
	case "wait_with_timeout":
		return withTimeout(command, p.Metadata[MetaWaitTimeout])
	default:
		return shell.Invocation{}, fmt.Errorf("unknown mode %q", mode)
	}
}

func withTimeout(command, raw string) (shell.Invocation, error) {
	d, err := approval.ParseDuration(raw)
	if err != nil {
		return shell.Invocation{}, fmt.Errorf("wait_timeout: %w", err)
	}
	return shell.WaitWithTimeout(command, d), nil
}

// CommandDriver treats the prompt as a single shell command. It is what the
// CLI runs when no model is configured.
type CommandDriver struct{}

func (CommandDriver) Run(ctx context.Context, p Prompt, s Session) (string, error) {
	inv, err := InvocationFor(p)
	if err != nil {
		return "", err
	}

	s.TurnStarted(1)
	res, err := s.Shell(ctx, inv)
	var response string
	switch {
	case errors.Is(err, shell.ErrTimeout):
		response = err.Error()
	case err != nil:
		return "", err
	case res.Ack != nil:
		response = fmt.Sprintf("dispatched to pane %s at %s", res.Ack.PaneID, res.Ack.DispatchedAt.Format(time.RFC3339))
	case res.Output != nil:
		response = res.Output.String()
	}
	s.Text(response)
	s.TurnCompleted(1, Usage{})
	return response, nil
}
