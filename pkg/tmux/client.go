// Package tmux drives the tmux CLI on an execution target. Every call goes
// through a Launcher, so the same client works locally, over ssh and inside
// containers.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const paneFormat = "#{pane_id}\t#{window_name}\t#{pane_dead}"

// Pane is one row of list-panes output.
type Pane struct {
	ID     string
	Window string
	Dead   bool
}

type Client struct {
	exec     ExecFunc
	launcher Launcher
	binary   string
}

func NewClient(launcher Launcher) *Client {
	return NewClientWithExec(launcher, DefaultExec)
}

func NewClientWithExec(launcher Launcher, execFn ExecFunc) *Client {
	if launcher == nil {
		launcher = Direct{}
	}
	return &Client{exec: execFn, launcher: launcher, binary: "tmux"}
}

// WithBinary returns a copy of c that invokes the given tmux executable.
func (c *Client) WithBinary(binary string) *Client {
	cp := *c
	if binary != "" {
		cp.binary = binary
	}
	return &cp
}

func (c *Client) Binary() string { return c.binary }

// Run executes `tmux <args>` on the target.
func (c *Client) Run(ctx context.Context, args ...string) ([]byte, error) {
	return c.Exec(ctx, append([]string{c.binary}, args...)...)
}

// Exec executes an arbitrary argv on the target through the launcher.
func (c *Client) Exec(ctx context.Context, argv ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	name, args := c.launcher.Wrap(argv)
	return c.exec(ctx, name, args...)
}

func (c *Client) HasSession(ctx context.Context, session string) (bool, error) {
	_, err := c.Run(ctx, "has-session", "-t", "="+session)
	if err == nil {
		return true, nil
	}
	if isMissing(err) {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session %s: %w", session, err)
}

func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	return splitLines(out), nil
}

// NewSession creates a detached session whose first window is named window
// and returns the id of its pane.
func (c *Client) NewSession(ctx context.Context, session, window string) (string, error) {
	out, err := c.Run(ctx, "new-session", "-d", "-s", session, "-n", window, "-P", "-F", "#{pane_id}")
	if err != nil {
		return "", fmt.Errorf("tmux new-session %s: %w", session, err)
	}
	return parsePaneID(out)
}

// NewWindow adds a window to an existing session and returns its pane id.
func (c *Client) NewWindow(ctx context.Context, session, window string) (string, error) {
	out, err := c.Run(ctx, "new-window", "-d", "-t", session+":", "-n", window, "-P", "-F", "#{pane_id}")
	if err != nil {
		return "", fmt.Errorf("tmux new-window %s: %w", session, err)
	}
	return parsePaneID(out)
}

// ListPanes lists every pane of every window in session.
func (c *Client) ListPanes(ctx context.Context, session string) ([]Pane, error) {
	out, err := c.Run(ctx, "list-panes", "-s", "-t", session, "-F", paneFormat)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-panes %s: %w", session, err)
	}
	return parsePanes(out), nil
}

// PaneAlive reports whether paneID exists and its process has not exited.
func (c *Client) PaneAlive(ctx context.Context, paneID string) (bool, error) {
	out, err := c.Run(ctx, "display-message", "-p", "-t", paneID, "#{pane_id} #{pane_dead}")
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("tmux display-message %s: %w", paneID, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || fields[0] != paneID {
		return false, nil
	}
	return len(fields) < 2 || fields[1] != "1", nil
}

func (c *Client) CapturePane(ctx context.Context, target string, opts CaptureOptions) (string, error) {
	if opts.Target != "" {
		target = opts.Target
	}
	if err := sleepCtx(ctx, opts.Delay); err != nil {
		return "", err
	}
	out, err := c.Run(ctx, opts.args(target)...)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", target, err)
	}
	return string(out), nil
}

func (c *Client) SendKeys(ctx context.Context, target string, opts SendKeysOptions) error {
	if opts.Target != "" {
		target = opts.Target
	}

	var sends [][]string
	if opts.Literal != "" {
		// "--" keeps text starting with "-" from being read as a flag.
		sends = append(sends, []string{"send-keys", "-t", target, "-l", "--", opts.Literal})
	}
	if len(opts.Keys) > 0 {
		sends = append(sends, append([]string{"send-keys", "-t", target}, opts.Keys...))
	}
	if opts.PressEnter {
		sends = append(sends, []string{"send-keys", "-t", target, "Enter"})
	}

	for i, args := range sends {
		if i > 0 {
			if err := sleepCtx(ctx, opts.Delay); err != nil {
				return err
			}
		}
		if _, err := c.Run(ctx, args...); err != nil {
			return fmt.Errorf("tmux send-keys %s: %w", target, err)
		}
	}
	return nil
}

func (c *Client) KillSession(ctx context.Context, session string) error {
	if _, err := c.Run(ctx, "kill-session", "-t", "="+session); err != nil && !isMissing(err) {
		return fmt.Errorf("tmux kill-session %s: %w", session, err)
	}
	return nil
}

// AttachArgv is the argv a user runs on the target to attach to session.
func (c *Client) AttachArgv(session string) []string {
	return []string{c.binary, "attach", "-t", session}
}

// IsMissing reports whether err is tmux saying the session, window, pane
// or server does not exist.
func IsMissing(err error) bool { return isMissing(err) }

func isMissing(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := strings.ToLower(cmdErr.Stderr)
	for _, marker := range []string{
		"can't find session",
		"can't find pane",
		"can't find window",
		"no server running",
		"session not found",
		"error connecting to",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func parsePaneID(out []byte) (string, error) {
	id := strings.TrimSpace(string(out))
	if !strings.HasPrefix(id, "%") {
		return "", fmt.Errorf("unexpected pane id %q", id)
	}
	return id, nil
}

func parsePanes(out []byte) []Pane {
	var panes []Pane
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "%") {
			continue
		}
		pane := Pane{ID: fields[0]}
		if len(fields) > 1 {
			pane.Window = fields[1]
		}
		if len(fields) > 2 {
			pane.Dead = fields[2] == "1"
		}
		panes = append(panes, pane)
	}
	return panes
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
