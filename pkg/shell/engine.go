// Package shell runs commands inside a backend's tmux pane and collects
// their exit code, stdout and stderr.
package shell

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"golang.org/x/time/rate"

	"github.com/holon-run/shellpilot/pkg/backend"
	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/tmux"
)

type Mode int

const (
	// ModeWait blocks until the command finishes or ctx is done.
	ModeWait Mode = iota
	// ModeWaitWithTimeout blocks at most Invocation.Timeout.
	ModeWaitWithTimeout
	// ModeNoWait returns as soon as the command has been typed.
	ModeNoWait
)

func (m Mode) String() string {
	switch m {
	case ModeWait:
		return "wait"
	case ModeWaitWithTimeout:
		return "wait_with_timeout"
	case ModeNoWait:
		return "no_wait"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

type Invocation struct {
	Command string
	Mode    Mode
	Timeout time.Duration
}

func Wait(command string) Invocation { return Invocation{Command: command, Mode: ModeWait} }

func WaitWithTimeout(command string, d time.Duration) Invocation {
	return Invocation{Command: command, Mode: ModeWaitWithTimeout, Timeout: d}
}

func NoWait(command string) Invocation { return Invocation{Command: command, Mode: ModeNoWait} }

// Ack acknowledges a NoWait dispatch.
type Ack struct {
	PaneID       string    `json:"pane_id"`
	Command      string    `json:"command"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Result holds exactly one of Output (wait modes) or Ack (NoWait).
type Result struct {
	PaneID string
	Output *ExecOutput
	Ack    *Ack
}

// Target is the slice of *backend.Backend the engine drives.
type Target interface {
	EnsurePane(ctx context.Context) (backend.EnsuredPane, error)
	ResetPane(ctx context.Context) (backend.EnsuredPane, error)
	Capture(ctx context.Context, opts tmux.CaptureOptions) (string, error)
	SendKeys(ctx context.Context, opts tmux.SendKeysOptions) error
	Interrupt(ctx context.Context, paneID string) error
	Exec(ctx context.Context, argv ...string) ([]byte, error)
}

type Options struct {
	// PollInterval paces capture-pane polling across all invocations.
	PollInterval time.Duration
	PollBurst    int
	// TempDir on the target receives per-invocation stdout/stderr files.
	TempDir string
	// CaptureLines is how much scrollback each poll inspects.
	CaptureLines int
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 200 * time.Millisecond,
		PollBurst:    4,
		TempDir:      "/tmp/shellpilot",
		CaptureLines: 200,
	}
}

// Engine dispatches invocations into a target's pane. It is safe for
// concurrent use.
//
// The pane is leased to one wait-mode command at a time, from dispatch until
// its marker appears, so the pane's foreground command always belongs to the
// lease holder. Cancelling the holder's context sends C-c to the pane;
// cancelling a caller still queued for the lease sends nothing, since none of
// its input was typed. A WaitWithTimeout that expires keeps the lease until
// the abandoned command prints its marker.
type Engine struct {
	target  Target
	opts    Options
	limiter *rate.Limiter
	lease   chan struct{}

	now      func() time.Time
	newToken func() string
}

func NewEngine(target Target, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.PollBurst <= 0 {
		opts.PollBurst = def.PollBurst
	}
	if opts.TempDir == "" {
		opts.TempDir = def.TempDir
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = def.CaptureLines
	}
	return &Engine{
		target:   target,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.PollInterval), opts.PollBurst),
		lease:    make(chan struct{}, 1),
		now:      time.Now,
		newToken: newToken,
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Run dispatches inv. Wait modes return Output; NoWait returns Ack. A
// WaitWithTimeout that expires returns a *TimeoutError and leaves the
// command running.
func (e *Engine) Run(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(inv.Command) == "" {
		return Result{}, errors.New("empty command")
	}
	if inv.Mode == ModeWaitWithTimeout && inv.Timeout <= 0 {
		return Result{}, fmt.Errorf("wait_with_timeout requires a positive timeout, got %s", inv.Timeout)
	}

	logger := splog.Named("shell")
	if err := e.acquire(ctx); err != nil {
		return Result{}, err
	}
	held := true
	defer func() {
		if held {
			e.release()
		}
	}()

	if inv.Mode == ModeNoWait {
		paneID, err := e.dispatch(ctx, inv.Command)
		if err != nil {
			return Result{}, err
		}
		logger.Debugw("command dispatched", "pane_id", paneID, "mode", inv.Mode)
		return Result{PaneID: paneID, Ack: &Ack{PaneID: paneID, Command: inv.Command, DispatchedAt: e.now()}}, nil
	}

	tok := e.newToken()
	files := e.files(tok)
	paneID, err := e.dispatch(ctx, wrapCommand(inv.Command, tok, files))
	if err != nil {
		return Result{}, err
	}
	logger.Debugw("command dispatched", "pane_id", paneID, "mode", inv.Mode, "token", tok)

	waitCtx := ctx
	if inv.Mode == ModeWaitWithTimeout {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	code, err := e.awaitMarker(waitCtx, paneID, tok)
	if err != nil {
		switch {
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			logger.Infow("command still running after timeout", "pane_id", paneID, "timeout", inv.Timeout)
			held = false
			go e.linger(paneID, tok, files)
			return Result{PaneID: paneID}, &TimeoutError{Command: inv.Command, PaneID: paneID, After: inv.Timeout}
		case ctx.Err() != nil:
			e.abort(paneID, files)
		}
		return Result{PaneID: paneID}, err
	}

	out, err := e.collect(ctx, files, code)
	if err != nil {
		return Result{PaneID: paneID}, err
	}
	return Result{PaneID: paneID, Output: &out}, nil
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.lease <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.lease }

// abort interrupts the lease holder's own command after its caller gave up,
// and drops its output files. It runs before the lease is released.
func (e *Engine) abort(paneID string, files outputFiles) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := splog.Named("shell")
	if err := e.target.Interrupt(ctx, paneID); err != nil {
		logger.Warnw("interrupt failed", "pane_id", paneID, "error", err)
	}
	e.removeFiles(ctx, files)
}

// linger holds the lease for a command whose caller stopped waiting on a
// timeout, until the command prints its marker or the pane becomes
// unreadable.
func (e *Engine) linger(paneID, tok string, files outputFiles) {
	defer e.release()
	logger := splog.Named("shell")
	code, err := e.awaitMarker(context.Background(), paneID, tok)
	if err != nil {
		logger.Warnw("lost track of timed-out command", "pane_id", paneID, "error", err)
		return
	}
	logger.Infow("timed-out command finished", "pane_id", paneID, "exit_code", code)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.removeFiles(ctx, files)
}

// dispatch types script into the pane. When the cached pane turns out to be
// gone it resets the pane once and retries.
func (e *Engine) dispatch(ctx context.Context, script string) (string, error) {
	ensured, err := e.target.EnsurePane(ctx)
	if err != nil {
		return "", err
	}
	err = e.send(ctx, ensured.PaneID, script)
	if err == nil || !errors.Is(err, backend.ErrPaneGone) {
		return ensured.PaneID, err
	}

	splog.Named("shell").Warnw("pane vanished, recreating", "pane_id", ensured.PaneID)
	ensured, err = e.target.ResetPane(ctx)
	if err != nil {
		return "", err
	}
	return ensured.PaneID, e.send(ctx, ensured.PaneID, script)
}

func (e *Engine) send(ctx context.Context, paneID, script string) error {
	return e.target.SendKeys(ctx, tmux.SendKeysOptions{Target: paneID, Literal: script, PressEnter: true})
}

func (e *Engine) awaitMarker(ctx context.Context, paneID, tok string) (int, error) {
	marker := markerPattern(tok)
	opts := tmux.LastLines(e.opts.CaptureLines)
	opts.Target = paneID
	for {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			// Wait also fails when the deadline is closer than the next token.
			<-ctx.Done()
			return 0, ctx.Err()
		}
		screen, err := e.target.Capture(ctx, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, err
		}
		if m := marker.FindStringSubmatch(screen); m != nil {
			code, err := strconv.Atoi(m[1])
			if err != nil {
				return 0, fmt.Errorf("bad exit code %q in marker", m[1])
			}
			return code, nil
		}
	}
}

type outputFiles struct {
	stdout string
	stderr string
}

func (e *Engine) files(tok string) outputFiles {
	return outputFiles{
		stdout: path.Join(e.opts.TempDir, tok+".out"),
		stderr: path.Join(e.opts.TempDir, tok+".err"),
	}
}

func (e *Engine) collect(ctx context.Context, files outputFiles, code int) (ExecOutput, error) {
	stdout, err := e.target.Exec(ctx, "cat", files.stdout)
	if err != nil {
		return ExecOutput{}, fmt.Errorf("read stdout: %w", err)
	}
	stderr, err := e.target.Exec(ctx, "cat", files.stderr)
	if err != nil {
		return ExecOutput{}, fmt.Errorf("read stderr: %w", err)
	}
	e.removeFiles(ctx, files)
	return ExecOutput{ExitCode: code, Stdout: string(stdout), Stderr: string(stderr)}, nil
}

func (e *Engine) removeFiles(ctx context.Context, files outputFiles) {
	if _, err := e.target.Exec(ctx, "rm", "-f", files.stdout, files.stderr); err != nil {
		splog.Named("shell").Warnw("failed to remove output files", "stdout", files.stdout, "error", err)
	}
}

const markerFormat = "__SP_%s_DONE__"

func markerPattern(tok string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(fmt.Sprintf(markerFormat, tok)) + ` (\d+)\s*$`)
}

// wrapCommand redirects the command's output into files and prints the
// completion marker with its exit status. The marker is assembled by printf
// so the echoed command line never matches it. A newline rather than ";"
// closes the group so trailing comments and "&" stay valid.
func wrapCommand(command, tok string, files outputFiles) string {
	dir := path.Dir(files.stdout)
	return fmt.Sprintf("mkdir -p %s; { %s\n} >%s 2>%s </dev/null; printf '%s %%d\\n' %s \"$?\"",
		shellquote.Join(dir), command, shellquote.Join(files.stdout), shellquote.Join(files.stderr),
		fmt.Sprintf(markerFormat, "%s"), tok)
}
