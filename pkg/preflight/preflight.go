package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/holon-run/shellpilot/pkg/backend"
	splog "github.com/holon-run/shellpilot/pkg/log"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents execution
	LevelError CheckLevel = iota
	// LevelWarn indicates a warning that should be addressed but doesn't block execution
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

func (l CheckLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	default:
		return "info"
	}
}

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string     // Check name
	Level   CheckLevel // Severity level
	Message string     // Human-readable message
	Error   error      // Underlying error (if any)
}

// Check represents a single preflight check
type Check interface {
	// Name returns the check name
	Name() string
	// Run executes the check and returns a CheckResult
	Run(ctx context.Context) CheckResult
}

// TmuxRunner runs a tmux subcommand on the execution target.
type TmuxRunner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// Execer runs a helper command on the execution target.
type Execer interface {
	Exec(ctx context.Context, argv ...string) ([]byte, error)
}

// EngineDetector resolves the container engine for container:<name> targets.
type EngineDetector interface {
	Detect(ctx context.Context) (string, error)
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	skipped bool
	quiet   bool
}

// Config configures the preflight checker
type Config struct {
	// Skip skips all preflight checks
	Skip bool
	// Quiet suppresses info-level messages
	Quiet bool
	// Target selects the client-side tools that must be installed.
	Target backend.Target
	// Tmux, when set, verifies tmux answers on the target.
	Tmux TmuxRunner
	// Exec and TempDir, when both set, verify the output directory can be
	// created on the target.
	Exec    Execer
	TempDir string
	// Detector is consulted for container targets without an engine.
	Detector EngineDetector
	// StorePath is the local history database; its directory must be writable.
	StorePath string
	// LookPath replaces exec.LookPath, mainly for tests.
	LookPath func(file string) (string, error)
}

// NewChecker creates a new preflight checker with the given configuration
func NewChecker(cfg Config) *Checker {
	c := &Checker{
		skipped: cfg.Skip,
		quiet:   cfg.Quiet,
	}
	lookPath := cfg.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	switch cfg.Target.Kind {
	case backend.KindSSH:
		c.checks = append(c.checks, &ToolCheck{
			Tool:     "ssh",
			Hint:     "install an OpenSSH client to reach " + cfg.Target.Host,
			lookPath: lookPath,
		})
	case backend.KindContainer:
		if cfg.Target.Engine == "" {
			if cfg.Detector != nil {
				c.checks = append(c.checks, &EngineCheck{Detector: cfg.Detector})
			}
		} else {
			c.checks = append(c.checks, &ToolCheck{
				Tool:     cfg.Target.Engine,
				Hint:     fmt.Sprintf("install the %s CLI to exec into %s", cfg.Target.Engine, cfg.Target.Container),
				lookPath: lookPath,
			})
		}
	default:
		c.checks = append(c.checks, &ToolCheck{
			Tool:     "tmux",
			Hint:     "install tmux from your package manager (e.g. apt install tmux, brew install tmux)",
			lookPath: lookPath,
		})
	}
	if cfg.Tmux != nil {
		c.checks = append(c.checks, &TmuxCheck{Runner: cfg.Tmux, Target: cfg.Target.String()})
	}
	if cfg.Exec != nil && cfg.TempDir != "" {
		c.checks = append(c.checks, &TempDirCheck{Exec: cfg.Exec, Path: cfg.TempDir})
	}
	if cfg.StorePath != "" {
		c.checks = append(c.checks, &StoreCheck{Path: cfg.StorePath})
	}

	return c
}

// Checks lists the registered checks in run order.
func (c *Checker) Checks() []Check { return c.checks }

// Results runs every check without logging or aggregating.
func (c *Checker) Results(ctx context.Context) []CheckResult {
	if c.skipped {
		return nil
	}
	results := make([]CheckResult, 0, len(c.checks))
	for _, check := range c.checks {
		results = append(results, check.Run(ctx))
	}
	return results
}

// Run executes all registered checks and returns an error if any critical checks fail
func (c *Checker) Run(ctx context.Context) error {
	if c.skipped {
		splog.Info("preflight checks skipped")
		return nil
	}

	splog.Progress("running preflight checks")

	var errs []error
	var warnings []string

	for _, result := range c.Results(ctx) {
		switch result.Level {
		case LevelError:
			splog.Error("preflight check failed", "check", result.Name, "message", result.Message)
			if result.Error != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", result.Name, result.Message, result.Error))
			} else {
				errs = append(errs, fmt.Errorf("%s: %s", result.Name, result.Message))
			}
		case LevelWarn:
			splog.Warn("preflight check warning", "check", result.Name, "message", result.Message)
			warnings = append(warnings, fmt.Sprintf("%s: %s", result.Name, result.Message))
		case LevelInfo:
			if !c.quiet {
				splog.Info("preflight check", "check", result.Name, "message", result.Message)
			}
		}
	}

	if len(warnings) > 0 {
		splog.Info("preflight warnings", "count", len(warnings))
	}

	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}

	splog.Progress("preflight checks passed")
	return nil
}

// ToolCheck checks that a client-side binary is on PATH
type ToolCheck struct {
	Tool string
	Hint string

	lookPath func(file string) (string, error)
}

func (c *ToolCheck) Name() string {
	return c.Tool
}

func (c *ToolCheck) Run(ctx context.Context) CheckResult {
	lookPath := c.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(c.Tool)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("%s command not found; %s", c.Tool, c.Hint),
			Error:   err,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("%s is available (%s)", c.Tool, path),
	}
}

// TmuxCheck runs `tmux -V` through the target's launcher, which also proves
// the transport (ssh, container exec) works.
type TmuxCheck struct {
	Runner TmuxRunner
	Target string
}

func (c *TmuxCheck) Name() string {
	return "tmux-target"
}

func (c *TmuxCheck) Run(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := c.Runner.Run(checkCtx, "-V")
	if err != nil {
		msg := fmt.Sprintf("tmux is not usable on %s", c.Target)
		var te *backend.TransportError
		if errors.As(err, &te) {
			msg = fmt.Sprintf("cannot reach %s", c.Target)
		}
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: msg,
			Error:   err,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("%s on %s", strings.TrimSpace(string(out)), c.Target),
	}
}

// EngineCheck checks that docker or podman is reachable
type EngineCheck struct {
	Detector EngineDetector
}

func (c *EngineCheck) Name() string {
	return "container-engine"
}

func (c *EngineCheck) Run(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	engine, err := c.Detector.Detect(checkCtx)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: "no container engine is reachable; start the Docker daemon or install podman",
			Error:   err,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("using %s", engine),
	}
}

// TempDirCheck creates the per-invocation output directory on the target
type TempDirCheck struct {
	Exec Execer
	Path string
}

func (c *TempDirCheck) Name() string {
	return "temp-dir"
}

func (c *TempDirCheck) Run(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := c.Exec.Exec(checkCtx, "mkdir", "-p", c.Path); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot create %s on the target", c.Path),
			Error:   err,
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("output directory ready: %s", c.Path),
	}
}

// StoreCheck checks that the history database directory is writable
type StoreCheck struct {
	Path string
}

func (c *StoreCheck) Name() string {
	return "store"
}

func (c *StoreCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("failed to resolve store path: %s", c.Path),
			Error:   err,
		}
	}
	dir := filepath.Dir(absPath)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelError,
				Message: fmt.Sprintf("cannot create store directory: %s", dir),
				Error:   err,
			}
		}
	case err != nil:
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot access store directory: %s", dir),
			Error:   err,
		}
	case !info.IsDir():
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("store directory is not a directory: %s", dir),
			Error:   fmt.Errorf("not a directory"),
		}
	}

	// Check if directory is writable by creating a temporary file
	testFile := filepath.Join(dir, fmt.Sprintf(".shellpilot-write-test-%d", os.Getpid()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("store directory is not writable: %s", dir),
			Error:   err,
		}
	}
	f.Close()
	_ = os.Remove(testFile)

	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("store directory is writable: %s", dir),
	}
}
