package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holon-run/shellpilot/pkg/backend"
)

type fakeTmux struct {
	out  string
	err  error
	args []string
}

func (f *fakeTmux) Run(_ context.Context, args ...string) ([]byte, error) {
	f.args = args
	return []byte(f.out), f.err
}

type fakeExec struct {
	err  error
	argv []string
}

func (f *fakeExec) Exec(_ context.Context, argv ...string) ([]byte, error) {
	f.argv = argv
	return nil, f.err
}

type fakeDetector struct {
	engine string
	err    error
}

func (f fakeDetector) Detect(context.Context) (string, error) { return f.engine, f.err }

func found(file string) (string, error) { return "/usr/bin/" + file, nil }

func missing(string) (string, error) { return "", errors.New("executable file not found in $PATH") }

func names(c *Checker) []string {
	var out []string
	for _, check := range c.Checks() {
		out = append(out, check.Name())
	}
	return out
}

func TestChecksPerTarget(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		expect string
	}{
		{"local", Config{Target: backend.Local()}, "tmux"},
		{"ssh", Config{Target: backend.SSH("build")}, "ssh"},
		{"docker", Config{Target: backend.Container("docker", "dev")}, "docker"},
		{"container detect", Config{Target: backend.Container("", "dev"), Detector: fakeDetector{engine: "podman"}}, "container-engine"},
		{"all", Config{Target: backend.Local(), Tmux: &fakeTmux{}, Exec: &fakeExec{}, TempDir: "/tmp/sp", StorePath: "/tmp/h.db"},
			"tmux,tmux-target,temp-dir,store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(names(NewChecker(tt.cfg)), ",")
			if got != tt.expect {
				t.Errorf("checks = %q, want %q", got, tt.expect)
			}
		})
	}
}

func TestToolCheck(t *testing.T) {
	check := &ToolCheck{Tool: "ssh", Hint: "install openssh", lookPath: found}
	result := check.Run(context.Background())
	if result.Level != LevelInfo || result.Name != "ssh" {
		t.Fatalf("unexpected result %+v", result)
	}

	check.lookPath = missing
	result = check.Run(context.Background())
	if result.Level != LevelError {
		t.Fatalf("expected LevelError, got %v", result.Level)
	}
	if !strings.Contains(result.Message, "install openssh") {
		t.Errorf("message should carry the hint: %q", result.Message)
	}
}

func TestTmuxCheck(t *testing.T) {
	runner := &fakeTmux{out: "tmux 3.4\n"}
	check := &TmuxCheck{Runner: runner, Target: "ssh:build"}

	result := check.Run(context.Background())
	if result.Level != LevelInfo {
		t.Fatalf("expected LevelInfo, got %v: %s", result.Level, result.Message)
	}
	if result.Message != "tmux 3.4 on ssh:build" {
		t.Errorf("message = %q", result.Message)
	}
	if strings.Join(runner.args, " ") != "-V" {
		t.Errorf("args = %v", runner.args)
	}

	runner.err = &backend.TransportError{Op: "exec", Target: "ssh:build", Err: errors.New("connection refused")}
	result = check.Run(context.Background())
	if result.Level != LevelError || result.Message != "cannot reach ssh:build" {
		t.Errorf("unexpected result %+v", result)
	}

	runner.err = errors.New("exit status 127")
	result = check.Run(context.Background())
	if result.Message != "tmux is not usable on ssh:build" {
		t.Errorf("message = %q", result.Message)
	}
}

func TestEngineCheck(t *testing.T) {
	result := (&EngineCheck{Detector: fakeDetector{engine: "docker"}}).Run(context.Background())
	if result.Level != LevelInfo || result.Message != "using docker" {
		t.Errorf("unexpected result %+v", result)
	}

	result = (&EngineCheck{Detector: fakeDetector{err: backend.ErrNoContainerEngine}}).Run(context.Background())
	if result.Level != LevelError || !errors.Is(result.Error, backend.ErrNoContainerEngine) {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestTempDirCheck(t *testing.T) {
	execer := &fakeExec{}
	result := (&TempDirCheck{Exec: execer, Path: "/tmp/shellpilot"}).Run(context.Background())
	if result.Level != LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", result.Level)
	}
	if strings.Join(execer.argv, " ") != "mkdir -p /tmp/shellpilot" {
		t.Errorf("argv = %v", execer.argv)
	}

	execer.err = errors.New("read-only file system")
	result = (&TempDirCheck{Exec: execer, Path: "/tmp/shellpilot"}).Run(context.Background())
	if result.Level != LevelError {
		t.Errorf("expected LevelError, got %v", result.Level)
	}
}

func TestStoreCheck(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()

	newDir := filepath.Join(tempDir, "state", "shellpilot")
	result := (&StoreCheck{Path: filepath.Join(newDir, "history.db")}).Run(ctx)
	if result.Level != LevelInfo {
		t.Fatalf("expected LevelInfo for creatable directory, got %v: %s", result.Level, result.Message)
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}

	blocker := filepath.Join(tempDir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	result = (&StoreCheck{Path: filepath.Join(blocker, "history.db")}).Run(ctx)
	if result.Level != LevelError {
		t.Errorf("expected LevelError when the parent is a file, got %v", result.Level)
	}
}

func TestCheckerRun(t *testing.T) {
	cfg := Config{
		Target:    backend.Local(),
		Tmux:      &fakeTmux{out: "tmux 3.4"},
		Exec:      &fakeExec{},
		TempDir:   "/tmp/shellpilot",
		StorePath: filepath.Join(t.TempDir(), "history.db"),
		LookPath:  found,
		Quiet:     true,
	}
	if err := NewChecker(cfg).Run(context.Background()); err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
}

func TestCheckerCollectsFailures(t *testing.T) {
	cfg := Config{
		Target:   backend.SSH("build"),
		Tmux:     &fakeTmux{err: errors.New("exit status 255")},
		LookPath: missing,
	}
	err := NewChecker(cfg).Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "preflight checks failed:") {
		t.Errorf("unexpected error %q", msg)
	}
	if !strings.Contains(msg, "ssh: ssh command not found") || !strings.Contains(msg, "tmux-target: tmux is not usable on ssh:build") {
		t.Errorf("expected both failures, got %q", msg)
	}
}

func TestCheckerSkip(t *testing.T) {
	checker := NewChecker(Config{Skip: true, LookPath: missing})
	if err := checker.Run(context.Background()); err != nil {
		t.Errorf("expected success when skipped, got error: %v", err)
	}
	if results := checker.Results(context.Background()); results != nil {
		t.Errorf("skipped checker should not run checks, got %v", results)
	}
}
