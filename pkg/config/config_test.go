package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/backend"
	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/redact"
)

// isolate points the default config location at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Agent.Name)
	assert.Equal(t, "local", cfg.Backend.Target)
	assert.Equal(t, 10*time.Minute, cfg.Backend.SSHControlPersist)
	assert.Equal(t, "tmux", cfg.Tmux.Binary)
	assert.Equal(t, "sp", cfg.Tmux.SessionPrefix)
	assert.Equal(t, "ask", cfg.Approval.Policy)
	assert.Equal(t, time.Duration(0), cfg.Tasks.DefaultTimeout)
	assert.Equal(t, time.Second, cfg.Tasks.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Tasks.DrainTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Shell.PollInterval)
	assert.Equal(t, 4, cfg.Shell.PollBurst)
	assert.Equal(t, "/tmp/shellpilot", cfg.Shell.TempDir)
	assert.Equal(t, 200, cfg.Shell.CaptureLines)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 500, cfg.Store.MaxHistory)
	assert.Equal(t, "basic", cfg.Store.Redact)
	assert.Equal(t, redact.ModeBasic, cfg.Redactor().Mode())
	assert.True(t, cfg.Serve.Stdio)
	assert.Equal(t, 1024, cfg.Serve.StreamBuffer)

	assert.Equal(t, "sp-default", cfg.SessionName())
	assert.Equal(t, "sp-default", cfg.HistoryID())
	assert.Equal(t, filepath.Join(dir, "state", "shellpilot", "history.db"), cfg.StorePath())
}

func TestLoadDefaultLocation(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shellpilot"), 0o755))
	writeConfig(t, filepath.Join(dir, "shellpilot"), "agent:\n  name: builder\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "builder", cfg.Agent.Name)
	assert.Equal(t, "sp-builder", cfg.SessionName())
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
agent:
  name: ops
  session_id: nightly
backend:
  target: ssh:build-host
  ssh_control_persist: 2m
  ssh_extra_args: ["-p", "2222"]
tmux:
  max_panes: 3
approval:
  policy: approve-for:15m
tasks:
  default_timeout: 30m
shell:
  poll_interval: 50ms
store:
  driver: memory
  max_history: 20
serve:
  http_addr: 127.0.0.1:7070
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, backend.SSH("build-host"), target)
	assert.Equal(t, backend.SSHOptions{ControlPersist: 2 * time.Minute, ExtraArgs: []string{"-p", "2222"}}, cfg.SSHOptions())
	assert.Equal(t, backend.Limits{MaxPanes: 3, SessionPrefix: "sp"}, cfg.Limits())
	assert.Equal(t, 30*time.Minute, cfg.Tasks.DefaultTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.ShellOptions().PollInterval)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, "127.0.0.1:7070", cfg.Serve.HTTPAddr)
	assert.Equal(t, "nightly", cfg.HistoryID())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy, err := cfg.Policy(now)
	require.NoError(t, err)
	assert.Equal(t, approval.AutoApproveUntil(now.Add(15*time.Minute)), policy)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "tmux:\n  max_panes: 3\napproval:\n  policy: ask\n")
	t.Setenv("SHELLPILOT_TMUX_MAX_PANES", "7")
	t.Setenv("SHELLPILOT_APPROVAL_POLICY", "deny")
	t.Setenv("SHELLPILOT_TASKS_DRAIN_TIMEOUT", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Tmux.MaxPanes)
	assert.Equal(t, "deny", cfg.Approval.Policy)
	assert.Equal(t, time.Second, cfg.Tasks.DrainTimeout)
}

func TestValidationCollectsErrors(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
backend:
  target: ftp:somewhere
approval:
  policy: sometimes
logging:
  level: chatty
store:
  driver: postgres
  redact: paranoid
`)

	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "config validation failed")
	assert.Contains(t, msg, "backend.target")
	assert.Contains(t, msg, "approval.policy")
	assert.Contains(t, msg, "logging.level")
	assert.Contains(t, msg, "store.driver")
	assert.Contains(t, msg, "store.redact")
}

func TestRuntimeConfig(t *testing.T) {
	isolate(t)
	t.Setenv("SHELLPILOT_APPROVAL_POLICY", "approve")
	t.Setenv("SHELLPILOT_STORE_MAX_HISTORY", "9")

	cfg, err := Load("")
	require.NoError(t, err)

	rc, err := cfg.RuntimeConfig(time.Now(), "tmux attach -t sp-default")
	require.NoError(t, err)
	assert.Equal(t, "sp-default", rc.SessionID)
	assert.Equal(t, "local", rc.Target)
	assert.Equal(t, "tmux attach -t sp-default", rc.Attach)
	assert.Equal(t, approval.AutoApprove(), rc.Policy)
	assert.Equal(t, 9, rc.MaxHistory)
	assert.Equal(t, 1024, rc.EventBuffer)

	opts, err := cfg.BackendOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, backend.Local(), opts.Target)
	assert.Equal(t, "default", opts.Agent)
	assert.Equal(t, "tmux", opts.TmuxBinary)
}

func TestLogConfig(t *testing.T) {
	isolate(t)
	t.Setenv("SHELLPILOT_LOGGING_LEVEL", "DEBUG")
	t.Setenv("SHELLPILOT_LOGGING_FORMAT", "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, splog.Config{Level: splog.LevelDebug, Format: splog.FormatJSON}, cfg.LogConfig())
}

func TestRenderDurationsAsText(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	out, err := cfg.Render()
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "1s", doc["tasks"]["sweep_interval"])
	assert.Equal(t, "5s", doc["tasks"]["drain_timeout"])
	assert.Equal(t, "200ms", doc["shell"]["poll_interval"])
	assert.Equal(t, "10m0s", doc["backend"]["ssh_control_persist"])
	assert.Equal(t, "local", doc["backend"]["target"])
	assert.Equal(t, 4, doc["shell"]["poll_burst"])
}

func TestSetTarget(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	target, err := cfg.SetTarget("docker:dev")
	require.NoError(t, err)
	assert.Equal(t, backend.Container("docker", "dev"), target)
	assert.Equal(t, "docker:dev", cfg.Backend.Target)

	_, err = cfg.SetTarget("ftp:x")
	require.Error(t, err)
	assert.Equal(t, "docker:dev", cfg.Backend.Target)
}
