// Package config loads shellpilot configuration from defaults, an optional
// YAML file and SHELLPILOT_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/backend"
	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/redact"
	"github.com/holon-run/shellpilot/pkg/runtime"
	"github.com/holon-run/shellpilot/pkg/shell"
)

// EnvPrefix prefixes every environment override: tmux.max_panes is read
// from SHELLPILOT_TMUX_MAX_PANES.
const EnvPrefix = "SHELLPILOT"

type Config struct {
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Backend  BackendConfig  `mapstructure:"backend" yaml:"backend"`
	Tmux     TmuxConfig     `mapstructure:"tmux" yaml:"tmux"`
	Approval ApprovalConfig `mapstructure:"approval" yaml:"approval"`
	Tasks    TasksConfig    `mapstructure:"tasks" yaml:"tasks"`
	Shell    ShellConfig    `mapstructure:"shell" yaml:"shell"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Serve    ServeConfig    `mapstructure:"serve" yaml:"serve"`
}

type AgentConfig struct {
	// Name identifies the agent; the tmux session is <prefix>-<name>.
	Name string `mapstructure:"name" yaml:"name"`
	// SessionID keys the task history. Defaults to the tmux session name.
	SessionID string `mapstructure:"session_id" yaml:"session_id"`
}

type BackendConfig struct {
	// Target is local, ssh:<host>, docker:<c>, podman:<c> or container:<c>.
	Target            string        `mapstructure:"target" yaml:"target"`
	SSHControlDir     string        `mapstructure:"ssh_control_dir" yaml:"ssh_control_dir"`
	SSHControlPersist time.Duration `mapstructure:"ssh_control_persist" yaml:"ssh_control_persist"`
	SSHExtraArgs      []string      `mapstructure:"ssh_extra_args" yaml:"ssh_extra_args"`
}

type TmuxConfig struct {
	Binary        string `mapstructure:"binary" yaml:"binary"`
	SessionPrefix string `mapstructure:"session_prefix" yaml:"session_prefix"`
	// MaxSessions and MaxPanes of 0 mean unlimited.
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxPanes    int `mapstructure:"max_panes" yaml:"max_panes"`
}

type ApprovalConfig struct {
	// Policy is ask, approve, deny, approve-for:<d> or approve-until:<RFC3339>.
	Policy string `mapstructure:"policy" yaml:"policy"`
}

type TasksConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

type ShellConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollBurst    int           `mapstructure:"poll_burst" yaml:"poll_burst"`
	TempDir      string        `mapstructure:"temp_dir" yaml:"temp_dir"`
	CaptureLines int           `mapstructure:"capture_lines" yaml:"capture_lines"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type StoreConfig struct {
	// Driver is sqlite, memory or none.
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	// MaxHistory bounds stored tasks per session; 0 keeps everything.
	MaxHistory int `mapstructure:"max_history" yaml:"max_history"`
	// Redact is off, basic or aggressive; RedactKeys adds assignment key
	// suffixes to mask, e.g. _DSN.
	Redact     string   `mapstructure:"redact" yaml:"redact"`
	RedactKeys []string `mapstructure:"redact_keys" yaml:"redact_keys"`
}

type ServeConfig struct {
	// HTTPAddr enables the HTTP/websocket frontend when set.
	HTTPAddr     string `mapstructure:"http_addr" yaml:"http_addr"`
	Stdio        bool   `mapstructure:"stdio" yaml:"stdio"`
	StreamBuffer int    `mapstructure:"stream_buffer" yaml:"stream_buffer"`
}

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreNone   = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "default")
	v.SetDefault("agent.session_id", "")

	v.SetDefault("backend.target", "local")
	v.SetDefault("backend.ssh_control_dir", "")
	v.SetDefault("backend.ssh_control_persist", "10m")
	v.SetDefault("backend.ssh_extra_args", []string{})

	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.session_prefix", "sp")
	v.SetDefault("tmux.max_sessions", 0)
	v.SetDefault("tmux.max_panes", 0)

	v.SetDefault("approval.policy", "ask")

	v.SetDefault("tasks.default_timeout", "0s")
	v.SetDefault("tasks.sweep_interval", "1s")
	v.SetDefault("tasks.drain_timeout", "5s")

	shellDefaults := shell.DefaultOptions()
	v.SetDefault("shell.poll_interval", shellDefaults.PollInterval.String())
	v.SetDefault("shell.poll_burst", shellDefaults.PollBurst)
	v.SetDefault("shell.temp_dir", shellDefaults.TempDir)
	v.SetDefault("shell.capture_lines", shellDefaults.CaptureLines)

	v.SetDefault("logging.level", string(splog.LevelProgress))
	v.SetDefault("logging.format", splog.FormatConsole)

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", "")
	v.SetDefault("store.max_history", 500)
	v.SetDefault("store.redact", string(redact.ModeBasic))
	v.SetDefault("store.redact_keys", []string{})

	v.SetDefault("serve.http_addr", "")
	v.SetDefault("serve.stdio", true)
	v.SetDefault("serve.stream_buffer", 1024)
}

// DefaultPath is $XDG_CONFIG_HOME/shellpilot/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "shellpilot", "config.yaml")
}

// Load reads the configuration. An explicit path must exist; without one
// the default location is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if def := DefaultPath(); def != "" {
		v.SetConfigFile(def)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file %s: %w", def, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if _, err := backend.ParseTarget(cfg.Backend.Target); err != nil {
		errs = append(errs, fmt.Sprintf("backend.target: %v", err))
	}
	if cfg.Tmux.Binary == "" {
		errs = append(errs, "tmux.binary is required")
	}
	if cfg.Tmux.MaxSessions < 0 || cfg.Tmux.MaxPanes < 0 {
		errs = append(errs, "tmux.max_sessions and tmux.max_panes must not be negative")
	}
	if _, err := approval.ParsePolicy(cfg.Approval.Policy, time.Now()); err != nil {
		errs = append(errs, fmt.Sprintf("approval.policy: %v", err))
	}
	if cfg.Tasks.DefaultTimeout < 0 || cfg.Tasks.DrainTimeout < 0 {
		errs = append(errs, "tasks durations must not be negative")
	}
	if cfg.Tasks.SweepInterval <= 0 {
		errs = append(errs, "tasks.sweep_interval must be positive")
	}
	if cfg.Shell.PollInterval <= 0 || cfg.Shell.PollBurst <= 0 {
		errs = append(errs, "shell.poll_interval and shell.poll_burst must be positive")
	}
	if cfg.Shell.TempDir == "" {
		errs = append(errs, "shell.temp_dir is required")
	}
	if _, ok := splog.ParseLevel(strings.ToLower(cfg.Logging.Level)); !ok {
		errs = append(errs, "logging.level must be one of: debug, info, progress, minimal, warn, error")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case splog.FormatConsole, splog.FormatJSON, "text":
	default:
		errs = append(errs, "logging.format must be one of: console, json")
	}
	switch cfg.Store.Driver {
	case StoreSQLite, StoreMemory, StoreNone:
	default:
		errs = append(errs, "store.driver must be one of: sqlite, memory, none")
	}
	if cfg.Store.MaxHistory < 0 {
		errs = append(errs, "store.max_history must not be negative")
	}
	if _, err := redact.ParseMode(cfg.Store.Redact); err != nil {
		errs = append(errs, fmt.Sprintf("store.redact: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SetTarget overrides backend.target after validating it.
func (c *Config) SetTarget(s string) (backend.Target, error) {
	t, err := backend.ParseTarget(s)
	if err != nil {
		return backend.Target{}, err
	}
	c.Backend.Target = t.String()
	return t, nil
}

// Target parses backend.target.
func (c *Config) Target() (backend.Target, error) {
	return backend.ParseTarget(c.Backend.Target)
}

func (c *Config) SSHOptions() backend.SSHOptions {
	return backend.SSHOptions{
		ControlDir:     c.Backend.SSHControlDir,
		ControlPersist: c.Backend.SSHControlPersist,
		ExtraArgs:      c.Backend.SSHExtraArgs,
	}
}

// BackendOptions builds backend.New options sharing registry.
func (c *Config) BackendOptions(registry *backend.Registry) (backend.Options, error) {
	target, err := c.Target()
	if err != nil {
		return backend.Options{}, err
	}
	return backend.Options{
		Target:        target,
		Agent:         c.Agent.Name,
		SessionPrefix: c.Tmux.SessionPrefix,
		TmuxBinary:    c.Tmux.Binary,
		SSH:           c.SSHOptions(),
		Registry:      registry,
	}, nil
}

// RuntimeConfig fills the runtime settings; attach is shown to frontends.
func (c *Config) RuntimeConfig(now time.Time, attach string) (runtime.Config, error) {
	policy, err := c.Policy(now)
	if err != nil {
		return runtime.Config{}, err
	}
	rc := runtime.DefaultConfig()
	rc.SessionID = c.HistoryID()
	rc.Target = c.Backend.Target
	rc.Attach = attach
	rc.Policy = policy
	rc.DefaultTimeout = c.Tasks.DefaultTimeout
	rc.SweepInterval = c.Tasks.SweepInterval
	rc.DrainTimeout = c.Tasks.DrainTimeout
	rc.MaxHistory = c.Store.MaxHistory
	if c.Serve.StreamBuffer > 0 {
		rc.EventBuffer = c.Serve.StreamBuffer
	}
	return rc, nil
}

func (c *Config) Limits() backend.Limits {
	return backend.Limits{
		MaxSessions:   c.Tmux.MaxSessions,
		MaxPanes:      c.Tmux.MaxPanes,
		SessionPrefix: c.Tmux.SessionPrefix,
	}
}

func (c *Config) ShellOptions() shell.Options {
	return shell.Options{
		PollInterval: c.Shell.PollInterval,
		PollBurst:    c.Shell.PollBurst,
		TempDir:      c.Shell.TempDir,
		CaptureLines: c.Shell.CaptureLines,
	}
}

// Redactor masks secrets in stored task history.
func (c *Config) Redactor() *redact.Redactor {
	mode, _ := redact.ParseMode(c.Store.Redact)
	return redact.New(redact.Config{Mode: mode, ExtraKeys: c.Store.RedactKeys})
}

func (c *Config) Policy(now time.Time) (approval.Policy, error) {
	return approval.ParsePolicy(c.Approval.Policy, now)
}

func (c *Config) LogConfig() splog.Config {
	level, _ := splog.ParseLevel(strings.ToLower(c.Logging.Level))
	return splog.Config{Level: level, Format: strings.ToLower(c.Logging.Format)}
}

// SessionName is the tmux session the agent works in.
func (c *Config) SessionName() string {
	return backend.SessionName(c.Tmux.SessionPrefix, c.Agent.Name)
}

// HistoryID keys the stored task history.
func (c *Config) HistoryID() string {
	if c.Agent.SessionID != "" {
		return c.Agent.SessionID
	}
	return c.SessionName()
}

// StorePath resolves store.path, defaulting under $XDG_STATE_HOME.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "shellpilot", "history.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "shellpilot", "history.db")
}

// Render returns the effective configuration as YAML.
func (c *Config) Render() ([]byte, error) {
	return yaml.Marshal(c)
}

// Durations render in Go syntax rather than as nanosecond counts.

func (b BackendConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"target":              b.Target,
		"ssh_control_dir":     b.SSHControlDir,
		"ssh_control_persist": b.SSHControlPersist.String(),
		"ssh_extra_args":      b.SSHExtraArgs,
	}, nil
}

func (t TasksConfig) MarshalYAML() (interface{}, error) {
	return map[string]string{
		"default_timeout": t.DefaultTimeout.String(),
		"sweep_interval":  t.SweepInterval.String(),
		"drain_timeout":   t.DrainTimeout.String(),
	}, nil
}

func (s ShellConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"poll_interval": s.PollInterval.String(),
		"poll_burst":    s.PollBurst,
		"temp_dir":      s.TempDir,
		"capture_lines": s.CaptureLines,
	}, nil
}
