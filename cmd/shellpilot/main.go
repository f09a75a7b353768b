package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/holon-run/shellpilot/pkg/config"
	splog "github.com/holon-run/shellpilot/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	agentName  string
	targetFlag string

	// cfg is loaded once per invocation by the root PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shellpilot",
	Short: "shellpilot drives a terminal agent's shell inside tmux, locally, over ssh or in a container.",
	Long: `shellpilot runs shell commands for an agent inside a dedicated tmux pane.

The pane lives on the execution target (this machine, an ssh host or a
container), so a human can attach and watch. Every command passes an approval
gate before it is typed into the pane.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		if _, ok := splog.ParseLevel(logLevel); !ok {
			return fmt.Errorf("invalid --log-level %q", logLevel)
		}
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if agentName != "" {
		c.Agent.Name = agentName
	}
	if targetFlag != "" {
		if _, err := c.SetTarget(targetFlag); err != nil {
			return err
		}
	}
	if err := splog.Init(c.LogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = c
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config file (default $XDG_CONFIG_HOME/shellpilot/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, progress, minimal, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: console or json")
	flags.StringVarP(&agentName, "agent", "a", "", "Agent name; selects the tmux session")
	flags.StringVarP(&targetFlag, "target", "t", "", "Execution target: local, ssh:<host>, docker:<c>, podman:<c>, container:<c>")
}

// run executes the CLI and returns the process exit code.
func run() int {
	defer func() { _ = splog.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		var code exitCodeError
		if errors.As(err, &code) {
			return int(code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
