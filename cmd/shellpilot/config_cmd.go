package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/shellpilot/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the effective configuration: defaults, then the config file, then
SHELLPILOT_<SECTION>_<KEY> environment variables, then command-line flags.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := cfg.Render()
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default config file location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.DefaultPath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
