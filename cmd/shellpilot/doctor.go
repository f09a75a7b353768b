package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/shellpilot/pkg/preflight"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that tmux, the transport and the history store are usable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()
		failed := 0
		for _, r := range newChecker(b, false).Results(cmd.Context()) {
			fmt.Fprintf(cmd.OutOrStdout(), "%-5s %-16s %s\n", r.Level, r.Name, r.Message)
			if r.Error != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "      %-16s %v\n", "", r.Error)
			}
			if r.Level == preflight.LevelError {
				failed++
			}
		}
		if failed > 0 {
			return errors.New("some checks failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
