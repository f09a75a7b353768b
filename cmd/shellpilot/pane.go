package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/shellpilot/pkg/backend"
	"github.com/holon-run/shellpilot/pkg/tmux"
)

var (
	captureLines   int
	captureEscapes bool
	capturePane    string

	sendLiteral string
	sendEnter   bool
	sendPane    string
	sendDelay   time.Duration

	attachJSON bool
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Print the agent pane's screen and recent history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()
		opts := tmux.DefaultCaptureOptions()
		if captureLines > 0 {
			opts = tmux.LastLines(captureLines)
		}
		opts.IncludeEscapeSequences = captureEscapes
		opts.Target = capturePane

		out, err := b.Capture(cmd.Context(), opts)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var sendKeysCmd = &cobra.Command{
	Use:   "send-keys [key...]",
	Short: "Type into the agent pane",
	Long: `Type into the agent pane.

--literal text is sent verbatim first, then each named key (tmux key names such
as C-c, Escape or Up), then Enter when --enter is given.

Examples:
  shellpilot send-keys C-c
  shellpilot send-keys --literal 'q'
  shellpilot send-keys --literal 'yes' --enter`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendLiteral == "" && len(args) == 0 && !sendEnter {
			return errors.New("nothing to send: give keys, --literal or --enter")
		}
		b, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()
		opts := tmux.DefaultSendKeysOptions()
		opts.Target = sendPane
		opts.Literal = sendLiteral
		opts.Keys = args
		opts.PressEnter = sendEnter
		opts.Delay = sendDelay
		return b.SendKeys(cmd.Context(), opts)
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Show how to attach to the agent's tmux session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()
		desc := b.Attach()
		if attachJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(desc)
		}
		fmt.Fprintln(cmd.OutOrStdout(), desc.Instructions)
		fmt.Fprintln(cmd.OutOrStdout(), "  "+desc.Command)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Kill the agent's tmux session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.KillSession(cmd.Context()); err != nil && !errors.Is(err, backend.ErrPaneGone) {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "killed session %s\n", b.Session())
		return nil
	},
}

func init() {
	captureCmd.Flags().IntVarP(&captureLines, "lines", "n", 0, "Include this many lines of scrollback")
	captureCmd.Flags().BoolVarP(&captureEscapes, "escapes", "e", false, "Keep color and attribute escape sequences")
	captureCmd.Flags().StringVar(&capturePane, "pane", "", "Capture this pane id instead of the agent pane")

	sendKeysCmd.Flags().StringVarP(&sendLiteral, "literal", "l", "", "Text to type verbatim")
	sendKeysCmd.Flags().BoolVar(&sendEnter, "enter", false, "Press Enter after the keys")
	sendKeysCmd.Flags().StringVar(&sendPane, "pane", "", "Send to this pane id instead of the agent pane")
	sendKeysCmd.Flags().DurationVar(&sendDelay, "delay", 0, "Pause between the individual sends")

	attachCmd.Flags().BoolVar(&attachJSON, "json", false, "Print the attach descriptor as JSON")

	rootCmd.AddCommand(captureCmd, sendKeysCmd, attachCmd, killCmd)
}
