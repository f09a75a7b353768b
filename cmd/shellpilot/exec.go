package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/shellpilot/pkg/agent"
	"github.com/holon-run/shellpilot/pkg/approval"
	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/runtime"
	"github.com/holon-run/shellpilot/pkg/shell"
	"github.com/holon-run/shellpilot/pkg/task"
)

var (
	execNoWait  bool
	execWait    string
	execTimeout string
	execJSON    bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command...",
	Short: "Run one command in the agent's pane and print its output",
	Long: `Run one command in the agent's pane through the runtime and print the result.

The command is approved implicitly: you typed it. It is recorded in the session
history like any other task. The process exits with the command's exit code.

Examples:
  shellpilot exec -- make test
  shellpilot exec --wait 30s -- ./long-build.sh
  shellpilot exec --no-wait -- tail -f /var/log/syslog
  shellpilot exec -t ssh:build-host -- uname -a`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta := map[string]string{}
		switch {
		case execNoWait && execWait != "":
			return errors.New("--no-wait and --wait are mutually exclusive")
		case execNoWait:
			meta[agent.MetaMode] = "no_wait"
		case execWait != "":
			if _, err := approval.ParseDuration(execWait); err != nil {
				return fmt.Errorf("invalid --wait: %w", err)
			}
			meta[agent.MetaMode] = "wait_with_timeout"
			meta[agent.MetaWaitTimeout] = execWait
		}
		if execTimeout != "" {
			meta[runtime.MetaTimeout] = execTimeout
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		outcome, err := runOnce(ctx, strings.Join(args, " "), meta)
		if err != nil {
			return err
		}
		if execJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		}
		outcome.print(cmd)
		if outcome.Error != "" {
			return errors.New(outcome.Error)
		}
		if outcome.ExitCode != nil && *outcome.ExitCode != 0 {
			return exitCodeError(*outcome.ExitCode)
		}
		return nil
	},
}

// execOutcome is what one task produced.
type execOutcome struct {
	TaskID   task.ID `json:"task_id"`
	PaneID   string  `json:"pane_id,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	TimedOut bool    `json:"timed_out,omitempty"`
	Response string  `json:"response,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func (o execOutcome) print(cmd *cobra.Command) {
	switch {
	case o.ExitCode != nil:
		fmt.Fprint(cmd.OutOrStdout(), o.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), o.Stderr)
	case o.TimedOut:
		fmt.Fprintf(cmd.ErrOrStderr(), "command still running in pane %s\n", o.PaneID)
	case o.Response != "":
		fmt.Fprintln(cmd.OutOrStdout(), o.Response)
	}
}

// exitCodeError carries a command's nonzero exit code to main.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("command exited with code %d", int(e)) }

// runOnce drives a private runtime through exactly one task.
func runOnce(ctx context.Context, command string, meta map[string]string) (execOutcome, error) {
	b, err := openBackend(ctx)
	if err != nil {
		return execOutcome{}, err
	}
	defer b.Close()
	st, err := openStore()
	if err != nil {
		return execOutcome{}, err
	}
	if st != nil {
		defer st.Close()
	}

	rc, err := cfg.RuntimeConfig(time.Now(), b.Attach().Command)
	if err != nil {
		return execOutcome{}, err
	}
	rc.Policy = approval.AutoApprove()
	deps := runtime.Deps{
		Shell:  shell.NewEngine(b, cfg.ShellOptions()),
		Redact: cfg.Redactor().String,
	}
	if st != nil {
		deps.Store = st
	}
	rt := runtime.New(rc, deps)
	rt.Start(ctx)

	events := rt.Events()
	replyc := make(chan submitResult, 1)
	go func() {
		reply, err := rt.Send(ctx, runtime.SubmitPrompt{Text: command, Metadata: meta})
		replyc <- submitResult{reply, err}
	}()

	var (
		out      execOutcome
		finished = map[task.ID]runtime.Event{}
		tools    = map[task.ID]runtime.ToolData{}
		submit   *submitResult
		stopping bool
	)
	shutdown := func() {
		if !stopping {
			stopping = true
			go func() { _, _ = rt.Send(context.Background(), runtime.Shutdown{}) }()
		}
	}

	for events != nil || submit == nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case runtime.EventToolResult:
				if data, ok := ev.Data.(runtime.ToolData); ok {
					tools[ev.TaskID] = data
				}
			case runtime.EventTaskCompleted, runtime.EventTaskFailed:
				finished[ev.TaskID] = ev
			case runtime.EventWarning, runtime.EventError:
				splog.Warn(ev.Message)
			}
		case res := <-replyc:
			submit = &res
			replyc = nil
			if res.err != nil {
				shutdown()
			}
		}
		if submit != nil && submit.err == nil {
			if _, ok := finished[submit.reply.TaskID]; ok {
				shutdown()
			}
		}
	}

	if submit.err != nil {
		return execOutcome{}, submit.err
	}
	id := submit.reply.TaskID
	out.TaskID = id
	ev, ok := finished[id]
	if !ok {
		return out, fmt.Errorf("task #%d did not finish", id)
	}
	if data, ok := ev.Data.(runtime.TaskData); ok {
		out.Response = data.Response
	}
	if ev.Type == runtime.EventTaskFailed {
		out.Error = ev.Message
	}
	if tool, ok := tools[id]; ok {
		out.PaneID = tool.PaneID
		out.ExitCode = tool.ExitCode
		out.Stdout = tool.Stdout
		out.Stderr = tool.Stderr
		out.TimedOut = tool.TimedOut
		if out.ExitCode != nil || out.TimedOut {
			out.Response = ""
		}
	}
	return out, nil
}

type submitResult struct {
	reply runtime.Reply
	err   error
}

func init() {
	execCmd.Flags().BoolVar(&execNoWait, "no-wait", false, "Dispatch the command and return without waiting")
	execCmd.Flags().StringVar(&execWait, "wait", "", "Wait at most this long for the command (e.g. 30s); it keeps running afterwards")
	execCmd.Flags().StringVar(&execTimeout, "timeout", "", "Cancel the task after this long (e.g. 10m)")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "Print the outcome as JSON")
	rootCmd.AddCommand(execCmd)
}
