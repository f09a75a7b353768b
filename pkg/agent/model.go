package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holon-run/shellpilot/pkg/agent/llm"
	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/shell"
)

const shellToolName = "run_shell"

const defaultSystemPrompt = `You are a terminal agent. You act by running shell commands on the
execution target with the run_shell tool. Commands may need human approval;
a denied command must not be retried verbatim. Finish with a short summary.`

// ModelDriver runs a tool-use loop against a language model. The model sees
// one tool, run_shell, which goes through Session.Shell.
type ModelDriver struct {
	Provider  llm.Provider
	Model     string
	System    string
	MaxSteps  int
	MaxTokens int
	// ContextLimit is reported in context usage metrics when set.
	ContextLimit int
}

type shellToolInput struct {
	Command string `json:"command"`
	Mode    string `json:"mode,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

func shellTool() llm.Tool {
	return llm.Tool{
		Name:        shellToolName,
		Description: "Run a shell command in the agent's terminal and return exit code, stdout and stderr.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string"},
				"mode": map[string]interface{}{
					"type": "string",
					"enum": []string{"wait", "no_wait", "wait_with_timeout"},
				},
				"timeout": map[string]interface{}{
					"type":        "string",
					"description": "Duration such as 30s or 5m, for wait_with_timeout.",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (d *ModelDriver) Run(ctx context.Context, p Prompt, s Session) (string, error) {
	if d.Provider == nil {
		return "", errors.New("model driver has no provider")
	}
	system := d.System
	if system == "" {
		system = defaultSystemPrompt
	}
	maxSteps := d.MaxSteps
	if maxSteps == 0 {
		maxSteps = 20
	}
	maxTokens := d.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	logger := splog.Named("model").With("task_id", p.TaskID)
	messages := []llm.Message{{
		Role:    "user",
		Content: []llm.Content{{Type: "text", Text: p.Text}},
	}}
	var contextTokens int

	for step := 1; step <= maxSteps; step++ {
		s.TurnStarted(step)
		resp, err := d.Provider.CreateMessage(ctx, llm.Request{
			Model:     d.Model,
			System:    system,
			Messages:  messages,
			Tools:     []llm.Tool{shellTool()},
			MaxTokens: maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("model step %d: %w", step, err)
		}

		messages = append(messages, llm.Message{Role: resp.Role, Content: resp.Content})
		if text := resp.Text(); text != "" {
			s.Text(text)
		}
		contextTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		s.TurnCompleted(step, Usage{
			InputTokens:   resp.Usage.InputTokens,
			OutputTokens:  resp.Usage.OutputTokens,
			ContextTokens: contextTokens,
			ContextLimit:  d.ContextLimit,
		})

		if resp.StopReason != llm.StopToolUse {
			logger.Debugw("model finished", "steps", step, "stop_reason", resp.StopReason)
			return resp.Text(), nil
		}

		var results []llm.Content
		for _, content := range resp.Content {
			if content.Type != "tool_use" || content.ToolUse == nil {
				continue
			}
			result, err := d.handleToolCall(ctx, s, content.ToolUse)
			if err != nil {
				return "", err
			}
			results = append(results, llm.Content{Type: "tool_result", ToolResult: result})
		}
		messages = append(messages, llm.Message{Role: "user", Content: results})
	}
	return "", fmt.Errorf("model did not finish within %d steps", maxSteps)
}

// handleToolCall returns an error only when the task itself must stop.
func (d *ModelDriver) handleToolCall(ctx context.Context, s Session, call *llm.ToolUse) (*llm.ToolResult, error) {
	result := &llm.ToolResult{ToolUseID: call.ID}
	if call.Name != shellToolName {
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		result.IsError = true
		return result, nil
	}

	var in shellToolInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		result.Content = fmt.Sprintf("invalid input: %v", err)
		result.IsError = true
		return result, nil
	}
	inv, err := InvocationFor(Prompt{Text: in.Command, Metadata: map[string]string{
		MetaMode:        in.Mode,
		MetaWaitTimeout: in.Timeout,
	}})
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result, nil
	}

	res, err := s.Shell(ctx, inv)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrDenied):
		result.Content = "The user denied this command."
		result.IsError = true
	case errors.Is(err, shell.ErrTimeout):
		result.Content = err.Error()
	case err != nil:
		result.Content = err.Error()
		result.IsError = true
	case res.Ack != nil:
		result.Content = fmt.Sprintf("dispatched to pane %s at %s; output is not collected", res.Ack.PaneID, res.Ack.DispatchedAt.Format(time.RFC3339))
	case res.Output != nil:
		result.Content = shell.EncodeOutput(*res.Output)
		result.IsError = res.Output.ExitCode != 0
	}
	return result, nil
}
