package runtime

import (
	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/task"
)

// Command is an inbound request. Commands are applied one at a time in
// arrival order.
type Command interface {
	commandName() string
}

type SubmitPrompt struct {
	Text     string
	Metadata map[string]string
}

type Approve struct {
	ApprovalID string
	Decision   approval.Decision
}

type SetApprovalPolicy struct {
	Policy approval.Policy
}

type CancelTask struct {
	TaskID task.ID
}

type Shutdown struct{}

func (SubmitPrompt) commandName() string      { return "submit_prompt" }
func (Approve) commandName() string           { return "approve" }
func (SetApprovalPolicy) commandName() string { return "set_approval_policy" }
func (CancelTask) commandName() string        { return "cancel_task" }
func (Shutdown) commandName() string          { return "shutdown" }

// Reply is the synchronous answer to a command. Everything else is
// reported through events.
type Reply struct {
	TaskID task.ID          `json:"task_id,omitempty"`
	State  string           `json:"state,omitempty"`
	Policy *approval.Policy `json:"policy,omitempty"`
}

// CommandName names a command for logs and errors.
func CommandName(c Command) string { return c.commandName() }
