package runtime

import (
	"strings"
	"time"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/task"
)

type EventType string

const (
	EventLifecycleStarted       EventType = "lifecycle.started"
	EventLifecyclePolicyChanged EventType = "lifecycle.policy_changed"
	EventLifecycleStopping      EventType = "lifecycle.stopping"
	EventLifecycleStopped       EventType = "lifecycle.stopped"

	EventWarning EventType = "warning"
	EventError   EventType = "error"

	EventSessionCreated   EventType = "session.created"
	EventSessionResumed   EventType = "session.resumed"
	EventSessionCompacted EventType = "session.compacted"
	EventSessionSaved     EventType = "session.saved"

	EventTaskQueued          EventType = "task.queued"
	EventTaskStarted         EventType = "task.started"
	EventTaskWaitingApproval EventType = "task.waiting_approval"
	EventTaskCancelling      EventType = "task.cancelling"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskFailed          EventType = "task.failed"

	EventModelTurnStarted   EventType = "model.turn_started"
	EventModelText          EventType = "model.text"
	EventModelTurnCompleted EventType = "model.turn_completed"

	EventToolCallRequested EventType = "tool.call_requested"
	EventToolCallStarted   EventType = "tool.call_started"
	EventToolStdoutChunk   EventType = "tool.stdout_chunk"
	EventToolStderrChunk   EventType = "tool.stderr_chunk"
	EventToolInfo          EventType = "tool.info"
	EventToolCompleted     EventType = "tool.completed"
	EventToolResult        EventType = "tool.result"

	EventMetricsTokenUsage    EventType = "metrics.token_usage"
	EventMetricsContextUsage  EventType = "metrics.context_usage"
	EventMetricsPhaseDuration EventType = "metrics.phase_duration"
)

// Family is the part before the first dot: "task" for "task.started".
func (t EventType) Family() string {
	family, _, _ := strings.Cut(string(t), ".")
	return family
}

// Event is one entry of the outbound stream. Seq strictly increases.
// TaskID is zero when the event is not about a task.
type Event struct {
	Seq     uint64    `json:"seq"`
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	TaskID  task.ID   `json:"task_id,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

type LifecycleData struct {
	SessionID string          `json:"session_id,omitempty"`
	Target    string          `json:"target,omitempty"`
	Policy    approval.Policy `json:"policy"`
	Attach    string          `json:"attach,omitempty"`
}

type SessionData struct {
	SessionID string `json:"session_id"`
	Dropped   int    `json:"dropped,omitempty"`
}

type TaskData struct {
	Kind     string `json:"kind,omitempty"`
	Details  string `json:"details,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Response string `json:"response,omitempty"`
}

type ApprovalData struct {
	ApprovalID string             `json:"approval_id"`
	Command    string             `json:"command"`
	Preview    string             `json:"preview"`
	Metadata   *approval.Metadata `json:"metadata,omitempty"`
	Decision   approval.Decision  `json:"decision,omitempty"`
	Source     string             `json:"source,omitempty"`
}

type ToolData struct {
	CallID   string `json:"call_id"`
	Command  string `json:"command,omitempty"`
	Mode     string `json:"mode,omitempty"`
	PaneID   string `json:"pane_id,omitempty"`
	Text     string `json:"text,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ModelData struct {
	Step int    `json:"step"`
	Text string `json:"text,omitempty"`
}

type TokenUsageData struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ContextUsageData struct {
	Tokens int `json:"tokens"`
	Limit  int `json:"limit,omitempty"`
}

type PhaseDurationData struct {
	Phase      string `json:"phase"`
	DurationMS int64  `json:"duration_ms"`
}
