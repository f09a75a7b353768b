// Package task tracks background agent tasks through their lifecycle:
// Running, WaitingApproval and Cancelling, until completion removes them.
package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/holon-run/shellpilot/pkg/approval"
)

type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses a decimal task id, as typed in "/kill 3".
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(n), nil
}

type State int

const (
	StateRunning State = iota
	StateWaitingApproval
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWaitingApproval:
		return "waiting_approval"
	case StateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "running":
		*s = StateRunning
	case "waiting_approval":
		*s = StateWaitingApproval
	case "cancelling":
		*s = StateCancelling
	default:
		return fmt.Errorf("unknown task state %q", text)
	}
	return nil
}

// PreviewWidth bounds the command preview of a task waiting for approval,
// in terminal display cells.
const PreviewWidth = 96

var (
	ErrNoSuchTask     = errors.New("no such task")
	ErrNoSuchApproval = errors.New("no such approval")
	// ErrApprovalDelivery is returned when a decision could not be handed to
	// the waiting task. The approval stays pending.
	ErrApprovalDelivery = errors.New("approval decision could not be delivered")
	ErrApprovalPending  = errors.New("task already has a pending approval")
)

// Task is a snapshot of one live task.
type Task struct {
	ID        ID        `json:"id"`
	Kind      string    `json:"kind"`
	Details   string    `json:"details,omitempty"`
	StartedAt time.Time `json:"started_at"`
	State     State     `json:"state"`
	// Preview is the truncated command awaiting approval and Metadata its
	// risk assessment.
	Preview  string             `json:"preview,omitempty"`
	Metadata *approval.Metadata `json:"metadata,omitempty"`
	// Since is when the task entered its current non-running state.
	Since     time.Time `json:"since,omitzero"`
	TimeoutAt time.Time `json:"timeout_at,omitzero"`
	Response  string    `json:"response,omitempty"`
}

// CompletedTask is buffered when a task leaves the live set.
type CompletedTask struct {
	ID         ID        `json:"id"`
	Kind       string    `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (c CompletedTask) Failed() bool { return c.Error != "" }

// ResolveFunc hands a decision to the task waiting on it. It must not block;
// the scheduler calls it with its lock held.
type ResolveFunc func(approval.Decision) error

type PendingApproval struct {
	TaskID     ID                 `json:"task_id"`
	ApprovalID string             `json:"approval_id"`
	Command    string             `json:"command"`
	Metadata   *approval.Metadata `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	resolve ResolveFunc
}

// Expired is a task EnforceTimeouts cancelled, with what the cancel did.
type Expired struct {
	ID ID
	CancelOutcome
}

// CancelOutcome describes what RequestCancel did.
type CancelOutcome struct {
	// Denied is the approval that was auto-denied, if any.
	Denied *PendingApproval
	// AlreadyCancelling is set when the call changed nothing.
	AlreadyCancelling bool
}

// Preview normalizes newlines to spaces and truncates to PreviewWidth cells.
func Preview(command string) string {
	s := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(command)
	if runewidth.StringWidth(s) <= PreviewWidth {
		return s
	}
	return runewidth.Truncate(s, PreviewWidth, "…")
}
