package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/runtime"
	"github.com/holon-run/shellpilot/pkg/task"
)

const (
	MethodPromptSubmit      = "prompt/submit"
	MethodApprovalRespond   = "approval/respond"
	MethodApprovalSetPolicy = "approval/setPolicy"
	MethodApprovalList      = "approval/list"
	MethodTaskCancel        = "task/cancel"
	MethodTaskList          = "task/list"
	MethodRuntimeShutdown   = "runtime/shutdown"
)

// Controller is the runtime surface the frontends drive; *runtime.Runtime
// implements it.
type Controller interface {
	Send(ctx context.Context, cmd runtime.Command) (runtime.Reply, error)
	Tasks() []task.Task
	Pending() []task.PendingApproval
	Policy() approval.Policy
}

type SubmitParams struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RespondParams struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
}

// SetPolicyParams takes the textual policy forms: ask, approve, deny,
// approve-for:<duration>, approve-until:<RFC3339>.
type SetPolicyParams struct {
	Policy string `json:"policy"`
}

type CancelParams struct {
	TaskID TaskRef `json:"task_id"`
}

// TaskRef accepts a task id as a JSON number or as a string such as "#3".
type TaskRef task.ID

func (r *TaskRef) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*r = TaskRef(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("task_id must be a number or string")
	}
	id, err := task.ParseID(s)
	if err != nil {
		return err
	}
	*r = TaskRef(id)
	return nil
}

type TaskListResult struct {
	Tasks     []task.Task            `json:"tasks"`
	Approvals []task.PendingApproval `json:"approvals"`
	Policy    approval.Policy        `json:"policy"`
}

// NewMethods registers the frontend protocol against ctrl.
func NewMethods(ctrl Controller, now func() time.Time) *MethodRegistry {
	if now == nil {
		now = time.Now
	}
	reg := NewMethodRegistry()
	send := func(ctx context.Context, cmd runtime.Command) (interface{}, *JSONRPCError) {
		reply, err := ctrl.Send(ctx, cmd)
		if err != nil {
			return nil, commandError(err)
		}
		return reply, nil
	}

	reg.RegisterMethod(MethodPromptSubmit, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var p SubmitParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, "text is required")
		}
		return send(ctx, runtime.SubmitPrompt{Text: p.Text, Metadata: p.Metadata})
	})

	reg.RegisterMethod(MethodApprovalRespond, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var p RespondParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		d := approval.Decision(strings.ToLower(strings.TrimSpace(p.Decision)))
		if p.ApprovalID == "" || !d.Valid() {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, "approval_id and decision (approve|deny) are required")
		}
		return send(ctx, runtime.Approve{ApprovalID: p.ApprovalID, Decision: d})
	})

	reg.RegisterMethod(MethodApprovalSetPolicy, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var p SetPolicyParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		policy, err := approval.ParsePolicy(p.Policy, now())
		if err != nil {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, err.Error())
		}
		return send(ctx, runtime.SetApprovalPolicy{Policy: policy})
	})

	reg.RegisterMethod(MethodTaskCancel, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var p CancelParams
		if rpcErr := decodeParams(params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if p.TaskID == 0 {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, "task_id is required")
		}
		return send(ctx, runtime.CancelTask{TaskID: task.ID(p.TaskID)})
	})

	reg.RegisterMethod(MethodRuntimeShutdown, func(ctx context.Context, _ json.RawMessage) (interface{}, *JSONRPCError) {
		return send(ctx, runtime.Shutdown{})
	})

	list := func(context.Context, json.RawMessage) (interface{}, *JSONRPCError) {
		return TaskListResult{Tasks: ctrl.Tasks(), Approvals: ctrl.Pending(), Policy: ctrl.Policy()}, nil
	}
	reg.RegisterMethod(MethodTaskList, list)
	reg.RegisterMethod(MethodApprovalList, list)
	return reg
}

func commandError(err error) *JSONRPCError {
	code := ErrCodeRejected
	switch {
	case errors.Is(err, task.ErrNoSuchTask), errors.Is(err, task.ErrNoSuchApproval):
		code = ErrCodeNotFound
	case errors.Is(err, runtime.ErrStopped):
		code = ErrCodeStopped
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeInternalError
	}
	return NewJSONRPCError(code, err.Error())
}
