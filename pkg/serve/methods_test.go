package serve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/runtime"
	"github.com/holon-run/shellpilot/pkg/task"
)

type fakeController struct {
	mu      sync.Mutex
	cmds    []runtime.Command
	reply   runtime.Reply
	err     error
	tasks   []task.Task
	pending []task.PendingApproval
	policy  approval.Policy
}

func (f *fakeController) Send(_ context.Context, cmd runtime.Command) (runtime.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.reply, f.err
}

func (f *fakeController) Tasks() []task.Task              { return f.tasks }
func (f *fakeController) Pending() []task.PendingApproval { return f.pending }
func (f *fakeController) Policy() approval.Policy         { return f.policy }

func (f *fakeController) commands() []runtime.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Command(nil), f.cmds...)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func call(t *testing.T, reg *MethodRegistry, frame string) *JSONRPCResponse {
	t.Helper()
	resp := reg.Handle(context.Background(), []byte(frame))
	require.NotNil(t, resp)
	return resp
}

func TestMethodsTranslateToCommands(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  runtime.Command
	}{
		{
			name:  "submit",
			frame: `{"jsonrpc":"2.0","id":1,"method":"prompt/submit","params":{"text":"ls -la","metadata":{"timeout":"5m"}}}`,
			want:  runtime.SubmitPrompt{Text: "ls -la", Metadata: map[string]string{"timeout": "5m"}},
		},
		{
			name:  "respond",
			frame: `{"jsonrpc":"2.0","id":2,"method":"approval/respond","params":{"approval_id":"a-1","decision":"Approve"}}`,
			want:  runtime.Approve{ApprovalID: "a-1", Decision: approval.DecisionApprove},
		},
		{
			name:  "set policy window",
			frame: `{"jsonrpc":"2.0","id":3,"method":"approval/setPolicy","params":{"policy":"approve-for:10m"}}`,
			want:  runtime.SetApprovalPolicy{Policy: approval.AutoApproveUntil(fixedNow.Add(10 * time.Minute))},
		},
		{
			name:  "cancel by number",
			frame: `{"jsonrpc":"2.0","id":4,"method":"task/cancel","params":{"task_id":3}}`,
			want:  runtime.CancelTask{TaskID: 3},
		},
		{
			name:  "cancel by string",
			frame: `{"jsonrpc":"2.0","id":5,"method":"task/cancel","params":{"task_id":"#3"}}`,
			want:  runtime.CancelTask{TaskID: 3},
		},
		{
			name:  "shutdown",
			frame: `{"jsonrpc":"2.0","id":6,"method":"runtime/shutdown"}`,
			want:  runtime.Shutdown{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{reply: runtime.Reply{TaskID: 3, State: "running"}}
			reg := NewMethods(ctrl, func() time.Time { return fixedNow })

			resp := call(t, reg, tt.frame)
			require.Nil(t, resp.Error)
			assert.JSONEq(t, `{"task_id":3,"state":"running"}`, string(resp.Result))
			assert.Equal(t, []runtime.Command{tt.want}, ctrl.commands())
		})
	}
}

func TestMethodsRejectBadParams(t *testing.T) {
	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"prompt/submit","params":{"text":"  "}}`,
		`{"jsonrpc":"2.0","id":1,"method":"prompt/submit","params":"ls"}`,
		`{"jsonrpc":"2.0","id":1,"method":"approval/respond","params":{"approval_id":"a","decision":"maybe"}}`,
		`{"jsonrpc":"2.0","id":1,"method":"approval/respond","params":{"decision":"deny"}}`,
		`{"jsonrpc":"2.0","id":1,"method":"approval/setPolicy","params":{"policy":"sometimes"}}`,
		`{"jsonrpc":"2.0","id":1,"method":"task/cancel","params":{}}`,
		`{"jsonrpc":"2.0","id":1,"method":"task/cancel","params":{"task_id":"three"}}`,
	}
	for _, frame := range frames {
		ctrl := &fakeController{}
		reg := NewMethods(ctrl, nil)
		resp := call(t, reg, frame)
		require.NotNil(t, resp.Error, frame)
		assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code, frame)
		assert.Empty(t, ctrl.commands(), frame)
	}
}

func TestMethodsMapRuntimeErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("task 9: %w", task.ErrNoSuchTask), ErrCodeNotFound},
		{fmt.Errorf("approval x: %w", task.ErrNoSuchApproval), ErrCodeNotFound},
		{runtime.ErrStopped, ErrCodeStopped},
		{errors.New("empty prompt"), ErrCodeRejected},
	}
	for _, tt := range tests {
		ctrl := &fakeController{err: tt.err}
		reg := NewMethods(ctrl, nil)
		resp := call(t, reg, `{"jsonrpc":"2.0","id":1,"method":"task/cancel","params":{"task_id":9}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, tt.code, resp.Error.Code, tt.err.Error())
		assert.Equal(t, tt.err.Error(), resp.Error.Message)
	}
}

func TestTaskList(t *testing.T) {
	ctrl := &fakeController{
		tasks:   []task.Task{{ID: 1, Kind: "prompt", State: task.StateWaitingApproval}},
		pending: []task.PendingApproval{{TaskID: 1, ApprovalID: "a-1", Command: "rm -rf x"}},
		policy:  approval.Ask(),
	}
	reg := NewMethods(ctrl, nil)

	resp := call(t, reg, `{"jsonrpc":"2.0","id":1,"method":"task/list"}`)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"state":"waiting_approval"`)
	assert.Contains(t, string(resp.Result), `"approval_id":"a-1"`)
	assert.Contains(t, string(resp.Result), `"mode":"ask"`)
	assert.Empty(t, ctrl.commands())
}

func TestNotificationsStillApply(t *testing.T) {
	ctrl := &fakeController{}
	reg := NewMethods(ctrl, nil)
	resp := reg.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"task/cancel","params":{"task_id":2}}`))
	assert.Nil(t, resp)
	assert.Equal(t, []runtime.Command{runtime.CancelTask{TaskID: 2}}, ctrl.commands())
}
