package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/holon-run/shellpilot/pkg/agent"
	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/backend"
	"github.com/holon-run/shellpilot/pkg/shell"
	"github.com/holon-run/shellpilot/pkg/store"
	"github.com/holon-run/shellpilot/pkg/task"
)

var (
	errNoShell           = errors.New("no execution target configured")
	errDecisionDelivered = errors.New("decision already delivered")
)

// Messages posted by workers to the actor.
type (
	emitMsg struct {
		taskID  task.ID
		typ     EventType
		message string
		data    any
	}
	approvalMsg struct {
		taskID task.ID
		callID string
		inv    shell.Invocation
		meta   approval.Metadata
		decide chan approval.Decision
	}
	shellStartedMsg struct {
		taskID task.ID
		callID string
		inv    shell.Invocation
	}
	shellDoneMsg struct {
		taskID  task.ID
		callID  string
		inv     shell.Invocation
		res     shell.Result
		err     error
		elapsed time.Duration
	}
	doneMsg struct {
		taskID   task.ID
		response string
		err      error
	}
)

// post hands m to the actor. It reports false once the actor has exited.
func (r *Runtime) post(m any) bool {
	select {
	case r.msgs <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Runtime) runWorker(ctx context.Context, id task.ID, p agent.Prompt) {
	var (
		response string
		err      error
	)
	func() {
		defer func() {
			if v := recover(); v != nil {
				err = fmt.Errorf("driver panic: %v", v)
			}
		}()
		response, err = r.deps.Driver.Run(ctx, p, &taskSession{r: r, id: id})
	}()
	r.post(doneMsg{taskID: id, response: response, err: err})
}

func (r *Runtime) handleMsg(m any) {
	switch m := m.(type) {
	case emitMsg:
		r.emit(m.typ, m.taskID, m.message, m.data)
	case approvalMsg:
		r.requestApproval(m)
	case shellStartedMsg:
		r.emit(EventToolCallStarted, m.taskID, "", ToolData{
			CallID:  m.callID,
			Command: m.inv.Command,
			Mode:    m.inv.Mode.String(),
		})
	case shellDoneMsg:
		r.reportShell(m)
	case doneMsg:
		w := r.workers[m.taskID]
		delete(r.workers, m.taskID)
		if w != nil {
			w.cancel()
		}
		r.finishTask(m.taskID, w, m.response, m.err)
	}
}

func (r *Runtime) requestApproval(m approvalMsg) {
	id, command := m.taskID, m.inv.Command
	r.emit(EventToolCallRequested, id, "", ToolData{CallID: m.callID, Command: command, Mode: m.inv.Mode.String()})

	t, ok := r.sched.Get(id)
	if !ok || t.State == task.StateCancelling {
		m.decide <- approval.DecisionDeny
		return
	}

	meta := m.meta
	if d, ok := r.gate.Decide(); ok {
		m.decide <- d
		r.deps.Metrics.Approval(string(d), "policy")
		r.emit(EventToolInfo, id, fmt.Sprintf("%s by policy %s", d, r.gate.Policy()), ApprovalData{
			Command:  command,
			Preview:  task.Preview(command),
			Metadata: &meta,
			Decision: d,
			Source:   "policy",
		})
		return
	}

	resolve := func(d approval.Decision) error {
		select {
		case m.decide <- d:
			return nil
		default:
			return errDecisionDelivered
		}
	}
	pa, err := r.sched.AddApproval(id, command, &meta, resolve)
	if err != nil {
		m.decide <- approval.DecisionDeny
		r.warn(id, "cannot request approval: %v", err)
		return
	}
	r.sched.MarkWaitingApproval(id, command, &meta)
	r.emit(EventTaskWaitingApproval, id, "", ApprovalData{
		ApprovalID: pa.ApprovalID,
		Command:    command,
		Preview:    task.Preview(command),
		Metadata:   &meta,
	})
}

func (r *Runtime) reportShell(m shellDoneMsg) {
	data := ToolData{CallID: m.callID, Command: m.inv.Command, Mode: m.inv.Mode.String(), PaneID: m.res.PaneID}
	outcome := "ok"
	switch {
	case errors.Is(m.err, shell.ErrTimeout):
		outcome = "timeout"
		data.TimedOut = true
		data.Error = m.err.Error()
	case errors.Is(m.err, context.Canceled):
		outcome = "cancelled"
		data.Error = m.err.Error()
	case m.err != nil:
		outcome = "error"
		data.Error = m.err.Error()
		var te *backend.TransportError
		if errors.As(m.err, &te) || errors.Is(m.err, backend.ErrPaneGone) {
			r.deps.Metrics.PaneError()
		}
	case m.res.Ack != nil:
		outcome = "dispatched"
		r.emit(EventToolInfo, m.taskID, fmt.Sprintf("dispatched to pane %s", m.res.Ack.PaneID), data)
	case m.res.Output != nil:
		out := m.res.Output
		code := out.ExitCode
		data.ExitCode = &code
		data.Stdout = out.Stdout
		data.Stderr = out.Stderr
		if code != 0 {
			outcome = "nonzero"
		}
		if out.Stdout != "" {
			r.emit(EventToolStdoutChunk, m.taskID, "", ToolData{CallID: m.callID, Text: out.Stdout})
		}
		if out.Stderr != "" {
			r.emit(EventToolStderrChunk, m.taskID, "", ToolData{CallID: m.callID, Text: out.Stderr})
		}
	}

	r.deps.Metrics.ShellCommand(m.inv.Mode.String(), outcome, m.elapsed)
	r.emit(EventToolCompleted, m.taskID, outcome, ToolData{CallID: m.callID, PaneID: m.res.PaneID, ExitCode: data.ExitCode})
	r.emit(EventToolResult, m.taskID, "", data)
	r.emit(EventMetricsPhaseDuration, m.taskID, "", PhaseDurationData{Phase: "shell", DurationMS: m.elapsed.Milliseconds()})
}

// finishTask removes the task and reports how it ended. A task that was
// asked to stop reports the stop reason instead of the bare context error.
func (r *Runtime) finishTask(id task.ID, w *worker, response string, err error) {
	var (
		done    task.CompletedTask
		ok      bool
		outcome = "completed"
	)
	if err == nil {
		done, ok = r.sched.Complete(id, response)
	} else {
		msg := err.Error()
		outcome = "failed"
		if w != nil && w.reason != "" {
			outcome = "cancelled"
			if errors.Is(err, context.Canceled) || errors.Is(err, agent.ErrDenied) {
				msg = w.reason
			}
		}
		done, ok = r.sched.Fail(id, msg)
	}
	r.sched.TakeCompleted()
	if !ok {
		return
	}

	elapsed := done.FinishedAt.Sub(done.StartedAt)
	r.deps.Metrics.TaskFinished(outcome, elapsed)
	if done.Failed() {
		r.emit(EventTaskFailed, id, done.Error, TaskData{Kind: done.Kind, Reason: outcome})
	} else {
		r.emit(EventTaskCompleted, id, "", TaskData{Kind: done.Kind, Response: done.Response})
	}
	r.emit(EventMetricsPhaseDuration, id, "", PhaseDurationData{Phase: "task", DurationMS: elapsed.Milliseconds()})

	details := ""
	if w != nil {
		details = w.details
	}
	r.persist(done, details)
}

func (r *Runtime) persist(done task.CompletedTask, details string) {
	s := r.deps.Store
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sid := r.cfg.SessionID
	redact := r.deps.Redact
	err := s.SaveTask(ctx, store.TaskRecord{
		SessionID:  sid,
		TaskID:     uint64(done.ID),
		Kind:       done.Kind,
		Details:    redact(details),
		StartedAt:  done.StartedAt,
		FinishedAt: done.FinishedAt,
		Response:   redact(done.Response),
		Error:      redact(done.Error),
	})
	if err != nil {
		r.emit(EventError, done.ID, fmt.Sprintf("save task history: %v", err), nil)
		return
	}
	r.emit(EventSessionSaved, done.ID, "", SessionData{SessionID: sid})

	if r.cfg.MaxHistory <= 0 {
		return
	}
	dropped, err := s.Compact(ctx, sid, r.cfg.MaxHistory)
	if err != nil {
		r.emit(EventError, 0, fmt.Sprintf("compact task history: %v", err), nil)
		return
	}
	if dropped > 0 {
		r.emit(EventSessionCompacted, 0, "", SessionData{SessionID: sid, Dropped: dropped})
	}
}

// taskSession is the agent.Session a worker hands to its driver.
type taskSession struct {
	r  *Runtime
	id task.ID
}

func (s *taskSession) Shell(ctx context.Context, inv shell.Invocation) (shell.Result, error) {
	r := s.r
	if r.deps.Shell == nil {
		return shell.Result{}, errNoShell
	}

	callID := uuid.NewString()
	decide := make(chan approval.Decision, 1)
	msg := approvalMsg{taskID: s.id, callID: callID, inv: inv, meta: r.deps.Assess(inv.Command), decide: decide}
	if !r.post(msg) {
		return shell.Result{}, ErrStopped
	}
	select {
	case d := <-decide:
		if d != approval.DecisionApprove {
			return shell.Result{}, agent.ErrDenied
		}
	case <-ctx.Done():
		return shell.Result{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return shell.Result{}, err
	}

	r.post(shellStartedMsg{taskID: s.id, callID: callID, inv: inv})
	start := time.Now()
	res, err := r.deps.Shell.Run(ctx, inv)
	r.post(shellDoneMsg{taskID: s.id, callID: callID, inv: inv, res: res, err: err, elapsed: time.Since(start)})
	return res, err
}

func (s *taskSession) TurnStarted(step int) {
	s.r.post(emitMsg{taskID: s.id, typ: EventModelTurnStarted, data: ModelData{Step: step}})
}

func (s *taskSession) Text(text string) {
	if text == "" {
		return
	}
	s.r.post(emitMsg{taskID: s.id, typ: EventModelText, data: ModelData{Text: text}})
}

func (s *taskSession) TurnCompleted(step int, usage agent.Usage) {
	s.r.post(emitMsg{taskID: s.id, typ: EventModelTurnCompleted, data: ModelData{Step: step}})
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		s.r.deps.Metrics.TokenUsage(usage.InputTokens, usage.OutputTokens)
		s.r.post(emitMsg{taskID: s.id, typ: EventMetricsTokenUsage, data: TokenUsageData{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}})
	}
	if usage.ContextTokens > 0 {
		s.r.post(emitMsg{taskID: s.id, typ: EventMetricsContextUsage, data: ContextUsageData{
			Tokens: usage.ContextTokens,
			Limit:  usage.ContextLimit,
		}})
	}
}
