// Package runtime is the agent's actor: one goroutine applies commands in
// arrival order, owns the event sequence and emits every state change.
// Task work runs on worker goroutines that report back through a channel,
// so a blocked shell command never stalls approvals or cancellation.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/holon-run/shellpilot/pkg/agent"
	"github.com/holon-run/shellpilot/pkg/approval"
	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/metrics"
	"github.com/holon-run/shellpilot/pkg/shell"
	"github.com/holon-run/shellpilot/pkg/store"
	"github.com/holon-run/shellpilot/pkg/task"
)

// ErrStopped is returned by Send once the runtime has shut down.
var ErrStopped = errors.New("runtime stopped")

// MetaTimeout is the prompt metadata key overriding the task timeout.
const MetaTimeout = "timeout"

// ShellRunner executes invocations; *shell.Engine implements it. Cancelling
// ctx must stop the invocation's own command and nothing else: the engine
// interrupts the pane only while that command holds it.
type ShellRunner interface {
	Run(ctx context.Context, inv shell.Invocation) (shell.Result, error)
}

type Config struct {
	SessionID string
	Target    string
	Attach    string
	Policy    approval.Policy

	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	DrainTimeout   time.Duration
	// MaxHistory bounds stored task history per session; 0 keeps all.
	MaxHistory  int
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		SessionID:     "default",
		Policy:        approval.Ask(),
		SweepInterval: time.Second,
		DrainTimeout:  5 * time.Second,
		EventBuffer:   1024,
	}
}

type Deps struct {
	Driver  agent.Driver
	Shell   ShellRunner
	Store   store.Store
	Metrics *metrics.Metrics
	// Assess rates commands for the approval prompt; approval.Assess when nil.
	Assess func(command string) approval.Metadata
	// Redact masks secrets in task records before they are stored.
	Redact func(string) string
	Now    func() time.Time
}

type envelope struct {
	cmd   Command
	reply chan commandResult
}

type commandResult struct {
	reply Reply
	err   error
}

// worker is the actor's view of a running task.
type worker struct {
	cancel  context.CancelFunc
	details string
	started time.Time
	// reason is why the task was asked to stop, reported on failure.
	reason string
}

type Runtime struct {
	cfg   Config
	deps  Deps
	sched *task.Scheduler
	gate  *approval.Gate
	now   func() time.Time

	cmds    chan envelope
	msgs    chan any
	events  chan Event
	done    chan struct{}
	started atomic.Bool

	// Owned by the actor goroutine.
	seq       uint64
	workCtx   context.Context
	cancelAll context.CancelFunc
	group     *errgroup.Group
	workers   map[task.ID]*worker
}

func New(cfg Config, deps Deps) *Runtime {
	def := DefaultConfig()
	if cfg.SessionID == "" {
		cfg.SessionID = def.SessionID
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy = def.Policy
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if deps.Driver == nil {
		deps.Driver = agent.CommandDriver{}
	}
	if deps.Assess == nil {
		deps.Assess = approval.Assess
	}
	if deps.Redact == nil {
		deps.Redact = func(s string) string { return s }
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Runtime{
		cfg:     cfg,
		deps:    deps,
		sched:   task.NewSchedulerWithClock(now),
		gate:    approval.NewGateWithClock(cfg.Policy, now),
		now:     now,
		cmds:    make(chan envelope),
		msgs:    make(chan any),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		workers: make(map[task.ID]*worker),
	}
}

// Start launches the actor. Cancelling ctx shuts the runtime down like a
// Shutdown command. Consumers must keep draining Events.
func (r *Runtime) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.group, r.workCtx = errgroup.WithContext(base)
	r.cancelAll = cancel
	go r.loop(ctx)
}

// Events is the ordered outbound stream. It is closed after
// lifecycle.stopped.
func (r *Runtime) Events() <-chan Event { return r.events }

// Done is closed when the actor has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Send applies cmd and waits for its reply.
func (r *Runtime) Send(ctx context.Context, cmd Command) (Reply, error) {
	env := envelope{cmd: cmd, reply: make(chan commandResult, 1)}
	select {
	case r.cmds <- env:
	case <-r.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case res := <-env.reply:
		return res.reply, res.err
	case <-r.done:
		select {
		case res := <-env.reply:
			return res.reply, res.err
		default:
			return Reply{}, ErrStopped
		}
	}
}

// Tasks snapshots the live tasks.
func (r *Runtime) Tasks() []task.Task { return r.sched.Snapshot() }

// Pending lists pending approvals, oldest first.
func (r *Runtime) Pending() []task.PendingApproval { return r.sched.Pending() }

func (r *Runtime) Policy() approval.Policy { return r.gate.Policy() }

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	logger := splog.Named("runtime")

	r.startup(ctx)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-r.cmds:
			if _, ok := env.cmd.(Shutdown); ok {
				r.shutdown("shutdown requested")
				env.reply <- commandResult{}
				return
			}
			reply, err := r.handle(env.cmd)
			if err != nil {
				logger.Debugw("command rejected", "command", CommandName(env.cmd), "error", err)
			}
			env.reply <- commandResult{reply: reply, err: err}
		case m := <-r.msgs:
			r.handleMsg(m)
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			r.shutdown("context cancelled")
			return
		}
	}
}

func (r *Runtime) emit(typ EventType, id task.ID, message string, data any) {
	r.seq++
	ev := Event{Seq: r.seq, Type: typ, At: r.now(), TaskID: id, Message: message, Data: data}
	r.deps.Metrics.Event(typ.Family())
	splog.Named("runtime").Debugw("event", "seq", ev.Seq, "type", ev.Type, "task_id", uint64(id))
	r.events <- ev
}

func (r *Runtime) warn(id task.ID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	splog.Named("runtime").Warnw(msg, "task_id", uint64(id))
	r.emit(EventWarning, id, msg, nil)
}

func (r *Runtime) startup(ctx context.Context) {
	if s := r.deps.Store; s != nil {
		_, created, err := s.OpenSession(ctx, r.cfg.SessionID, r.cfg.Target, r.now())
		switch {
		case err != nil:
			r.emit(EventError, 0, fmt.Sprintf("open session history: %v", err), nil)
		case created:
			r.emit(EventSessionCreated, 0, "", SessionData{SessionID: r.cfg.SessionID})
		default:
			r.emit(EventSessionResumed, 0, "", SessionData{SessionID: r.cfg.SessionID})
		}
	}
	r.emit(EventLifecycleStarted, 0, "", LifecycleData{
		SessionID: r.cfg.SessionID,
		Target:    r.cfg.Target,
		Policy:    r.gate.Policy(),
		Attach:    r.cfg.Attach,
	})
}

func (r *Runtime) handle(cmd Command) (Reply, error) {
	switch c := cmd.(type) {
	case SubmitPrompt:
		return r.submit(c)
	case Approve:
		return r.approve(c)
	case SetApprovalPolicy:
		return r.setPolicy(c)
	case CancelTask:
		return r.cancel(c)
	default:
		return Reply{}, fmt.Errorf("unknown command %T", cmd)
	}
}

func (r *Runtime) submit(c SubmitPrompt) (Reply, error) {
	if strings.TrimSpace(c.Text) == "" {
		r.warn(0, "ignoring empty prompt")
		return Reply{}, errors.New("empty prompt")
	}

	details := task.Preview(c.Text)
	id := r.sched.Enqueue("prompt", details)
	r.emit(EventTaskQueued, id, "", TaskData{Kind: "prompt", Details: details})

	timeout := r.cfg.DefaultTimeout
	if raw := c.Metadata[MetaTimeout]; raw != "" {
		d, err := approval.ParseDuration(raw)
		if err != nil {
			r.warn(id, "ignoring task timeout: %v", err)
		} else {
			timeout = d
		}
	}
	if timeout > 0 {
		r.sched.SetTimeout(id, r.now().Add(timeout))
	}

	wctx, cancel := context.WithCancel(r.workCtx)
	r.workers[id] = &worker{cancel: cancel, details: details, started: r.now()}
	r.sched.AttachStopper(id, func() { r.stopWorker(id) })
	r.deps.Metrics.TaskStarted()
	r.emit(EventTaskStarted, id, "", TaskData{Kind: "prompt"})

	prompt := agent.Prompt{TaskID: uint64(id), Text: c.Text, Metadata: c.Metadata}
	r.group.Go(func() error {
		r.runWorker(wctx, id, prompt)
		return nil
	})
	return Reply{TaskID: id, State: task.StateRunning.String()}, nil
}

func (r *Runtime) approve(c Approve) (Reply, error) {
	pa, state, err := r.sched.ResolveApproval(c.ApprovalID, c.Decision)
	if err != nil {
		if errors.Is(err, task.ErrApprovalDelivery) {
			r.warn(pa.TaskID, "approval %s not delivered, decision can be retried: %v", c.ApprovalID, err)
		} else {
			r.warn(0, "approval %s: %v", c.ApprovalID, err)
		}
		return Reply{}, err
	}
	r.deps.Metrics.Approval(string(c.Decision), "user")
	r.afterResolve(pa, c.Decision, state, "user")
	return Reply{TaskID: pa.TaskID, State: state.String()}, nil
}

// afterResolve reports a resolved approval. A denial cancels the task.
func (r *Runtime) afterResolve(pa task.PendingApproval, d approval.Decision, state task.State, source string) {
	data := ApprovalData{ApprovalID: pa.ApprovalID, Command: pa.Command, Decision: d, Source: source}
	if d == approval.DecisionApprove {
		r.emit(EventTaskStarted, pa.TaskID, "approved", data)
		return
	}
	if w := r.workers[pa.TaskID]; w != nil && w.reason == "" {
		w.reason = "command denied"
	}
	r.emit(EventTaskCancelling, pa.TaskID, "denied", data)
	if state == task.StateCancelling {
		r.stopWorker(pa.TaskID)
	}
}

func (r *Runtime) setPolicy(c SetApprovalPolicy) (Reply, error) {
	if c.Policy.Mode == "" {
		return Reply{}, errors.New("empty approval policy")
	}
	r.gate.Set(c.Policy)
	p := r.gate.Policy()
	r.emit(EventLifecyclePolicyChanged, 0, p.String(), LifecycleData{SessionID: r.cfg.SessionID, Policy: p})
	r.applyPolicy()
	return Reply{Policy: &p}, nil
}

// applyPolicy re-decides every pending approval under the current policy.
func (r *Runtime) applyPolicy() {
	for _, pa := range r.sched.Pending() {
		d, ok := r.gate.Decide()
		if !ok {
			return
		}
		_, state, err := r.sched.ResolveApproval(pa.ApprovalID, d)
		if err != nil {
			r.warn(pa.TaskID, "apply policy to approval %s: %v", pa.ApprovalID, err)
			continue
		}
		r.deps.Metrics.Approval(string(d), "policy")
		r.afterResolve(pa, d, state, "policy")
	}
}

func (r *Runtime) cancel(c CancelTask) (Reply, error) {
	if w := r.workers[c.TaskID]; w != nil && w.reason == "" {
		w.reason = "cancelled"
	}
	out, err := r.sched.RequestCancel(c.TaskID)
	if err != nil {
		r.warn(0, "cancel task %s: %v", c.TaskID, err)
		return Reply{}, err
	}
	if !out.AlreadyCancelling {
		r.reportCancelling(c.TaskID, "cancelled", out)
	}
	return Reply{TaskID: c.TaskID, State: task.StateCancelling.String()}, nil
}

// reportCancelling emits the auto-deny, if any, then task.cancelling. The
// deny's source is the reason the task stopped: cancelled or timeout.
func (r *Runtime) reportCancelling(id task.ID, reason string, out task.CancelOutcome) {
	data := TaskData{Reason: reason}
	if out.Denied != nil {
		source := "cancel"
		if reason == "timeout" {
			source = "timeout"
		}
		r.deps.Metrics.Approval(string(approval.DecisionDeny), source)
		r.emit(EventToolInfo, id, fmt.Sprintf("pending approval %s denied", out.Denied.ApprovalID), ApprovalData{
			ApprovalID: out.Denied.ApprovalID,
			Command:    out.Denied.Command,
			Decision:   approval.DecisionDeny,
			Source:     source,
		})
	}
	r.emit(EventTaskCancelling, id, reason, data)
}

func (r *Runtime) sweep() {
	now := r.now()
	for _, t := range r.sched.Snapshot() {
		if t.State != task.StateCancelling && !t.TimeoutAt.IsZero() && !now.Before(t.TimeoutAt) {
			if w := r.workers[t.ID]; w != nil && w.reason == "" {
				w.reason = "timed out"
			}
		}
	}
	for _, ex := range r.sched.EnforceTimeouts(now) {
		r.reportCancelling(ex.ID, "timeout", ex.CancelOutcome)
	}
	// An expired AutoApproveUntil demotes here even with nothing pending.
	if before := r.gate.Policy(); before.Mode == approval.ModeAutoApproveUntil {
		r.gate.Decide()
		if after := r.gate.Policy(); after.Mode != before.Mode {
			r.emit(EventLifecyclePolicyChanged, 0, "approval window expired", LifecycleData{SessionID: r.cfg.SessionID, Policy: after})
		}
	}
}

// stopWorker is the scheduler stop hook. It runs on the actor goroutine.
// Cancelling the worker's context reaches the shell engine, which interrupts
// the task's command if it is the one running in the pane.
func (r *Runtime) stopWorker(id task.ID) {
	if w := r.workers[id]; w != nil {
		w.cancel()
	}
}

func (r *Runtime) shutdown(reason string) {
	logger := splog.Named("runtime")
	logger.Infow("shutting down", "reason", reason, "live_tasks", r.sched.Len())
	r.emit(EventLifecycleStopping, 0, reason, nil)

	for _, t := range r.sched.Snapshot() {
		if w := r.workers[t.ID]; w != nil && w.reason == "" {
			w.reason = "runtime shut down"
		}
		out, err := r.sched.RequestCancel(t.ID)
		if err == nil && !out.AlreadyCancelling {
			r.reportCancelling(t.ID, "shutdown", out)
		}
	}

	deadline := time.NewTimer(r.cfg.DrainTimeout)
	defer deadline.Stop()
drain:
	for len(r.workers) > 0 {
		select {
		case m := <-r.msgs:
			r.handleMsg(m)
		case <-deadline.C:
			break drain
		}
	}

	if len(r.workers) > 0 {
		logger.Warnw("drain timed out", "abandoned_tasks", len(r.workers))
		for id, w := range r.workers {
			w.cancel()
			delete(r.workers, id)
			r.finishTask(id, w, "", fmt.Errorf("runtime shut down before the task finished"))
		}
	} else {
		_ = r.group.Wait()
	}
	r.cancelAll()

	r.emit(EventLifecycleStopped, 0, reason, nil)
	close(r.events)
}
