package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/shellpilot/pkg/agent"
	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/metrics"
	"github.com/holon-run/shellpilot/pkg/redact"
	"github.com/holon-run/shellpilot/pkg/shell"
	"github.com/holon-run/shellpilot/pkg/store"
	"github.com/holon-run/shellpilot/pkg/task"
)

type fakeShell struct {
	mu    sync.Mutex
	calls []shell.Invocation
	run   func(ctx context.Context, inv shell.Invocation) (shell.Result, error)
}

func (f *fakeShell) Run(ctx context.Context, inv shell.Invocation) (shell.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(ctx, inv)
	}
	return shell.Result{PaneID: "%1", Output: &shell.ExecOutput{Stdout: inv.Command + "\n"}}, nil
}

func (f *fakeShell) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func blockUntilDone(ctx context.Context, _ shell.Invocation) (shell.Result, error) {
	<-ctx.Done()
	return shell.Result{}, ctx.Err()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
}

func record(rt *Runtime) *recorder {
	rec := &recorder{closed: make(chan struct{})}
	go func() {
		defer close(rec.closed)
		for ev := range rt.Events() {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	return rec
}

func (rec *recorder) all() []Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Event(nil), rec.events...)
}

func (rec *recorder) find(typ EventType, id task.ID) (Event, bool) {
	for _, ev := range rec.all() {
		if ev.Type == typ && ev.TaskID == id {
			return ev, true
		}
	}
	return Event{}, false
}

func (rec *recorder) count(typ EventType, id task.ID) int {
	n := 0
	for _, ev := range rec.all() {
		if ev.Type == typ && ev.TaskID == id {
			n++
		}
	}
	return n
}

func (rec *recorder) waitFor(t *testing.T, typ EventType, id task.ID) Event {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := rec.find(typ, id)
		return ok
	}, 3*time.Second, 5*time.Millisecond, "waiting for %s on task %d", typ, id)
	ev, _ := rec.find(typ, id)
	return ev
}

func (rec *recorder) types(id task.ID) []EventType {
	var out []EventType
	for _, ev := range rec.all() {
		if ev.TaskID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (rec *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream never closed")
	}
}

func start(t *testing.T, cfg Config, deps Deps) (*Runtime, *recorder) {
	t.Helper()
	rt := New(cfg, deps)
	rec := record(rt)
	rt.Start(context.Background())
	t.Cleanup(func() {
		_, _ = rt.Send(context.Background(), Shutdown{})
		select {
		case <-rec.closed:
		case <-time.After(10 * time.Second):
			t.Error("event stream never closed")
		}
	})
	return rt, rec
}

func submit(t *testing.T, rt *Runtime, text string, meta map[string]string) task.ID {
	t.Helper()
	reply, err := rt.Send(context.Background(), SubmitPrompt{Text: text, Metadata: meta})
	require.NoError(t, err)
	require.NotZero(t, reply.TaskID)
	return reply.TaskID
}

func autoApprove() Config {
	return Config{Policy: approval.AutoApprove()}
}

func TestStartupReportsSessionThenLifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := Config{SessionID: "s1", Target: "local", Attach: "tmux attach -t sp-default"}

	rt, rec := start(t, cfg, Deps{Store: st, Shell: &fakeShell{}})
	rec.waitFor(t, EventLifecycleStarted, 0)
	events := rec.all()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventSessionCreated, events[0].Type)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventLifecycleStarted, events[1].Type)
	data := events[1].Data.(LifecycleData)
	assert.Equal(t, "s1", data.SessionID)
	assert.Equal(t, approval.ModeAsk, data.Policy.Mode)
	assert.Equal(t, cfg.Attach, data.Attach)
	assert.Equal(t, approval.ModeAsk, rt.Policy().Mode)

	_, rec2 := start(t, cfg, Deps{Store: st, Shell: &fakeShell{}})
	ev := rec2.waitFor(t, EventSessionResumed, 0)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestAutoApprovedCommandRunsToCompletion(t *testing.T) {
	sh := &fakeShell{}
	m := metrics.New()
	rt, rec := start(t, autoApprove(), Deps{Shell: sh, Metrics: m})

	id := submit(t, rt, "echo hi", nil)
	done := rec.waitFor(t, EventTaskCompleted, id)
	assert.Equal(t, "exit code: 0\nstdout:\necho hi\n", done.Data.(TaskData).Response)

	assert.Equal(t, []EventType{
		EventTaskQueued,
		EventTaskStarted,
		EventModelTurnStarted,
		EventToolCallRequested,
		EventToolInfo,
		EventToolCallStarted,
		EventToolStdoutChunk,
		EventToolCompleted,
		EventToolResult,
		EventMetricsPhaseDuration,
		EventModelText,
		EventModelTurnCompleted,
		EventTaskCompleted,
	}, rec.types(id)[:13])

	result, _ := rec.find(EventToolResult, id)
	tool := result.Data.(ToolData)
	require.NotNil(t, tool.ExitCode)
	assert.Equal(t, 0, *tool.ExitCode)
	assert.Equal(t, "%1", tool.PaneID)

	assert.Equal(t, 1, sh.Calls())
	assert.Empty(t, rt.Tasks())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShellCommands.WithLabelValues("wait", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("approve", "policy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksActive))
}

func TestEventSequenceIsStrictlyIncreasing(t *testing.T) {
	rt, rec := start(t, autoApprove(), Deps{Shell: &fakeShell{}})
	var ids []task.ID
	for _, cmd := range []string{"true", "ls", "pwd"} {
		ids = append(ids, submit(t, rt, cmd, nil))
	}
	for _, id := range ids {
		rec.waitFor(t, EventTaskCompleted, id)
	}

	events := rec.all()
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq, "event %d", i)
	}
	assert.Less(t, uint64(ids[0]), uint64(ids[1]))
	assert.Less(t, uint64(ids[1]), uint64(ids[2]))
}

func TestAskPolicyWaitsForApproval(t *testing.T) {
	sh := &fakeShell{}
	rt, rec := start(t, Config{}, Deps{Shell: sh})

	id := submit(t, rt, "rm -rf build", nil)
	ev := rec.waitFor(t, EventTaskWaitingApproval, id)
	data := ev.Data.(ApprovalData)
	assert.Equal(t, "rm -rf build", data.Command)
	assert.Equal(t, "rm -rf build", data.Preview)
	require.NotNil(t, data.Metadata)
	require.NotEmpty(t, data.ApprovalID)

	tasks := rt.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, task.StateWaitingApproval, tasks[0].State)
	require.Len(t, rt.Pending(), 1)
	assert.Zero(t, sh.Calls())

	reply, err := rt.Send(context.Background(), Approve{ApprovalID: data.ApprovalID, Decision: approval.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, id, reply.TaskID)
	assert.Equal(t, "running", reply.State)

	rec.waitFor(t, EventTaskCompleted, id)
	assert.Equal(t, 1, sh.Calls())
	// Started once on admission and once on approval.
	assert.Equal(t, 2, rec.count(EventTaskStarted, id))

	_, err = rt.Send(context.Background(), Approve{ApprovalID: data.ApprovalID, Decision: approval.DecisionApprove})
	assert.ErrorIs(t, err, task.ErrNoSuchApproval)
}

func TestDenyCancelsTask(t *testing.T) {
	sh := &fakeShell{}
	rt, rec := start(t, Config{}, Deps{Shell: sh})

	id := submit(t, rt, "shutdown -h now", nil)
	data := rec.waitFor(t, EventTaskWaitingApproval, id).Data.(ApprovalData)

	reply, err := rt.Send(context.Background(), Approve{ApprovalID: data.ApprovalID, Decision: approval.DecisionDeny})
	require.NoError(t, err)
	assert.Equal(t, "cancelling", reply.State)

	rec.waitFor(t, EventTaskCancelling, id)
	failed := rec.waitFor(t, EventTaskFailed, id)
	assert.Equal(t, "command denied", failed.Message)
	assert.Zero(t, sh.Calls())
	assert.Empty(t, rt.Tasks())
	assert.Empty(t, rt.Pending())
}

func TestAutoDenyFailsWithoutRunning(t *testing.T) {
	sh := &fakeShell{}
	rt, rec := start(t, Config{Policy: approval.AutoDeny()}, Deps{Shell: sh})

	id := submit(t, rt, "make", nil)
	failed := rec.waitFor(t, EventTaskFailed, id)
	assert.Equal(t, agent.ErrDenied.Error(), failed.Message)
	assert.Zero(t, sh.Calls())
}

func TestSetPolicyResolvesPendingApprovals(t *testing.T) {
	sh := &fakeShell{}
	rt, rec := start(t, Config{}, Deps{Shell: sh})

	a := submit(t, rt, "make a", nil)
	b := submit(t, rt, "make b", nil)
	rec.waitFor(t, EventTaskWaitingApproval, a)
	rec.waitFor(t, EventTaskWaitingApproval, b)

	reply, err := rt.Send(context.Background(), SetApprovalPolicy{Policy: approval.AutoApprove()})
	require.NoError(t, err)
	require.NotNil(t, reply.Policy)
	assert.Equal(t, approval.ModeAutoApprove, reply.Policy.Mode)

	rec.waitFor(t, EventTaskCompleted, a)
	rec.waitFor(t, EventTaskCompleted, b)
	assert.Equal(t, 2, sh.Calls())

	changed := rec.waitFor(t, EventLifecyclePolicyChanged, 0)
	for _, id := range []task.ID{a, b} {
		var approvedSeq uint64
		for _, ev := range rec.all() {
			if ev.TaskID == id && ev.Type == EventTaskStarted && ev.Message == "approved" {
				approvedSeq = ev.Seq
			}
		}
		assert.Greater(t, approvedSeq, changed.Seq, "task %d", id)
	}
}

func TestExpiredApprovalWindowAsks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Policy: approval.AutoApproveUntil(now.Add(-time.Second)), SweepInterval: time.Hour}
	rt, rec := start(t, cfg, Deps{Shell: &fakeShell{}, Now: func() time.Time { return now }})

	id := submit(t, rt, "ls", nil)
	rec.waitFor(t, EventTaskWaitingApproval, id)
	assert.Equal(t, approval.ModeAsk, rt.Policy().Mode)
}

func TestCancelWhileWaitingApproval(t *testing.T) {
	m := metrics.New()
	rt, rec := start(t, Config{}, Deps{Shell: &fakeShell{}, Metrics: m})

	id := submit(t, rt, "sleep 100", nil)
	rec.waitFor(t, EventTaskWaitingApproval, id)

	reply, err := rt.Send(context.Background(), CancelTask{TaskID: id})
	require.NoError(t, err)
	assert.Equal(t, "cancelling", reply.State)

	info := rec.waitFor(t, EventToolInfo, id)
	assert.Equal(t, approval.DecisionDeny, info.Data.(ApprovalData).Decision)
	failed := rec.waitFor(t, EventTaskFailed, id)
	assert.Equal(t, "cancelled", failed.Message)
	assert.Empty(t, rt.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("deny", "cancel")))

	_, err = rt.Send(context.Background(), CancelTask{TaskID: id})
	assert.ErrorIs(t, err, task.ErrNoSuchTask)
}

func TestCancelIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	driver := agent.DriverFunc(func(ctx context.Context, p agent.Prompt, s agent.Session) (string, error) {
		<-release
		return "", ctx.Err()
	})
	rt, rec := start(t, autoApprove(), Deps{Driver: driver, Shell: &fakeShell{}})
	t.Cleanup(func() { close(release) })

	id := submit(t, rt, "anything", nil)
	for range 3 {
		reply, err := rt.Send(context.Background(), CancelTask{TaskID: id})
		require.NoError(t, err)
		assert.Equal(t, "cancelling", reply.State)
	}
	rec.waitFor(t, EventTaskCancelling, id)
	assert.Equal(t, 1, rec.count(EventTaskCancelling, id))

	tasks := rt.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, task.StateCancelling, tasks[0].State)
}

func TestCancelStopsRunningCommand(t *testing.T) {
	sh := &fakeShell{run: blockUntilDone}
	rt, rec := start(t, autoApprove(), Deps{Shell: sh})

	id := submit(t, rt, "sleep 100", nil)
	rec.waitFor(t, EventToolCallStarted, id)

	_, err := rt.Send(context.Background(), CancelTask{TaskID: id})
	require.NoError(t, err)

	failed := rec.waitFor(t, EventTaskFailed, id)
	assert.Equal(t, "cancelled", failed.Message)

	result := rec.waitFor(t, EventToolResult, id)
	assert.Contains(t, result.Data.(ToolData).Error, context.Canceled.Error())
}

func TestCancelLeavesOtherTasksRunning(t *testing.T) {
	release := make(chan struct{})
	sh := &fakeShell{run: func(ctx context.Context, inv shell.Invocation) (shell.Result, error) {
		if inv.Command != "sleep 3; echo B-done" {
			return blockUntilDone(ctx, inv)
		}
		select {
		case <-release:
			return shell.Result{PaneID: "%1", Output: &shell.ExecOutput{Stdout: "B-done\n"}}, nil
		case <-ctx.Done():
			return shell.Result{}, ctx.Err()
		}
	}}
	rt, rec := start(t, autoApprove(), Deps{Shell: sh})

	b := submit(t, rt, "sleep 3; echo B-done", nil)
	rec.waitFor(t, EventToolCallStarted, b)
	a := submit(t, rt, "echo A", nil)
	rec.waitFor(t, EventToolCallStarted, a)

	_, err := rt.Send(context.Background(), CancelTask{TaskID: a})
	require.NoError(t, err)
	rec.waitFor(t, EventTaskFailed, a)

	tasks := rt.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, b, tasks[0].ID)
	assert.Equal(t, task.StateRunning, tasks[0].State)
	assert.Zero(t, rec.count(EventTaskCancelling, b))

	close(release)
	done := rec.waitFor(t, EventTaskCompleted, b)
	assert.Contains(t, done.Data.(TaskData).Response, "B-done")
}

func TestTaskTimeoutIsEnforcedBySweep(t *testing.T) {
	cfg := autoApprove()
	cfg.DefaultTimeout = 30 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	rt, rec := start(t, cfg, Deps{Shell: &fakeShell{run: blockUntilDone}})

	id := submit(t, rt, "sleep 100", nil)
	cancelling := rec.waitFor(t, EventTaskCancelling, id)
	assert.Equal(t, "timeout", cancelling.Message)
	failed := rec.waitFor(t, EventTaskFailed, id)
	assert.Equal(t, "timed out", failed.Message)
	assert.Equal(t, 1, rec.count(EventTaskCancelling, id))
}

func TestTimeoutWhileWaitingApprovalDeniesIt(t *testing.T) {
	cfg := Config{
		DefaultTimeout: 30 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	}
	m := metrics.New()
	sh := &fakeShell{}
	rt, rec := start(t, cfg, Deps{Shell: sh, Metrics: m})

	id := submit(t, rt, "terraform apply", nil)
	waiting := rec.waitFor(t, EventTaskWaitingApproval, id)
	approvalID := waiting.Data.(ApprovalData).ApprovalID

	rec.waitFor(t, EventTaskFailed, id)
	info := rec.waitFor(t, EventToolInfo, id)
	data := info.Data.(ApprovalData)
	assert.Equal(t, approvalID, data.ApprovalID)
	assert.Equal(t, approval.DecisionDeny, data.Decision)
	assert.Equal(t, "timeout", data.Source)

	cancelling := rec.waitFor(t, EventTaskCancelling, id)
	assert.Equal(t, "timeout", cancelling.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("deny", "timeout")))
	assert.Zero(t, sh.Calls())
	assert.Empty(t, rt.Pending())
}

func TestTimeoutMetadata(t *testing.T) {
	cfg := autoApprove()
	cfg.SweepInterval = time.Hour
	release := make(chan struct{})
	driver := agent.DriverFunc(func(ctx context.Context, p agent.Prompt, s agent.Session) (string, error) {
		<-release
		return "ok", nil
	})
	rt, rec := start(t, cfg, Deps{Driver: driver})
	t.Cleanup(func() { close(release) })

	submit(t, rt, "build", map[string]string{MetaTimeout: "10m"})
	tasks := rt.Tasks()
	require.Len(t, tasks, 1)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), tasks[0].TimeoutAt, 5*time.Second)

	bad := submit(t, rt, "build", map[string]string{MetaTimeout: "soon"})
	warn := rec.waitFor(t, EventWarning, bad)
	assert.Contains(t, warn.Message, "ignoring task timeout")
}

func TestEmptyPromptIsRejected(t *testing.T) {
	rt, rec := start(t, autoApprove(), Deps{Shell: &fakeShell{}})
	_, err := rt.Send(context.Background(), SubmitPrompt{Text: "  \n"})
	require.Error(t, err)
	rec.waitFor(t, EventWarning, 0)
	assert.Empty(t, rt.Tasks())
}

func TestModelTurnEvents(t *testing.T) {
	m := metrics.New()
	driver := agent.DriverFunc(func(ctx context.Context, p agent.Prompt, s agent.Session) (string, error) {
		s.TurnStarted(1)
		s.Text("looking around")
		s.TurnCompleted(1, agent.Usage{InputTokens: 10, OutputTokens: 5, ContextTokens: 120, ContextLimit: 1000})
		return "done", nil
	})
	rt, rec := start(t, autoApprove(), Deps{Driver: driver, Metrics: m})

	id := submit(t, rt, "explain", nil)
	rec.waitFor(t, EventTaskCompleted, id)
	assert.Equal(t, []EventType{
		EventTaskQueued,
		EventTaskStarted,
		EventModelTurnStarted,
		EventModelText,
		EventModelTurnCompleted,
		EventMetricsTokenUsage,
		EventMetricsContextUsage,
		EventTaskCompleted,
	}, rec.types(id)[:8])

	usage, _ := rec.find(EventMetricsContextUsage, id)
	assert.Equal(t, ContextUsageData{Tokens: 120, Limit: 1000}, usage.Data)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Tokens.WithLabelValues("input")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Tokens.WithLabelValues("output")))
}

func TestDriverPanicFailsOnlyThatTask(t *testing.T) {
	driver := agent.DriverFunc(func(ctx context.Context, p agent.Prompt, s agent.Session) (string, error) {
		if p.Text == "boom" {
			panic("kaboom")
		}
		return "fine", nil
	})
	rt, rec := start(t, autoApprove(), Deps{Driver: driver})

	bad := submit(t, rt, "boom", nil)
	failed := rec.waitFor(t, EventTaskFailed, bad)
	assert.Contains(t, failed.Message, "kaboom")

	good := submit(t, rt, "ok", nil)
	done := rec.waitFor(t, EventTaskCompleted, good)
	assert.Equal(t, "fine", done.Data.(TaskData).Response)
}

func TestShellErrorsAreReported(t *testing.T) {
	sh := &fakeShell{run: func(ctx context.Context, inv shell.Invocation) (shell.Result, error) {
		return shell.Result{}, &shell.TimeoutError{Command: inv.Command, PaneID: "%2", After: time.Second}
	}}
	rt, rec := start(t, autoApprove(), Deps{Shell: sh})

	id := submit(t, rt, "sleep 5", map[string]string{agent.MetaMode: "wait_with_timeout", agent.MetaWaitTimeout: "1s"})
	result := rec.waitFor(t, EventToolResult, id).Data.(ToolData)
	assert.True(t, result.TimedOut)
	assert.Equal(t, "wait_with_timeout", result.Mode)

	// A timed out wait is an answer, not a failure.
	rec.waitFor(t, EventTaskCompleted, id)
}

func TestHistoryIsSavedAndCompacted(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := autoApprove()
	cfg.SessionID = "hist"
	cfg.MaxHistory = 1
	rt, rec := start(t, cfg, Deps{Shell: &fakeShell{}, Store: st})

	first := submit(t, rt, "echo one", nil)
	rec.waitFor(t, EventSessionSaved, first)
	second := submit(t, rt, "echo two", nil)
	rec.waitFor(t, EventSessionSaved, second)

	compacted := rec.waitFor(t, EventSessionCompacted, 0)
	assert.Equal(t, SessionData{SessionID: "hist", Dropped: 1}, compacted.Data)

	records, err := st.ListTasks(context.Background(), "hist", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(second), records[0].TaskID)
	assert.Equal(t, "echo two", records[0].Details)
}

func TestHistoryIsRedacted(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := autoApprove()
	cfg.SessionID = "secret"
	r := redact.New(redact.Config{Mode: redact.ModeBasic})
	rt, rec := start(t, cfg, Deps{Shell: &fakeShell{}, Store: st, Redact: r.String})

	id := submit(t, rt, "GITHUB_TOKEN=abc123 ./release.sh", nil)
	done := rec.waitFor(t, EventTaskCompleted, id)
	assert.Contains(t, done.Data.(TaskData).Response, "abc123")
	rec.waitFor(t, EventSessionSaved, id)

	records, err := st.ListTasks(context.Background(), "secret", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Response, "abc123")
	assert.NotContains(t, records[0].Details, "abc123")
	assert.Contains(t, records[0].Response, "GITHUB_TOKEN=***REDACTED*** ./release.sh")
}

func TestShutdownDrainsWorkers(t *testing.T) {
	st := store.NewMemoryStore()
	rt := New(autoApprove(), Deps{Shell: &fakeShell{run: blockUntilDone}, Store: st})
	rec := record(rt)
	rt.Start(context.Background())

	id := submit(t, rt, "tail -f log", nil)
	rec.waitFor(t, EventToolCallStarted, id)

	_, err := rt.Send(context.Background(), Shutdown{})
	require.NoError(t, err)
	rec.waitClosed(t)
	<-rt.Done()

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, EventLifecycleStopped, last.Type)
	failed, ok := rec.find(EventTaskFailed, id)
	require.True(t, ok)
	assert.Equal(t, "runtime shut down", failed.Message)
	assert.Less(t, failed.Seq, last.Seq)

	records, err := st.ListTasks(context.Background(), "default", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = rt.Send(context.Background(), SubmitPrompt{Text: "late"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestShutdownAbandonsStuckWorkers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	driver := agent.DriverFunc(func(ctx context.Context, p agent.Prompt, s agent.Session) (string, error) {
		<-release
		return "", nil
	})
	cfg := autoApprove()
	cfg.DrainTimeout = 20 * time.Millisecond
	rt := New(cfg, Deps{Driver: driver})
	rec := record(rt)
	rt.Start(context.Background())

	id := submit(t, rt, "stuck", nil)
	_, err := rt.Send(context.Background(), Shutdown{})
	require.NoError(t, err)
	rec.waitClosed(t)

	failed, ok := rec.find(EventTaskFailed, id)
	require.True(t, ok)
	assert.Equal(t, "runtime shut down before the task finished", failed.Message)
}

func TestContextCancelStopsRuntime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(Config{}, Deps{})
	rec := record(rt)
	rt.Start(ctx)
	rec.waitFor(t, EventLifecycleStarted, 0)

	cancel()
	rec.waitClosed(t)
	<-rt.Done()
	_, ok := rec.find(EventLifecycleStopping, 0)
	assert.True(t, ok)

	_, err := rt.Send(context.Background(), CancelTask{TaskID: 1})
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestEventFamily(t *testing.T) {
	assert.Equal(t, "task", EventTaskStarted.Family())
	assert.Equal(t, "warning", EventWarning.Family())
	assert.Equal(t, "metrics", EventMetricsTokenUsage.Family())
}
