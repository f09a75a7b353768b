package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holon-run/shellpilot/pkg/approval"
	splog "github.com/holon-run/shellpilot/pkg/log"
)

type entry struct {
	task Task
	stop func()
}

// Scheduler owns the live task set, pending approvals and the buffer of
// finished tasks. Tasks live in a slice scanned linearly; task counts are
// human-scale. All methods are safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	nextID    ID
	tasks     []*entry
	approvals []*PendingApproval
	completed []CompletedTask
	now       func() time.Time
}

func NewScheduler() *Scheduler {
	return NewSchedulerWithClock(time.Now)
}

func NewSchedulerWithClock(now func() time.Time) *Scheduler {
	return &Scheduler{now: now}
}

func (s *Scheduler) find(id ID) *entry {
	for _, e := range s.tasks {
		if e.task.ID == id {
			return e
		}
	}
	return nil
}

func (s *Scheduler) approvalIndex(approvalID string) int {
	for i, pa := range s.approvals {
		if pa.ApprovalID == approvalID {
			return i
		}
	}
	return -1
}

func (s *Scheduler) approvalForTask(id ID) int {
	for i, pa := range s.approvals {
		if pa.TaskID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeApproval(i int) {
	s.approvals = append(s.approvals[:i], s.approvals[i+1:]...)
}

// Enqueue creates a Running task. Ids start at 1 and are never reused.
func (s *Scheduler) Enqueue(kind, details string) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.tasks = append(s.tasks, &entry{task: Task{
		ID:        s.nextID,
		Kind:      kind,
		Details:   details,
		StartedAt: s.now(),
		State:     StateRunning,
	}})
	return s.nextID
}

// SetTimeout sets the deadline EnforceTimeouts checks against.
func (s *Scheduler) SetTimeout(id ID, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil {
		return false
	}
	e.task.TimeoutAt = at
	return true
}

// AttachStopper registers the hook RequestCancel uses to stop the task's
// work. It must return promptly.
func (s *Scheduler) AttachStopper(id ID, stop func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil {
		return false
	}
	e.stop = stop
	return true
}

// MarkWaitingApproval moves a Running task to WaitingApproval with a
// bounded preview of command and a copy of meta. It returns false for unknown tasks and for
// tasks already being cancelled.
func (s *Scheduler) MarkWaitingApproval(id ID, command string, meta *approval.Metadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil || e.task.State == StateCancelling {
		return false
	}
	e.task.State = StateWaitingApproval
	e.task.Preview = Preview(command)
	e.task.Metadata = nil
	if meta != nil {
		m := *meta
		e.task.Metadata = &m
	}
	e.task.Since = s.now()
	return true
}

// MarkRunning returns a task to Running after an approval. A Cancelling
// task never runs again, so it reports false.
func (s *Scheduler) MarkRunning(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil || e.task.State == StateCancelling {
		return false
	}
	s.markRunning(e)
	return true
}

func (s *Scheduler) markRunning(e *entry) {
	e.task.State = StateRunning
	e.task.Preview = ""
	e.task.Metadata = nil
	e.task.Since = time.Time{}
}

// AddApproval registers a pending approval for a task. resolve receives the
// decision exactly once.
func (s *Scheduler) AddApproval(id ID, command string, meta *approval.Metadata, resolve ResolveFunc) (PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil {
		return PendingApproval{}, fmt.Errorf("task %s: %w", id, ErrNoSuchTask)
	}
	if e.task.State == StateCancelling {
		return PendingApproval{}, fmt.Errorf("task %s is cancelling: %w", id, ErrNoSuchTask)
	}
	if s.approvalForTask(id) >= 0 {
		return PendingApproval{}, fmt.Errorf("task %s: %w", id, ErrApprovalPending)
	}
	pa := &PendingApproval{
		TaskID:     id,
		ApprovalID: uuid.NewString(),
		Command:    command,
		Metadata:   meta,
		CreatedAt:  s.now(),
		resolve:    resolve,
	}
	s.approvals = append(s.approvals, pa)
	return *pa, nil
}

// ResolveApproval delivers decision to the approval's task. On success the
// approval is removed and the task moves to Running (approve) or Cancelling
// (deny). When delivery fails nothing changes, so the decision can be retried.
func (s *Scheduler) ResolveApproval(approvalID string, decision approval.Decision) (PendingApproval, State, error) {
	if !decision.Valid() {
		return PendingApproval{}, 0, fmt.Errorf("invalid decision %q", decision)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.approvalIndex(approvalID)
	if i < 0 {
		return PendingApproval{}, 0, fmt.Errorf("approval %s: %w", approvalID, ErrNoSuchApproval)
	}
	pa := s.approvals[i]
	e := s.find(pa.TaskID)
	if e == nil {
		s.removeApproval(i)
		return PendingApproval{}, 0, fmt.Errorf("approval %s: %w", approvalID, ErrNoSuchTask)
	}
	if pa.resolve != nil {
		if err := pa.resolve(decision); err != nil {
			return *pa, e.task.State, fmt.Errorf("%w: %v", ErrApprovalDelivery, err)
		}
	}
	s.removeApproval(i)

	if decision == approval.DecisionApprove {
		if e.task.State != StateCancelling {
			s.markRunning(e)
		}
	} else {
		e.task.State = StateCancelling
		e.task.Since = s.now()
	}
	return *pa, e.task.State, nil
}

// RequestCancel stops a task cooperatively. A pending approval is denied
// first, exactly once; the task moves to Cancelling and its stop hook runs.
// Completion is reported later through Complete or Fail. Calling it again
// while Cancelling changes nothing.
func (s *Scheduler) RequestCancel(id ID) (CancelOutcome, error) {
	s.mu.Lock()
	e := s.find(id)
	if e == nil {
		s.mu.Unlock()
		return CancelOutcome{}, fmt.Errorf("task %s: %w", id, ErrNoSuchTask)
	}
	if e.task.State == StateCancelling {
		s.mu.Unlock()
		return CancelOutcome{AlreadyCancelling: true}, nil
	}

	var out CancelOutcome
	if i := s.approvalForTask(id); i >= 0 {
		pa := s.approvals[i]
		if pa.resolve != nil {
			if err := pa.resolve(approval.DecisionDeny); err != nil {
				// The stop hook still unblocks the task.
				splog.Named("scheduler").Warnw("auto-deny not delivered", "task_id", id, "approval_id", pa.ApprovalID, "error", err)
			}
		}
		s.removeApproval(i)
		denied := *pa
		out.Denied = &denied
	}
	e.task.State = StateCancelling
	e.task.Since = s.now()
	stop := e.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return out, nil
}

// EnforceTimeouts cancels every task whose deadline is at or before now and
// that is not already Cancelling. It returns the tasks it cancelled, with any
// approval the cancel denied, so a repeated sweep returns nothing new.
func (s *Scheduler) EnforceTimeouts(now time.Time) []Expired {
	s.mu.Lock()
	var due []ID
	for _, e := range s.tasks {
		if e.task.TimeoutAt.IsZero() || e.task.State == StateCancelling {
			continue
		}
		if !now.Before(e.task.TimeoutAt) {
			due = append(due, e.task.ID)
		}
	}
	s.mu.Unlock()

	var cancelled []Expired
	for _, id := range due {
		out, err := s.RequestCancel(id)
		if err != nil || out.AlreadyCancelling {
			continue
		}
		cancelled = append(cancelled, Expired{ID: id, CancelOutcome: out})
	}
	return cancelled
}

// Complete removes a task that finished normally.
func (s *Scheduler) Complete(id ID, response string) (CompletedTask, bool) {
	return s.finish(id, response, "")
}

// Fail removes a task that failed or was cancelled.
func (s *Scheduler) Fail(id ID, message string) (CompletedTask, bool) {
	if message == "" {
		message = "failed"
	}
	return s.finish(id, "", message)
}

func (s *Scheduler) finish(id ID, response, message string) (CompletedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, e := range s.tasks {
		if e.task.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return CompletedTask{}, false
	}
	e := s.tasks[idx]
	s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
	for i := s.approvalForTask(id); i >= 0; i = s.approvalForTask(id) {
		s.removeApproval(i)
	}

	done := CompletedTask{
		ID:         id,
		Kind:       e.task.Kind,
		StartedAt:  e.task.StartedAt,
		FinishedAt: s.now(),
		Response:   response,
		Error:      message,
	}
	s.completed = append(s.completed, done)
	return done, true
}

// TakeCompleted returns and clears the completed buffer.
func (s *Scheduler) TakeCompleted() []CompletedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := s.completed
	s.completed = nil
	return done
}

func (s *Scheduler) Get(id ID) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(id); e != nil {
		return e.task, true
	}
	return Task{}, false
}

// Snapshot copies the live tasks in creation order.
func (s *Scheduler) Snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ActiveApproval is the oldest pending approval, the one a frontend shows.
func (s *Scheduler) ActiveApproval() (PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.approvals) == 0 {
		return PendingApproval{}, false
	}
	return *s.approvals[0], true
}

// Pending lists pending approvals oldest first.
func (s *Scheduler) Pending() []PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingApproval, 0, len(s.approvals))
	for _, pa := range s.approvals {
		out = append(out, *pa)
	}
	return out
}
