package coxfer

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"

	"github.com/google/uuid"
	"github.com/webriots/coro"
)

const (
	taskTraceTaskType   = "coxfer-run"
	taskTraceRegionType = "coxfer-task"
	taskTraceCategory   = "coxfer"
)

// State is the lifecycle state of a Task.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateSuspended
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether s is StateCompleted or StateFailed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Task is a cooperatively scheduled unit of work. Its body runs as a
// coroutine that suspends on transport handles and is resumed by its
// Scheduler with the operation's outcome.
type Task[Op, R any] struct {
	id       uuid.UUID
	ctx      context.Context
	state    State
	awaiting Handle
	value    any
	err      error
	handles  map[Handle]struct{}
	yield    func(Handle) Outcome[R]
	resume   func(Outcome[R]) (Handle, bool)
	cancel   func()
	sched    *Scheduler[Op, R]
	parent   *Task[Op, R]
}

func newTask[Op, R any](
	ctx context.Context,
	sched *Scheduler[Op, R],
	parent *Task[Op, R],
) *Task[Op, R] {
	task := &Task[Op, R]{
		id:      uuid.New(),
		sched:   sched,
		parent:  parent,
		handles: make(map[Handle]struct{}),
	}

	task.ctx = withTaskContext(ctx, task)
	return task
}

// bind attaches the coroutine running fn. The body does not start
// until the first step.
func (t *Task[Op, R]) bind(fn func(context.Context, *Task[Op, R]) (any, error)) {
	resume, cancel := coro.New(
		func(yield func(Handle) Outcome[R], _ func() Outcome[R]) (z Handle) {
			region := trace.StartRegion(t.ctx, taskTraceRegionType)
			defer region.End()

			t.yield = yield

			defer func() {
				if p := recover(); p != nil {
					t.finish(nil, newPanicError(p))
				}
			}()

			v, err := fn(t.ctx, t)
			t.finish(v, err)

			return
		},
	)

	t.resume = resume
	t.cancel = cancel
}

// ID returns the task's identity.
func (t *Task[Op, R]) ID() uuid.UUID {
	return t.id
}

// Context returns the context passed to the task's body.
func (t *Task[Op, R]) Context() context.Context {
	return t.ctx
}

// State returns the task's lifecycle state.
func (t *Task[Op, R]) State() State {
	return t.state
}

// Done reports whether the task reached a terminal state.
func (t *Task[Op, R]) Done() bool {
	return t.state.Terminal()
}

// Awaiting returns the handle the task is suspended on, if any.
func (t *Task[Op, R]) Awaiting() (Handle, bool) {
	return t.awaiting, t.state == StateSuspended
}

// Result returns the value or error the body finished with. It fails
// with ErrStillPending while the task is not terminal.
func (t *Task[Op, R]) Result() (any, error) {
	if !t.Done() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrStillPending, t.id, t.state)
	}
	return t.value, t.err
}

// Value returns the value the body returned, or nil while the task
// is not terminal. Unlike Result it never fails.
func (t *Task[Op, R]) Value() any {
	return t.value
}

// Err returns the error the task failed with. It is nil while the
// task is not terminal, not ErrStillPending.
func (t *Task[Op, R]) Err() error {
	return t.err
}

// ResultAs returns the task's result converted to V.
func ResultAs[V, Op, R any](t *Task[Op, R]) (V, error) {
	var zero V

	v, err := t.Result()
	if err != nil {
		return zero, err
	}

	if v == nil {
		return zero, nil
	}

	out, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("coxfer: task result is %T, not %T", v, zero)
	}
	return out, nil
}

// Go starts a child task sharing this task's scheduler and context.
// The child runs until its first suspension before Go returns.
func (t *Task[Op, R]) Go(fn func(context.Context, *Task[Op, R]) (any, error)) *Task[Op, R] {
	return t.sched.start(t.ctx, fn, t)
}

// Submit registers op with the scheduler's transport on behalf of the
// task without suspending. The returned handle is issued by the
// scheduler and stays valid for SuspendOn after the transport reissues
// the operation's own handle. An operation that is never awaited is
// fire-and-forget: its completion is discarded.
func (t *Task[Op, R]) Submit(op Op) (Handle, error) {
	if err := t.checkRunning("submit"); err != nil {
		return 0, err
	}

	if err := context.Cause(t.ctx); err != nil {
		return 0, err
	}

	h, err := t.sched.submit(t, op)
	if err != nil {
		return 0, err
	}

	t.Logf("SUBMIT %d", h)
	return h, nil
}

// SuspendOn suspends the task until the operation identified by h
// completes and returns its outcome. h must have been submitted by
// this task. It fails with ErrInvalidState when called from outside
// the task's body.
func (t *Task[Op, R]) SuspendOn(h Handle) (R, error) {
	var zero R

	if err := t.checkRunning("suspend"); err != nil {
		return zero, err
	}

	if _, ok := t.handles[h]; !ok {
		return zero, fmt.Errorf("%w: handle %d was not submitted by task %s", ErrInvalidState, h, t.id)
	}

	t.Logf("SUSPEND %d", h)
	t.state = StateSuspended
	t.awaiting = h

	out := t.yield(h)

	t.Logf("RESUME %d", h)
	return out.Value, out.Err
}

// Do submits op and suspends until it completes.
func (t *Task[Op, R]) Do(op Op) (R, error) {
	h, err := t.Submit(op)
	if err != nil {
		var zero R
		return zero, err
	}
	return t.SuspendOn(h)
}

func (t *Task[Op, R]) checkRunning(what string) error {
	if t.sched.current != t || t.state != StateRunning {
		return fmt.Errorf("%w: %s outside the body of %s task %s", ErrInvalidState, what, t.state, t.id)
	}
	return nil
}

// step runs the body from its current point with out until it
// suspends or returns. It reports the awaited handle and whether the
// task is suspended.
func (t *Task[Op, R]) step(out Outcome[R]) (Handle, bool) {
	s := t.sched
	prev := s.current
	s.current = t

	t.state = StateRunning
	t.awaiting = 0

	h, ok := t.resume(out)
	s.current = prev

	if !ok {
		t.cancel()
		return 0, false
	}
	return h, true
}

func (t *Task[Op, R]) finish(v any, err error) {
	t.value, t.err = v, err

	if err != nil {
		t.state = StateFailed
		t.Logf("FAILED %v", err)
	} else {
		t.state = StateCompleted
		t.Log("DONE")
	}

	t.sched.release(t)
}

func (t *Task[Op, R]) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

func (t *Task[Op, R]) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

func taskpath[Op, R any](sb *strings.Builder, t *Task[Op, R]) {
	if t == nil {
		return
	}
	taskpath(sb, t.parent)
	sb.WriteString(t.id.String()[:8])
	sb.WriteRune('|')
}
