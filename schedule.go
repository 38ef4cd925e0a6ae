package coxfer

import (
	"context"
	"fmt"
	"runtime/trace"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultPollTimeout bounds the time a single Transport.Poll may
	// wait for completions.
	DefaultPollTimeout = 10 * time.Millisecond
)

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	pollTimeout time.Duration
	log         *zap.Logger
}

// WithPollTimeout sets the bound passed to Transport.Poll on every
// loop iteration.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithLogger sets the logger used for scheduler events.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Stats counts scheduler events over its lifetime.
type Stats struct {
	Started     int
	Polls       int
	Completions int
	Resumes     int
	Parked      int
	Dropped     int
}

// Scheduler runs tasks cooperatively on a single thread of control.
// It owns a Transport and the registry of tasks suspended on
// operations for the duration of one Run.
//
// Handles returned by Task.Submit are issued by the scheduler and are
// never reused. Each maps to the transport handle of its operation
// until that operation's completion is drained, after which the
// transport may reissue its handle.
type Scheduler[Op, R any] struct {
	noCopy    noCopy
	transport Transport[Op, R]
	pending   *Registry[*Task[Op, R]]
	next      Handle
	inflight  map[Handle]Handle
	owned     map[Handle]*Task[Op, R]
	parked    map[Handle]Outcome[R]
	current   *Task[Op, R]
	timeout   time.Duration
	log       *zap.Logger
	fault     error
	running   bool
	closed    bool
	stats     Stats
}

// New returns a Scheduler driving tasks over transport.
func New[Op, R any](transport Transport[Op, R], opts ...Option) *Scheduler[Op, R] {
	o := options{
		pollTimeout: DefaultPollTimeout,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Scheduler[Op, R]{
		transport: transport,
		pending:   NewRegistry[*Task[Op, R]](),
		inflight:  make(map[Handle]Handle),
		owned:     make(map[Handle]*Task[Op, R]),
		parked:    make(map[Handle]Outcome[R]),
		timeout:   o.pollTimeout,
		log:       o.log,
	}
}

// Start runs fn as a new task until its first suspension or until it
// returns, whichever comes first, and returns the task.
func (s *Scheduler[Op, R]) Start(fn func(context.Context, *Task[Op, R]) (any, error)) *Task[Op, R] {
	return s.start(context.Background(), fn, nil)
}

// StartContext is like Start with ctx as the parent of the task's
// context.
func (s *Scheduler[Op, R]) StartContext(
	ctx context.Context,
	fn func(context.Context, *Task[Op, R]) (any, error),
) *Task[Op, R] {
	return s.start(ctx, fn, nil)
}

func (s *Scheduler[Op, R]) start(
	ctx context.Context,
	fn func(context.Context, *Task[Op, R]) (any, error),
	parent *Task[Op, R],
) *Task[Op, R] {
	task := newTask(ctx, s, parent)
	s.stats.Started++

	if s.closed {
		task.state = StateFailed
		task.err = ErrClosed
		return task
	}

	task.bind(fn)
	task.Log("START")
	s.drive(task, Outcome[R]{})

	if task.Done() {
		s.log.Debug("task finished before suspending",
			zap.Stringer("task", task.id),
			zap.Stringer("state", task.state))
	}
	return task
}

// Stats returns the scheduler's counters.
func (s *Scheduler[Op, R]) Stats() Stats {
	return s.stats
}

// Pending returns the number of tasks suspended on a handle.
func (s *Scheduler[Op, R]) Pending() int {
	return s.pending.Len()
}

// Run drives all started tasks until none is suspended and the
// transport has nothing in flight, then closes the transport.
//
// Run returns nil when every task reached a terminal state, whether
// completed or failed. It returns an error when the run was aborted:
// a *TransportError when Poll failed, the context's cause when ctx
// ended, or an invariant violation (ErrUnknownHandle,
// ErrDuplicateHandle, ErrOrphanedHandle). Tasks pending at the time
// of an abort are resumed with that error, so every task is terminal
// when Run returns.
func (s *Scheduler[Op, R]) Run(ctx context.Context) (err error) {
	if s.running {
		return fmt.Errorf("%w: scheduler is already running", ErrInvalidState)
	}

	if s.closed {
		return ErrClosed
	}

	s.running = true

	var tracer *trace.Task
	ctx, tracer = trace.NewTask(ctx, taskTraceTaskType)
	defer tracer.End()

	defer func() {
		s.running = false
		s.closed = true
		err = multierr.Append(err, s.transport.Close())
		s.log.Debug("run done",
			zap.Int("polls", s.stats.Polls),
			zap.Int("completions", s.stats.Completions),
			zap.Int("resumes", s.stats.Resumes),
			zap.Error(err))
	}()

	s.log.Debug("run", zap.Int("pending", s.pending.Len()), zap.Int("in_flight", s.transport.InFlight()))
	trace.Log(ctx, taskTraceCategory, "LOOP")

	for {
		if s.fault == nil {
			inflight := s.transport.InFlight()

			switch {
			case s.pending.IsEmpty() && inflight == 0:
				trace.Log(ctx, taskTraceCategory, "LOOP DONE")
				return nil
			case inflight == 0:
				s.violate(fmt.Errorf("%w: %v", ErrOrphanedHandle, s.pending.Handles()))
			default:
				if cause := context.Cause(ctx); cause != nil {
					s.fault = cause
				}
			}
		}

		if s.fault != nil {
			s.abort()
			return s.fault
		}

		trace.Logf(ctx, taskTraceCategory, "LOOP POLL PENDING %v IN_FLIGHT %v",
			s.pending.Len(), s.transport.InFlight())

		s.stats.Polls++
		if perr := s.transport.Poll(s.timeout); perr != nil {
			s.fault = &TransportError{Err: perr}
			s.log.Error("transport poll failed", zap.Error(perr))
			continue
		}

		s.deliver(s.transport.DrainCompleted())
	}
}

// deliver routes a drained batch. Every transport handle in the batch
// is released before the first task resumes, since the transport may
// hand any of them to operations that task submits.
func (s *Scheduler[Op, R]) deliver(batch []Completion[R]) {
	handles := make([]Handle, len(batch))
	for i, c := range batch {
		h, ok := s.inflight[c.Handle]
		if !ok {
			s.violate(fmt.Errorf("%w: transport completed handle %d", ErrUnknownHandle, c.Handle))
			return
		}
		delete(s.inflight, c.Handle)
		handles[i] = h
	}

	for i, c := range batch {
		s.complete(handles[i], c.Outcome)
		if s.fault != nil {
			return
		}
	}
}

// complete routes the outcome of the operation behind h to the task
// waiting on it. Outcomes nobody waits on yet are parked while their
// owner runs, and dropped once it finished.
func (s *Scheduler[Op, R]) complete(h Handle, out Outcome[R]) {
	s.stats.Completions++

	if !s.pending.Has(h) {
		owner, ok := s.owned[h]
		if !ok || owner.Done() {
			if ok {
				s.forget(owner, h)
			}
			s.stats.Dropped++
			return
		}

		s.parked[h] = out
		s.stats.Parked++
		return
	}

	task, err := s.pending.Take(h)
	if err != nil {
		s.violate(err)
		return
	}

	if task.state != StateSuspended {
		return
	}

	task.Logf("IO RESP %d", h)
	if err := s.resume(task, out); err != nil {
		s.violate(err)
	}
}

// resume continues a suspended task with out. It fails with
// ErrInvalidState unless the task is suspended.
func (s *Scheduler[Op, R]) resume(task *Task[Op, R], out Outcome[R]) error {
	if task.state != StateSuspended {
		return fmt.Errorf("%w: resume of %s task %s", ErrInvalidState, task.state, task.id)
	}

	s.forget(task, task.awaiting)
	s.stats.Resumes++
	s.drive(task, out)
	return nil
}

// drive steps task with out and keeps stepping while its new
// suspension can be satisfied immediately. Otherwise the suspension is
// registered as pending.
func (s *Scheduler[Op, R]) drive(task *Task[Op, R], out Outcome[R]) {
	for {
		h, suspended := task.step(out)
		if !suspended {
			return
		}

		if s.fault != nil {
			s.forget(task, h)
			s.stats.Resumes++
			out = Outcome[R]{Err: s.fault}
			continue
		}

		if parked, ok := s.parked[h]; ok {
			delete(s.parked, h)
			s.forget(task, h)
			s.stats.Resumes++
			out = parked
			continue
		}

		if err := s.pending.Register(h, task); err != nil {
			s.violate(err)
			s.forget(task, h)
			s.stats.Resumes++
			out = Outcome[R]{Err: err}
			continue
		}

		return
	}
}

func (s *Scheduler[Op, R]) submit(task *Task[Op, R], op Op) (Handle, error) {
	if s.fault != nil {
		return 0, s.fault
	}

	if s.closed {
		return 0, ErrClosed
	}

	th, err := s.transport.Submit(op)
	if err != nil {
		return 0, fmt.Errorf("coxfer: submit: %w", err)
	}

	if _, ok := s.inflight[th]; ok {
		err := fmt.Errorf("%w: transport reissued in-flight handle %d", ErrDuplicateHandle, th)
		s.violate(err)
		return 0, err
	}

	s.next++
	h := s.next
	s.inflight[th] = h
	s.owned[h] = task
	task.handles[h] = struct{}{}
	return h, nil
}

// forget removes h from the handles owned by task.
func (s *Scheduler[Op, R]) forget(task *Task[Op, R], h Handle) {
	delete(s.owned, h)
	delete(task.handles, h)
}

// release drops parked outcomes of a task that finished without
// awaiting them. Handles still in flight stay owned so their
// completions are recognized and dropped.
func (s *Scheduler[Op, R]) release(task *Task[Op, R]) {
	for h := range task.handles {
		if _, ok := s.parked[h]; ok {
			delete(s.parked, h)
			s.forget(task, h)
			s.stats.Dropped++
		}
	}
}

func (s *Scheduler[Op, R]) violate(err error) {
	s.log.Error("scheduler invariant violated", zap.Error(err))
	if s.fault == nil {
		s.fault = err
	}
}

// abort resumes every pending task with the recorded fault.
func (s *Scheduler[Op, R]) abort() {
	s.log.Warn("aborting pending tasks",
		zap.Error(s.fault),
		zap.Int("pending", s.pending.Len()))

	for _, h := range s.pending.Handles() {
		task, err := s.pending.Take(h)
		if err != nil || task.state != StateSuspended {
			continue
		}
		_ = s.resume(task, Outcome[R]{Err: s.fault})
	}

	clear(s.parked)
}
