package coxfer

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Group starts tasks under a shared context that is canceled with the
// first error returned by any of them. Tasks that have not yet
// submitted their operations observe the cancellation through
// Task.Submit; operations already in flight complete normally.
type Group[Op, R any] struct {
	sched  *Scheduler[Op, R]
	ctx    context.Context
	cancel context.CancelCauseFunc
	tasks  []*Task[Op, R]
}

// Group returns a new group whose tasks derive their context from
// ctx.
func (s *Scheduler[Op, R]) Group(ctx context.Context) *Group[Op, R] {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Group[Op, R]{sched: s, ctx: ctx, cancel: cancel}
}

// Go starts fn as a task of the group.
func (g *Group[Op, R]) Go(fn func(context.Context, *Task[Op, R]) (any, error)) *Task[Op, R] {
	task := g.sched.start(g.ctx, func(ctx context.Context, t *Task[Op, R]) (any, error) {
		v, err := fn(ctx, t)
		if err != nil {
			g.cancel(err)
		}
		return v, err
	}, nil)

	g.tasks = append(g.tasks, task)
	return task
}

// Tasks returns the group's tasks in start order.
func (g *Group[Op, R]) Tasks() []*Task[Op, R] {
	return g.tasks
}

// Wait returns the combined errors of the group's failed tasks in
// start order. It fails with ErrStillPending if a task has not
// finished, which means the scheduler has not run yet.
func (g *Group[Op, R]) Wait() error {
	var err error
	for _, task := range g.tasks {
		if !task.Done() {
			return fmt.Errorf("%w: group task %s is %s", ErrStillPending, task.id, task.state)
		}
		err = multierr.Append(err, task.err)
	}

	g.cancel(err)
	return err
}
