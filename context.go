package coxfer

import (
	"context"
	"fmt"
)

type taskContextKey struct{}

// withTaskContext derives the context a task's body receives.
func withTaskContext[Op, R any](ctx context.Context, task *Task[Op, R]) context.Context {
	return context.WithValue(ctx, taskContextKey{}, task)
}

// TaskFromContext returns the task whose body received ctx. It
// reports false when ctx did not come from a task, or when that
// task's operation and result types are not Op and R.
func TaskFromContext[Op, R any](ctx context.Context) (*Task[Op, R], bool) {
	task, ok := ctx.Value(taskContextKey{}).(*Task[Op, R])
	return task, ok
}

// MustTaskFromContext is TaskFromContext for code that only runs
// inside task bodies, such as helpers that submit operations on
// behalf of their caller. It panics when ctx carries no such task.
func MustTaskFromContext[Op, R any](ctx context.Context) *Task[Op, R] {
	task, ok := TaskFromContext[Op, R](ctx)
	if !ok {
		var op Op
		var r R
		panic(fmt.Sprintf("coxfer: context carries no Task[%T, %T]", op, r))
	}
	return task
}
