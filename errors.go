package coxfer

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrInvalidState is returned when a task is resumed outside a
	// suspension, or when the suspension primitive is used from
	// outside the task's own body.
	ErrInvalidState = errors.New("coxfer: invalid task state")

	// ErrDuplicateHandle is returned when a handle that is already
	// pending is registered again.
	ErrDuplicateHandle = errors.New("coxfer: duplicate handle")

	// ErrUnknownHandle is returned when a completion names a handle
	// the scheduler never registered.
	ErrUnknownHandle = errors.New("coxfer: unknown handle")

	// ErrStillPending is returned by Task.Result before the task
	// reached a terminal state.
	ErrStillPending = errors.New("coxfer: task still pending")

	// ErrOrphanedHandle is returned by Run when tasks wait on handles
	// the transport no longer has in flight.
	ErrOrphanedHandle = errors.New("coxfer: orphaned handle")

	// ErrClosed is returned when a scheduler is used after its run
	// completed.
	ErrClosed = errors.New("coxfer: scheduler closed")

	// ErrTransportClosed is returned by a transport after Close.
	ErrTransportClosed = errors.New("coxfer: transport closed")
)

// TransportError reports a fault of the multiplexed transport. It is
// delivered to every task pending at the time of the fault.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "coxfer: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PanicError holds a value recovered from a panicking task body.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coxfer: task panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// DebugString returns the panic value followed by the stack of the
// panicking task.
func (e *PanicError) DebugString() string {
	return fmt.Sprintf("%v\n\n%s", e.Value, e.Stack)
}
