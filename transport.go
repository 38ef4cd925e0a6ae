package coxfer

import "time"

// Handle identifies one in-flight operation of a Transport. Handles
// are unique among in-flight operations only and may be reused once
// an operation has been drained. Zero is never issued.
type Handle uint64

// Outcome is the result of one operation: a value or an error.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Completion pairs a finished operation's handle with its outcome.
type Completion[R any] struct {
	Handle Handle
	Outcome[R]
}

// Transport multiplexes concurrent operations for a Scheduler. All
// methods are called from the scheduler's thread of control only.
type Transport[Op, R any] interface {
	// Submit registers op for concurrent execution and returns its
	// handle. It must not block.
	Submit(op Op) (Handle, error)

	// Poll advances in-flight operations, waiting at most timeout.
	// An error is a fault of the transport itself, not of an
	// operation.
	Poll(timeout time.Duration) error

	// DrainCompleted returns the operations finished since the last
	// call and removes them from the in-flight set.
	DrainCompleted() []Completion[R]

	// InFlight returns the number of operations submitted and not
	// yet drained.
	InFlight() int

	Close() error
}
