// Package coxfer runs many logical network operations concurrently
// as cooperative tasks on top of a single multiplexed transport. Only
// one task runs at a time; concurrency is the interleaving of tasks
// that suspend while their operations are in flight.
//
// Key components:
//
//   - Task: a coroutine-backed unit of work. A task submits operations
//     to the transport and suspends on their handles with SuspendOn
//     (or Do, which does both). The scheduler resumes it with the
//     operation's outcome.
//
//   - Scheduler: the event loop. Start runs a task until its first
//     suspension; Run polls the transport, drains completed handles
//     and resumes the tasks waiting on them until nothing is pending
//     and nothing is in flight.
//
//   - Registry: maps in-flight handles to the tasks suspended on
//     them, at most one task per handle.
//
//   - Transport: the multiplexer boundary. GoTransport runs operation
//     functions on goroutines behind a concurrency limit, and
//     NewHTTPTransport specialises it for HTTP transfers.
//
//   - Group: starts tasks under a shared context and combines their
//     errors after a run.
//
// Completions found by the same poll are delivered in the order the
// transport drains them, which for GoTransport is arrival order. A
// suspension is resumed exactly once.
package coxfer
