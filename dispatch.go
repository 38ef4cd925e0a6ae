package coxfer

import (
	"context"
	"time"

	"github.com/gammazero/deque"
)

const (
	// DefaultConcurrency is the number of operations a GoTransport
	// executes at once when no limit is configured.
	DefaultConcurrency = 128
)

// GoTransportOptions configures a GoTransport.
type GoTransportOptions[Op any] struct {
	// Concurrency limits the number of operation functions running at
	// once. Zero means DefaultConcurrency.
	Concurrency int

	// CoalesceKey, if set, returns a key for ops that may share one
	// execution while an equal op is in flight.
	CoalesceKey func(Op) (any, bool)
}

// GoTransport is a Transport that runs each operation function on its
// own goroutine and multiplexes the completions back to the owner in
// Poll. Completions are drained in the order they arrived.
type GoTransport[Op, R any] struct {
	fn       func(context.Context, Op) (R, error)
	key      func(Op) (any, bool)
	ctx      context.Context
	cancel   context.CancelFunc
	sema     chan struct{}
	done     chan *flight[R]
	ready    deque.Deque[Completion[R]]
	inflight map[Handle]struct{}
	free     []Handle
	next     Handle
	flights  coalescer[R]
	running  int
	closed   bool
}

// NewGoTransport returns a transport executing operations with fn. The
// context passed to fn is canceled by Close.
func NewGoTransport[Op, R any](
	fn func(context.Context, Op) (R, error),
	opts GoTransportOptions[Op],
) *GoTransport[Op, R] {
	n := opts.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &GoTransport[Op, R]{
		fn:       fn,
		key:      opts.CoalesceKey,
		ctx:      ctx,
		cancel:   cancel,
		sema:     make(chan struct{}, n),
		done:     make(chan *flight[R], n),
		inflight: make(map[Handle]struct{}),
	}
}

// Submit starts op, or joins the flight of an equal op when
// coalescing is configured.
func (t *GoTransport[Op, R]) Submit(op Op) (Handle, error) {
	if t.closed {
		return 0, ErrTransportClosed
	}

	h := t.alloc()
	t.inflight[h] = struct{}{}

	if t.key != nil {
		if key, ok := t.key(op); ok {
			if t.flights.join(key, h) {
				return h, nil
			}
			t.launch(t.flights.begin(key, h), op)
			return h, nil
		}
	}

	t.launch(&flight[R]{handles: []Handle{h}}, op)
	return h, nil
}

func (t *GoTransport[Op, R]) launch(f *flight[R], op Op) {
	t.running++

	go func() {
		select {
		case t.sema <- struct{}{}:
			f.value, f.err = t.fn(t.ctx, op)
			<-t.sema
		case <-t.ctx.Done():
			f.err = context.Cause(t.ctx)
		}

		select {
		case t.done <- f:
		case <-t.ctx.Done():
		}
	}()
}

// Poll waits up to timeout for at least one operation to finish, then
// collects every other finished operation without waiting.
func (t *GoTransport[Op, R]) Poll(timeout time.Duration) error {
	if t.closed {
		return ErrTransportClosed
	}

	if t.running == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-t.done:
		t.collect(f)
	case <-timer.C:
		return nil
	}

	for t.running > 0 {
		select {
		case f := <-t.done:
			t.collect(f)
		default:
			return nil
		}
	}

	return nil
}

func (t *GoTransport[Op, R]) collect(f *flight[R]) {
	t.running--
	t.flights.end(f)

	for _, h := range f.handles {
		t.ready.PushBack(Completion[R]{
			Handle:  h,
			Outcome: Outcome[R]{Value: f.value, Err: f.err},
		})
	}
}

// DrainCompleted returns the completions collected by Poll since the
// last call. Their handles become free for reuse.
func (t *GoTransport[Op, R]) DrainCompleted() []Completion[R] {
	if t.ready.Len() == 0 {
		return nil
	}

	out := make([]Completion[R], 0, t.ready.Len())
	for t.ready.Len() > 0 {
		c := t.ready.PopFront()
		delete(t.inflight, c.Handle)
		t.free = append(t.free, c.Handle)
		out = append(out, c)
	}
	return out
}

func (t *GoTransport[Op, R]) InFlight() int {
	return len(t.inflight)
}

// Coalesced returns the number of submissions that joined an equal
// operation already in flight.
func (t *GoTransport[Op, R]) Coalesced() int {
	return t.flights.dups
}

// Close cancels running operations. Their completions are discarded.
func (t *GoTransport[Op, R]) Close() error {
	if t.closed {
		return nil
	}

	t.closed = true
	t.cancel()
	return nil
}

func (t *GoTransport[Op, R]) alloc() Handle {
	if n := len(t.free); n > 0 {
		h := t.free[n-1]
		t.free = t.free[:n-1]
		return h
	}

	t.next++
	return t.next
}
