package coxfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// fakeTransport completes every operation submitted before a poll in
// that poll, optionally in reverse submission order. Operations named
// in slow complete one poll later. With reuse set, drained handles are
// reissued lowest first.
type fakeTransport struct {
	next     Handle
	order    []Handle
	ops      map[Handle]string
	ready    []Completion[string]
	resolve  func(string) (string, error)
	reverse  bool
	slow     map[string]bool
	reuse    bool
	free     []Handle
	reissued int
	failAt  int
	forget  bool
	inject  []Completion[string]
	onPoll  func(int)
	polls   int
	closed  bool
}

func newFake(resolve func(string) (string, error)) *fakeTransport {
	return &fakeTransport{ops: make(map[Handle]string), resolve: resolve}
}

func echo(op string) (string, error) {
	return op + " ok", nil
}

func (f *fakeTransport) Submit(op string) (Handle, error) {
	if f.closed {
		return 0, ErrTransportClosed
	}
	var h Handle
	if f.reuse && len(f.free) > 0 {
		slices.Sort(f.free)
		h, f.free = f.free[0], f.free[1:]
		f.reissued++
	} else {
		f.next++
		h = f.next
	}
	f.ops[h] = op
	f.order = append(f.order, h)
	return h, nil
}

func (f *fakeTransport) Poll(time.Duration) error {
	f.polls++
	if f.onPoll != nil {
		f.onPoll(f.polls)
	}
	if f.failAt > 0 && f.polls >= f.failAt {
		return errors.New("multiplexer fault")
	}

	f.ready = append(f.ready, f.inject...)
	f.inject = nil

	if f.forget {
		clear(f.ops)
		f.order = nil
		return nil
	}
	if f.resolve == nil {
		return nil
	}

	order := f.order
	f.order = nil
	if f.reverse {
		slices.Reverse(order)
	}
	for _, h := range order {
		if op := f.ops[h]; f.slow[op] {
			delete(f.slow, op)
			f.order = append(f.order, h)
			continue
		}
		v, err := f.resolve(f.ops[h])
		f.ready = append(f.ready, Completion[string]{
			Handle:  h,
			Outcome: Outcome[string]{Value: v, Err: err},
		})
	}
	return nil
}

func (f *fakeTransport) DrainCompleted() []Completion[string] {
	out := f.ready
	f.ready = nil
	for _, c := range out {
		delete(f.ops, c.Handle)
		if f.reuse {
			f.free = append(f.free, c.Handle)
		}
	}
	return out
}

func (f *fakeTransport) InFlight() int {
	return len(f.ops)
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type taskBody = func(context.Context, *Task[string, string]) (any, error)

func doOnce(op string) taskBody {
	return func(_ context.Context, t *Task[string, string]) (any, error) {
		return t.Do(op)
	}
}

func TestTask(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	s := New[string, string](ft)

	n := 0
	crud := func(_ context.Context, task *Task[string, string]) (any, error) {
		for i := 0; i < 10; i++ {
			for j := 0; j < 10; j++ {
				task.Go(func(_ context.Context, task *Task[string, string]) (any, error) {
					for _, verb := range []string{"create", "read", "update", "delete"} {
						if _, err := task.Do(fmt.Sprintf("%s %v", verb, j)); err != nil {
							return nil, err
						}
					}
					n++
					return nil, nil
				})
			}
		}
		return nil, nil
	}

	root := s.Start(crud)
	r.Equal(StateCompleted, root.State())
	r.Equal(100, s.Pending())

	r.NoError(s.Run(context.Background()))
	r.Equal(100, n)

	stats := s.Stats()
	r.Equal(101, stats.Started)
	r.Equal(400, stats.Completions)
	r.Equal(400, stats.Resumes)
	r.Equal(4, ft.polls)
	r.True(ft.closed)
}

func TestSingleBatchResumesInDrainOrder(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	ft.reverse = true
	s := New[string, string](ft)

	var order []int
	tasks := make([]*Task[string, string], 3)
	for i := range tasks {
		tasks[i] = s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
			v, err := t.Do(fmt.Sprintf("op-%d", i))
			order = append(order, i)
			return v, err
		})
		r.Equal(StateSuspended, tasks[i].State())
	}

	r.NoError(s.Run(context.Background()))
	r.Equal(1, ft.polls)
	r.Equal([]int{2, 1, 0}, order)

	for i, task := range tasks {
		v, err := task.Result()
		r.NoError(err)
		r.Equal(fmt.Sprintf("op-%d ok", i), v)
	}
}

func TestNeverCompletingHandleBlocksRun(t *testing.T) {
	r := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := newFake(nil)
	ft.onPoll = func(n int) {
		if n == 50 {
			cancel()
		}
	}
	s := New[string, string](ft, WithPollTimeout(time.Microsecond))

	task := s.Start(doOnce("forever"))

	err := s.Run(ctx)
	r.ErrorIs(err, context.Canceled)
	r.Equal(50, ft.polls)
	r.Equal(StateFailed, task.State())
	r.ErrorIs(task.Err(), context.Canceled)
}

func TestFailBeforeSuspend(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	s := New[string, string](ft)

	boom := errors.New("boom")
	task := s.Start(func(context.Context, *Task[string, string]) (any, error) {
		return nil, boom
	})
	r.Equal(StateFailed, task.State())

	r.NoError(s.Run(context.Background()))
	r.Equal(0, ft.polls)

	_, err := task.Result()
	r.ErrorIs(err, boom)
}

func TestPanic(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))

	err := fmt.Errorf("UH OH")
	var child *Task[string, string]
	root := s.Start(func(_ context.Context, task *Task[string, string]) (any, error) {
		child = task.Go(func(_ context.Context, task *Task[string, string]) (any, error) {
			if _, err := task.Do("before panic"); err != nil {
				return nil, err
			}
			panic(err)
		})
		return "root", nil
	})

	r.NoError(s.Run(context.Background()))
	r.Equal(StateCompleted, root.State())
	r.Equal(StateFailed, child.State())

	var perr *PanicError
	r.ErrorAs(child.Err(), &perr)
	r.ErrorIs(child.Err(), err)
	r.True(strings.HasPrefix(perr.DebugString(), err.Error()))
}

func TestTransportFaultFailsPendingTasks(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	ft.failAt = 1
	s := New[string, string](ft)

	a := s.Start(doOnce("a"))
	b := s.Start(doOnce("b"))
	retry := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Do("c"); err == nil {
			return "unexpected", nil
		}
		return t.Do("c again")
	})

	err := s.Run(context.Background())

	var terr *TransportError
	r.ErrorAs(err, &terr)
	r.EqualError(terr.Err, "multiplexer fault")

	for _, task := range []*Task[string, string]{a, b, retry} {
		r.Equal(StateFailed, task.State())
		r.ErrorAs(task.Err(), &terr)
	}
}

func TestNoDoubleResume(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))
	task := s.Start(doOnce("once"))

	h, ok := task.Awaiting()
	r.True(ok)

	taken, err := s.pending.Take(h)
	r.NoError(err)
	r.Same(task, taken)

	r.NoError(s.resume(task, Outcome[string]{Value: "first"}))
	r.Equal(StateCompleted, task.State())
	r.Equal("first", task.Value())

	r.ErrorIs(s.resume(task, Outcome[string]{Value: "second"}), ErrInvalidState)
	r.Equal("first", task.Value())
}

func TestTaskErrorIsolation(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))

	errA := errors.New("task a failed")
	a := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Do("a"); err != nil {
			return nil, err
		}
		return nil, errA
	})
	b := s.Start(doOnce("b"))

	r.NoError(s.Run(context.Background()))

	r.ErrorIs(a.Err(), errA)
	v, err := b.Result()
	r.NoError(err)
	r.Equal("b ok", v)
}

func TestCompletionConservation(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	s := New[string, string](ft)

	total := 0
	tasks := make([]*Task[string, string], 50)
	for i := range tasks {
		k := i%5 + 1
		total += k
		tasks[i] = s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
			done := 0
			for j := 0; j < k; j++ {
				if _, err := t.Do(fmt.Sprintf("%d/%d", i, j)); err != nil {
					return nil, err
				}
				done++
			}
			return done, nil
		})
	}

	r.NoError(s.Run(context.Background()))

	stats := s.Stats()
	r.Equal(total, stats.Completions)
	r.Equal(total, stats.Resumes)
	r.Equal(5, ft.polls)
	r.Zero(ft.InFlight())
	r.Zero(s.Pending())

	for i, task := range tasks {
		n, err := ResultAs[int](task)
		r.NoError(err)
		r.Equal(i%5+1, n)
	}
}

func TestParkedCompletion(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	s := New[string, string](ft)

	task := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		ha, err := t.Submit("a")
		if err != nil {
			return nil, err
		}
		hb, err := t.Submit("b")
		if err != nil {
			return nil, err
		}
		b, err := t.SuspendOn(hb)
		if err != nil {
			return nil, err
		}
		a, err := t.SuspendOn(ha)
		if err != nil {
			return nil, err
		}
		return a + "|" + b, nil
	})

	r.NoError(s.Run(context.Background()))
	r.Equal(1, ft.polls)

	v, err := ResultAs[string](task)
	r.NoError(err)
	r.Equal("a ok|b ok", v)

	stats := s.Stats()
	r.Equal(1, stats.Parked)
	r.Equal(2, stats.Resumes)
	r.Zero(stats.Dropped)
}

func TestFireAndForget(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	s := New[string, string](ft)

	task := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Submit("log event"); err != nil {
			return nil, err
		}
		return "done", nil
	})
	r.Equal(StateCompleted, task.State())
	r.Equal(1, ft.InFlight())

	r.NoError(s.Run(context.Background()))
	r.Equal(1, ft.polls)
	r.Equal(1, s.Stats().Dropped)
	r.Zero(ft.InFlight())
}

func TestParkedCompletionWithReusedHandles(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		t.Run(fmt.Sprintf("reverse=%v", reverse), func(t *testing.T) {
			r := require.New(t)

			ft := newFake(echo)
			ft.reuse = true
			ft.reverse = reverse
			ft.slow = map[string]bool{"slow-a": true}
			s := New[string, string](ft)

			a := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
				hf, err := t.Submit("fast-a")
				if err != nil {
					return nil, err
				}
				slow, err := t.Do("slow-a")
				if err != nil {
					return nil, err
				}
				fast, err := t.SuspendOn(hf)
				if err != nil {
					return nil, err
				}
				return fast + "|" + slow, nil
			})
			b := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
				if _, err := t.Do("b1"); err != nil {
					return nil, err
				}
				return t.Do("b2")
			})

			r.NoError(s.Run(context.Background()))
			r.Equal(2, ft.polls)
			r.Equal(1, ft.reissued)

			v, err := ResultAs[string](a)
			r.NoError(err)
			r.Equal("fast-a ok|slow-a ok", v)

			v, err = ResultAs[string](b)
			r.NoError(err)
			r.Equal("b2 ok", v)

			stats := s.Stats()
			r.Equal(4, stats.Completions)
			r.Equal(4, stats.Resumes)
			r.Equal(1, stats.Parked)
			r.Zero(stats.Dropped)
		})
	}
}

func TestFireAndForgetWithReusedHandles(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	ft.reuse = true
	ft.slow = map[string]bool{"x": true}
	s := New[string, string](ft)

	a := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Submit("log event"); err != nil {
			return nil, err
		}
		return t.Do("x")
	})
	b := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Do("b1"); err != nil {
			return nil, err
		}
		return t.Do("b2")
	})

	r.NoError(s.Run(context.Background()))
	r.Equal(1, ft.reissued)

	r.Equal("x ok", a.Value())
	r.NoError(a.Err())
	r.Equal("b2 ok", b.Value())
	r.NoError(b.Err())

	stats := s.Stats()
	r.Equal(1, stats.Parked)
	r.Equal(1, stats.Dropped)
	r.Zero(ft.InFlight())
}

func TestDuplicateTransportHandleAbortsRun(t *testing.T) {
	r := require.New(t)

	ft := newFake(nil)
	ft.reuse = true
	ft.free = []Handle{7, 7}
	s := New[string, string](ft)

	a := s.Start(doOnce("a"))
	b := s.Start(doOnce("b"))
	r.Equal(StateSuspended, a.State())
	r.Equal(StateFailed, b.State())
	r.ErrorIs(b.Err(), ErrDuplicateHandle)

	err := s.Run(context.Background())
	r.ErrorIs(err, ErrDuplicateHandle)
	r.Equal(StateFailed, a.State())
}

func TestUnknownHandleAbortsRun(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	ft.inject = []Completion[string]{{Handle: 99}}
	s := New[string, string](ft)

	task := s.Start(doOnce("a"))

	err := s.Run(context.Background())
	r.ErrorIs(err, ErrUnknownHandle)
	r.Equal(StateFailed, task.State())
	r.ErrorIs(task.Err(), ErrUnknownHandle)
}

func TestOrphanedHandleAbortsRun(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	ft.forget = true
	s := New[string, string](ft)

	task := s.Start(doOnce("a"))

	err := s.Run(context.Background())
	r.ErrorIs(err, ErrOrphanedHandle)
	r.ErrorIs(task.Err(), ErrOrphanedHandle)
	r.Equal(1, ft.polls)
}

func TestSuspendOutsideBody(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))
	task := s.Start(doOnce("a"))

	h, ok := task.Awaiting()
	r.True(ok)

	_, err := task.SuspendOn(h)
	r.ErrorIs(err, ErrInvalidState)

	_, err = task.Submit("b")
	r.ErrorIs(err, ErrInvalidState)

	foreign := s.Start(func(_ context.Context, t *Task[string, string]) (any, error) {
		return t.SuspendOn(h)
	})
	r.Equal(StateFailed, foreign.State())
	r.ErrorIs(foreign.Err(), ErrInvalidState)

	r.NoError(s.Run(context.Background()))
	r.Equal(StateCompleted, task.State())
}

func TestResultStillPending(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))
	task := s.Start(doOnce("a"))

	_, err := task.Result()
	r.ErrorIs(err, ErrStillPending)

	r.NoError(s.Run(context.Background()))

	v, err := task.Result()
	r.NoError(err)
	r.Equal("a ok", v)
}

func TestRunClosesScheduler(t *testing.T) {
	r := require.New(t)

	ft := newFake(echo)
	s := New[string, string](ft)

	r.NoError(s.Run(context.Background()))
	r.True(ft.closed)
	r.ErrorIs(s.Run(context.Background()), ErrClosed)

	task := s.Start(doOnce("late"))
	r.Equal(StateFailed, task.State())
	r.ErrorIs(task.Err(), ErrClosed)
}

func TestGroup(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))
	g := s.Group(context.Background())

	errA := errors.New("a failed")
	g.Go(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Do("a"); err != nil {
			return nil, err
		}
		return nil, errA
	})
	b := g.Go(func(_ context.Context, t *Task[string, string]) (any, error) {
		if _, err := t.Do("b1"); err != nil {
			return nil, err
		}
		return t.Do("b2")
	})
	g.Go(func(context.Context, *Task[string, string]) (any, error) {
		return "no io", nil
	})

	r.ErrorIs(g.Wait(), ErrStillPending)

	r.NoError(s.Run(context.Background()))

	err := g.Wait()
	r.ErrorIs(err, errA)
	r.Len(multierr.Errors(err), 2)
	r.ErrorIs(b.Err(), errA)
	r.Len(g.Tasks(), 3)
}

func TestTaskFromContext(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))

	var found *Task[string, string]
	task := s.Start(func(ctx context.Context, t *Task[string, string]) (any, error) {
		var ok bool
		found, ok = TaskFromContext[string, string](ctx)
		r.True(ok)

		_, ok = TaskFromContext[int, int](ctx)
		r.False(ok)

		return MustTaskFromContext[string, string](ctx).Do("ctx")
	})

	r.Same(task, found)
	r.NoError(s.Run(context.Background()))
	r.Equal("ctx ok", task.Value())

	r.PanicsWithValue("coxfer: context carries no Task[string, string]", func() {
		MustTaskFromContext[string, string](context.Background())
	})
}

func TestResultAsTypeMismatch(t *testing.T) {
	r := require.New(t)

	s := New[string, string](newFake(echo))
	task := s.Start(func(context.Context, *Task[string, string]) (any, error) {
		return 42, nil
	})

	_, err := ResultAs[string](task)
	r.Error(err)

	n, err := ResultAs[int](task)
	r.NoError(err)
	r.Equal(42, n)
}

func TestStateString(t *testing.T) {
	r := require.New(t)

	r.Equal("suspended", StateSuspended.String())
	r.Equal("State(9)", State(9).String())
	r.True(StateFailed.Terminal())
	r.False(StateRunning.Terminal())
}
