package coxfer

// flight is one execution of an operation function. Coalesced
// submissions attach their handles to the flight already running for
// the same key and share its outcome.
type flight[R any] struct {
	key     any
	keyed   bool
	handles []Handle
	value   R
	err     error
}

// coalescer deduplicates in-flight operations by key. It is used from
// the transport owner's thread only.
type coalescer[R any] struct {
	m    map[any]*flight[R]
	dups int
}

// join attaches h to the flight running for key. It reports false if
// no such flight exists.
func (c *coalescer[R]) join(key any, h Handle) bool {
	f, ok := c.m[key]
	if !ok {
		return false
	}

	f.handles = append(f.handles, h)
	c.dups++
	return true
}

// begin records a new flight for key owned by h.
func (c *coalescer[R]) begin(key any, h Handle) *flight[R] {
	if c.m == nil {
		c.m = make(map[any]*flight[R])
	}

	f := &flight[R]{key: key, keyed: true, handles: []Handle{h}}
	c.m[key] = f
	return f
}

// end forgets f so later submissions with its key start a new flight.
func (c *coalescer[R]) end(f *flight[R]) {
	if f.keyed && c.m[f.key] == f {
		delete(c.m, f.key)
	}
}
