package coxfer

import (
	"fmt"
	"slices"
)

// Registry maps in-flight handles to the value waiting on them. At
// most one value waits per handle. The zero value is ready to use.
type Registry[T any] struct {
	noCopy noCopy
	m      map[Handle]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{m: make(map[Handle]T)}
}

// Register maps h to v. It fails with ErrDuplicateHandle if h is
// already present.
func (r *Registry[T]) Register(h Handle, v T) error {
	if r.m == nil {
		r.m = make(map[Handle]T)
	}

	if _, ok := r.m[h]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateHandle, h)
	}

	r.m[h] = v
	return nil
}

// Take removes and returns the value mapped to h. It fails with
// ErrUnknownHandle if h is absent.
func (r *Registry[T]) Take(h Handle) (T, error) {
	v, ok := r.m[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}

	delete(r.m, h)
	return v, nil
}

// Has reports whether h is registered.
func (r *Registry[T]) Has(h Handle) bool {
	_, ok := r.m[h]
	return ok
}

// Len returns the number of registered handles.
func (r *Registry[T]) Len() int {
	return len(r.m)
}

// IsEmpty reports whether nothing is registered.
func (r *Registry[T]) IsEmpty() bool {
	return len(r.m) == 0
}

// Handles returns the registered handles in ascending order.
func (r *Registry[T]) Handles() []Handle {
	hs := make([]Handle, 0, len(r.m))
	for h := range r.m {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}
