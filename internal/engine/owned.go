package engine

import (
	"errors"
	"fmt"
	"sync"
)

// HandleState is the lifecycle of an owned engine handle.
type HandleState int

const (
	Uninitialized HandleState = iota
	Active
	Released
)

func (s HandleState) String() string {
	switch s {
	case Active:
		return "active"
	case Released:
		return "released"
	default:
		return "uninitialized"
	}
}

// Owned holds an engine handle and releases it at most once.
// The zero value is Uninitialized and a nil *Owned is valid.
type Owned[T Releaser] struct {
	mu    sync.Mutex
	value T
	state HandleState
}

// Own takes ownership of v.
func Own[T Releaser](v T) *Owned[T] {
	return &Owned[T]{value: v, state: Active}
}

// Get returns the handle while it is active.
func (o *Owned[T]) Get() (T, bool) {
	var zero T
	if o == nil {
		return zero, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Active {
		return zero, false
	}
	return o.value, true
}

func (o *Owned[T]) State() HandleState {
	if o == nil {
		return Uninitialized
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Release frees the handle. Repeated calls, calls on a never-initialized handle
// and panics raised by the underlying release all return without propagating.
func (o *Owned[T]) Release() (err error) {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	if o.state != Active {
		o.state = Released
		o.mu.Unlock()
		return nil
	}
	v := o.value
	o.state = Released
	var zero T
	o.value = zero
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release panicked: %v", r)
		}
	}()
	return v.Release()
}

// ReleaseAll releases every handle in order, continuing past failures.
func ReleaseAll[T Releaser](handles ...*Owned[T]) error {
	var errs []error
	for _, h := range handles {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
