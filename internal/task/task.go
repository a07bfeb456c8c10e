// Package task runs a function on its own goroutine and exposes its result
// as a cancellable future.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Task is the handle for a function started with Go.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	val T
	err error
}

// Go starts fn with a context derived from parent. A panic in fn is
// converted into the task's error.
func Go[T any](parent context.Context, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task panicked: %v", r)
				}
			}()
			v, err = fn(ctx)
		}()
		t.mu.Lock()
		t.val, t.err = v, err
		t.mu.Unlock()
	}()
	return t
}

// Cancel asks the task to stop. It does not wait.
func (t *Task[T]) Cancel() { t.cancel() }

// Done is closed when the function returned.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while running.
func (t *Task[T]) Result() (v T, ok bool, err error) {
	select {
	case <-t.done:
		v, err = t.result()
		return v, true, err
	default:
		return v, false, nil
	}
}

// CancelAndWait cancels the task and waits for it to return.
func (t *Task[T]) CancelAndWait(ctx context.Context) (T, error) {
	t.Cancel()
	return t.Wait(ctx)
}

func (t *Task[T]) result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val, t.err
}
