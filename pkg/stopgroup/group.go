// Package stopgroup provides cooperative cancellation wrappers for
// asynchronous operations driven by an external scheduler. Stopping is best
// effort: a wrapped operation only observes the signal at its next blocking
// point honoring its context.
package stopgroup

import (
	"context"
	"errors"
	"sync"
)

// Op is a stoppable asynchronous operation. It must honor ctx cancellation
// at its blocking points.
type Op[T any] func(ctx context.Context) (T, error)

type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}

func (s *signal) fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Handle drives one half of a stop-on-either pair.
type Handle[T any] struct {
	op   Op[T]
	stop *signal
	peer *signal
}

// Pair wraps two operations so that whichever completes first stops the
// other at its next suspension point. Closing a handle without running its
// operation has the same effect as completion, so dropping one half of the
// pair cannot leave the other half hanging.
func Pair[A, B any](opA Op[A], opB Op[B]) (*Handle[A], *Handle[B]) {
	doneA := newSignal()
	doneB := newSignal()
	handleA := &Handle[A]{op: opA, stop: doneB, peer: doneA}
	handleB := &Handle[B]{op: opB, stop: doneA, peer: doneB}
	return handleA, handleB
}

// Run executes the wrapped operation. The boolean result is false when the
// operation was stopped by its peer before completing naturally; a stopped
// outcome carries no error and the zero value.
func (h *Handle[T]) Run(ctx context.Context) (T, bool, error) {
	v, ok, err := runStoppable(ctx, h.op, h.stop)
	h.peer.fire()
	return v, ok, err
}

// Close signals the peer as if the operation had completed. Safe to call
// multiple times and after Run.
func (h *Handle[T]) Close() {
	h.peer.fire()
}

// Stoppable wraps one operation whose lifetime is owned by an external
// StopHandle.
type Stoppable[T any] struct {
	op   Op[T]
	stop *signal
}

// StopHandle stops the operation it was created with. Closing the handle is
// equivalent to stopping, so the wrapped operation can be tied to a scope
// with defer.
type StopHandle struct {
	stop *signal
}

// WithStop wraps an operation with an externally held stop handle.
func WithStop[T any](op Op[T]) (*Stoppable[T], *StopHandle) {
	s := newSignal()
	return &Stoppable[T]{op: op, stop: s}, &StopHandle{stop: s}
}

// Run executes the wrapped operation until it completes or the handle stops
// it. The boolean result is false for a stopped outcome.
func (w *Stoppable[T]) Run(ctx context.Context) (T, bool, error) {
	return runStoppable(ctx, w.op, w.stop)
}

// Stop signals the wrapped operation to stop at its next suspension point.
func (h *StopHandle) Stop() {
	h.stop.fire()
}

// Close releases the handle, stopping the wrapped operation.
func (h *StopHandle) Close() {
	h.stop.fire()
}

func runStoppable[T any](ctx context.Context, op Op[T], stop *signal) (T, bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-stop.ch:
			cancel()
		case <-done:
		}
	}()

	v, err := op(runCtx)

	// A completion that races the stop signal wins: only a cancellation
	// observed by the operation itself counts as stopped, and only when the
	// caller's own context is still live.
	if err != nil && errors.Is(err, context.Canceled) && stop.fired() && ctx.Err() == nil {
		var zero T
		return zero, false, nil
	}
	return v, true, err
}
