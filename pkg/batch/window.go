package batch

import (
	"context"
	"time"
)

// Window turns a possibly unbounded stream of items into a stream of bounded
// batches. A batch is flushed once it holds size items, or once timeout has
// elapsed since its first item arrived, whichever comes first. Item order is
// preserved and empty batches are never emitted. The output channel is closed
// after the input channel closes and the final partial batch, if any, has
// been flushed.
//
// The window timer starts at the first item of each batch, so a batch is
// never held open longer than timeout once it is non-empty.
func Window[T any](ctx context.Context, in <-chan T, size int, timeout time.Duration) <-chan []T {
	out := make(chan []T)

	go func() {
		defer close(out)

		var (
			pending []T
			timer   *time.Timer
			timerC  <-chan time.Time
		)

		stopTimer := func() {
			if timer != nil {
				timer.Stop()
				timer = nil
				timerC = nil
			}
		}
		defer stopTimer()

		flush := func() bool {
			stopTimer()
			if len(pending) == 0 {
				return true
			}
			select {
			case out <- pending:
				pending = nil
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case item, ok := <-in:
				if !ok {
					flush()
					return
				}
				pending = append(pending, item)
				if len(pending) == 1 {
					timer = time.NewTimer(timeout)
					timerC = timer.C
				}
				if len(pending) >= size {
					if !flush() {
						return
					}
				}
			case <-timerC:
				timer = nil
				timerC = nil
				if !flush() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
