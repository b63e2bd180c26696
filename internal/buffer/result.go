package buffer

import (
	"context"
	"sync"
)

// Result is a one-shot completion handle returned by ForceFlush and Shutdown.
//
// Abandoning a Wait (for example because ctx expired) does not cancel the
// flush or shutdown behind it.
type Result struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func resolvedResult(err error) *Result {
	r := newResult()
	r.resolve(err)
	return r
}

// resolve completes the Result. Only the first call has an effect.
func (r *Result) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the Result is resolved.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome. It is nil until Done is closed.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the Result resolves or ctx is done, whichever comes first.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
