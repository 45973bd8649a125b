package pending

import (
	"context"
	"sync"
)

// Future is the asynchronous result of a send. It is completed exactly once;
// later completions are ignored.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewFuture allocates an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future with a value. It reports whether this call completed it.
func (f *Future) Resolve(value any) bool {
	return f.complete(value, nil)
}

// Reject completes the future with an error. It reports whether this call completed it.
func (f *Future) Reject(err error) bool {
	return f.complete(nil, err)
}

func (f *Future) complete(value any, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done returns a channel closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while incomplete.
func (f *Future) Result() (value any, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return nil, nil, false
	}
}
