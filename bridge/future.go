package bridge

import (
	"context"
	"sync"
)

// Future is the eventual outcome of a call issued through the bridge
type Future struct {
	id     uint64
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func rejectedFuture(err error) *Future {
	f := newFuture(0)
	f.reject(err)
	return f
}

// ID returns the correlation id, or 0 if the call was never issued
func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the future has settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled outcome without blocking. It returns
// ErrPending if the future has not settled yet.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the future settles or ctx ends. Giving up on the wait
// does not affect the call itself; use Bridge.Call to abandon it.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(result any) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
