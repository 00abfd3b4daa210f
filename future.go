package offload

import (
	"context"
	"sync"
)

// Future is the result slot of one outstanding call. It settles at most
// once; a call whose reply never arrives leaves it unsettled forever.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func rejectedFuture(err error) *Future {
	f := newFuture()
	f.reject(err)
	return f
}

// resolve and reject report whether this call settled the future.
func (f *Future) resolve(v any) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future) reject(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether a result is available without blocking.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future settles.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the future settles or ctx is done. Giving up on the
// wait does not cancel the remote call.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
