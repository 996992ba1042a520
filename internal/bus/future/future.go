// Package future implements a single-value, single-resolution future, the
// Go-idiomatic equivalent of spec §9's "promise+map" design note for
// request/reply correlation.
package future

import (
	"context"
	"sync"
)

// Future resolves exactly once, either with a value or an error.
type Future struct {
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

// New returns an unresolved Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve fulfills the future with a value. Only the first call (Resolve
// or Reject) has an effect.
func (f *Future) Resolve(value any) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value = value
		f.mu.Unlock()
		close(f.done)
	})
}

// Reject fulfills the future with an error. Only the first call (Resolve
// or Reject) has an effect.
func (f *Future) Reject(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Await blocks until the future resolves or ctx is done, whichever comes
// first. A ctx cancellation does NOT itself resolve the future; the
// caller (bus.request) is responsible for cleaning up the pending map
// entry on a ctx-driven return.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
