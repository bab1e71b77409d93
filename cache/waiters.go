package cache

import (
	"context"
	"sync"

	"github.com/sharedcode/fabric"
)

// WaiterList coordinates a single-flight fetch for one key or slot. The first
// caller of Begin while no fetch is in flight is elected to perform the fetch
// and must later call Complete or Fail exactly once. Every other caller blocks
// until the owner completes or its context expires.
//
// The resolution cache embeds one WaiterList per descriptor entry and one per
// partition slot.
type WaiterList[TV any] struct {
	mu       sync.Mutex
	inflight *fetchState[TV]
}

type fetchState[TV any] struct {
	done  chan struct{}
	value TV
	err   error
}

// Begin joins the waiter list. isFirstWaiter is true when the caller got
// elected to fetch; the returned value is only meaningful when isFirstWaiter
// is false and err is nil. Waiting fails with a Timeout error when ctx
// expires first.
func (w *WaiterList[TV]) Begin(ctx context.Context) (value TV, isFirstWaiter bool, err error) {
	w.mu.Lock()
	if w.inflight == nil {
		w.inflight = &fetchState[TV]{done: make(chan struct{})}
		w.mu.Unlock()
		isFirstWaiter = true
		return
	}
	f := w.inflight
	w.mu.Unlock()

	select {
	case <-f.done:
		return f.value, false, f.err
	case <-ctx.Done():
		var zero TV
		return zero, false, fabric.NewError(fabric.Timeout, ctx.Err())
	}
}

// Complete publishes value to all waiters and ends the in-flight fetch.
func (w *WaiterList[TV]) Complete(value TV) {
	w.mu.Lock()
	f := w.inflight
	w.inflight = nil
	w.mu.Unlock()
	if f == nil {
		return
	}
	f.value = value
	close(f.done)
}

// Fail publishes err to all waiters and ends the in-flight fetch.
func (w *WaiterList[TV]) Fail(err error) {
	w.mu.Lock()
	f := w.inflight
	w.inflight = nil
	w.mu.Unlock()
	if f == nil {
		return
	}
	f.err = err
	close(f.done)
}

// IsFetching reports whether a fetch is currently in flight.
func (w *WaiterList[TV]) IsFetching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight != nil
}
