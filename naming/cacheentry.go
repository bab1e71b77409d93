package naming

import (
	"context"
	"sync"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/cache"
)

// rspSlot is one partition's position in a cache entry: the cached location
// plus the waiter list electing a single fetcher while it is missing.
type rspSlot struct {
	entry   *RspEntry
	waiters cache.WaiterList[*RspEntry]
}

// CacheEntry pairs a PSD with one location slot per partition. Entries are
// immutable with respect to their PSD: a version bump replaces the whole
// entry atomically in the cache.
type CacheEntry struct {
	name string
	psd  *PSD

	mu    sync.RWMutex
	slots []*rspSlot
}

// NewCacheEntry builds an entry for the descriptor with empty location slots.
func NewCacheEntry(name string, psd *PSD) *CacheEntry {
	slots := make([]*rspSlot, psd.PartitionCount())
	for i := range slots {
		slots[i] = &rspSlot{}
	}
	return &CacheEntry{name: name, psd: psd, slots: slots}
}

// Name returns the cache key (service name without members).
func (e *CacheEntry) Name() string {
	return e.name
}

// PSD returns the entry's descriptor.
func (e *CacheEntry) PSD() *PSD {
	return e.psd
}

func (e *CacheEntry) slot(index int) *rspSlot {
	return e.slots[index]
}

// TryGetRsp returns the cached location at the slot, if any.
func (e *CacheEntry) TryGetRsp(index int) (*RspEntry, bool) {
	s := e.slot(index)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s.entry == nil {
		return nil, false
	}
	return s.entry, true
}

// TryPutOrGetRsp installs incoming at the slot when it compares strictly
// newer than the cached location; otherwise the cached location wins and is
// returned. Equal versions return the existing entry.
func (e *CacheEntry) TryPutOrGetRsp(index int, incoming *RspEntry) *RspEntry {
	s := e.slot(index)
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.entry == nil || s.entry.Version().Compare(incoming.Version()) < 0 {
		s.entry = incoming
		return incoming
	}
	return s.entry
}

// TryInvalidateRsp removes the slot's location when the cached version is not
// newer than the observed one. Returns true when the slot was cleared.
func (e *CacheEntry) TryInvalidateRsp(index int, observed RSPVersion) bool {
	s := e.slot(index)
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.entry == nil {
		return false
	}
	if s.entry.Version().Compare(observed) <= 0 {
		s.entry = nil
		return true
	}
	return false
}

// BeginTryGetRsp mirrors the cache's BeginTryGet at slot granularity: on a
// miss exactly one caller is elected to resolve the partition; the rest wait.
func (e *CacheEntry) BeginTryGetRsp(ctx context.Context, index int) (entry *RspEntry, hit bool, isFirstWaiter bool, err error) {
	s := e.slot(index)
	e.mu.RLock()
	if s.entry != nil {
		entry = s.entry
		e.mu.RUnlock()
		return entry, true, false, nil
	}
	e.mu.RUnlock()

	entry, isFirstWaiter, err = s.waiters.Begin(ctx)
	if err != nil {
		return nil, false, false, err
	}
	if isFirstWaiter {
		// Re-check under the lock: the slot may have been filled by a
		// notification between the miss and the election.
		e.mu.RLock()
		if s.entry != nil {
			entry = s.entry
			e.mu.RUnlock()
			s.waiters.Complete(entry)
			return entry, true, false, nil
		}
		e.mu.RUnlock()
		return nil, false, true, nil
	}
	return entry, true, false, nil
}

// EndTryGetRsp completes the elected fetch: the resolved location is merged
// through TryPutOrGetRsp and published to all waiters.
func (e *CacheEntry) EndTryGetRsp(index int, incoming *RspEntry) *RspEntry {
	winner := e.TryPutOrGetRsp(index, incoming)
	e.slot(index).waiters.Complete(winner)
	return winner
}

// FailRsp releases the slot's waiters with err, leaving the slot untouched.
func (e *CacheEntry) FailRsp(index int, err error) {
	if err == nil {
		err = fabric.NewError(fabric.OperationCanceled, nil)
	}
	e.slot(index).waiters.Fail(err)
}

// FailAllWaiters releases every slot's waiters with err. Used when the whole
// entry is evicted on an invalid-service error.
func (e *CacheEntry) FailAllWaiters(err error) {
	for i := range e.slots {
		e.FailRsp(i, err)
	}
}
