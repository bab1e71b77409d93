package notification

import (
	"sync"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/naming"
)

// AddressChangeHandler is one application callback registered against a
// (name, partitionKey) pair. Exactly one of rsp/failure is set per delivery.
type AddressChangeHandler func(rsp *naming.RSP, failure *AddressDetectionFailure)

type trackerRegistration struct {
	id      int64
	handler AddressChangeHandler
	// removed marks the registration's pending-notification slot empty so
	// the worker skips it without re-scanning the queue.
	removed bool
}

// AddressTracker represents the union of all application callbacks for one
// (name, partitionKey) pair. It keeps the version history needed to suppress
// duplicate updates and delivers callbacks on a single worker so no
// registration ever observes a version regression.
type AddressTracker struct {
	name            string
	key             naming.PartitionKey
	requestDataName string

	mu            sync.Mutex
	registrations map[int64]*trackerRegistration
	// previousResolves records, per partition, the last delivered version.
	previousResolves map[fabric.UUID]naming.RSPVersion
	previousError    fabric.ErrorCode

	lastRSP     *naming.RSP
	lastFailure *AddressDetectionFailure

	cancelled     bool
	pendingCount  int
	workerRunning bool
}

func newAddressTracker(name string, key naming.PartitionKey, requestDataName string) *AddressTracker {
	return &AddressTracker{
		name:             name,
		key:              key,
		requestDataName:  requestDataName,
		registrations:    make(map[int64]*trackerRegistration),
		previousResolves: make(map[fabric.UUID]naming.RSPVersion),
	}
}

// addRegistration attaches a callback under id.
func (t *AddressTracker) addRegistration(id int64, handler AddressChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registrations[id] = &trackerRegistration{id: id, handler: handler}
}

// removeRegistration detaches a callback; returns the remaining count.
func (t *AddressTracker) removeRegistration(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.registrations[id]; ok {
		r.removed = true
		delete(t.registrations, id)
	}
	return len(t.registrations)
}

// cancel stops all future deliveries.
func (t *AddressTracker) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	for _, r := range t.registrations {
		r.removed = true
	}
	t.registrations = make(map[int64]*trackerRegistration)
}

// isMoreRecent applies the update rule: an incoming RSP is news iff no prior
// entry exists for its CUID or the version tuple is strictly greater. A true
// return records the new version.
func (t *AddressTracker) isMoreRecent(rsp *naming.RSP) bool {
	prev, ok := t.previousResolves[rsp.CUID]
	if ok && rsp.Version.Compare(prev) <= 0 {
		return false
	}
	t.previousResolves[rsp.CUID] = rsp.Version
	return true
}

// postUpdate enqueues a callback delivery for a more-recent RSP. Duplicate
// updates are discarded. Returns false when nothing new was delivered.
func (t *AddressTracker) postUpdate(rsp *naming.RSP) bool {
	t.mu.Lock()
	if t.cancelled || !t.isMoreRecent(rsp) {
		t.mu.Unlock()
		return false
	}
	t.lastRSP = rsp
	t.lastFailure = nil
	t.previousError = fabric.Success
	t.bumpWorkerCallerHoldsLock()
	t.mu.Unlock()
	return true
}

// postFailure enqueues a callback delivery for an address detection failure.
// A repeat of the same error kind is suppressed.
func (t *AddressTracker) postFailure(failure *AddressDetectionFailure) bool {
	t.mu.Lock()
	if t.cancelled || t.previousError == failure.Error {
		t.mu.Unlock()
		return false
	}
	t.previousError = failure.Error
	t.lastFailure = failure
	t.lastRSP = nil
	t.bumpWorkerCallerHoldsLock()
	t.mu.Unlock()
	return true
}

// bumpWorkerCallerHoldsLock bumps the pending counter; when no worker is
// draining the tracker one is started. A running worker picks the new state
// up on its next round, so bursts collapse into a single delivery.
func (t *AddressTracker) bumpWorkerCallerHoldsLock() {
	t.pendingCount++
	if t.workerRunning {
		return
	}
	t.workerRunning = true
	go t.drain()
}

// drain delivers the latest state to every live registration. Callback
// execution happens outside the tracker lock.
func (t *AddressTracker) drain() {
	for {
		t.mu.Lock()
		if t.pendingCount == 0 || t.cancelled {
			t.workerRunning = false
			t.mu.Unlock()
			return
		}
		t.pendingCount = 0
		rsp := t.lastRSP
		failure := t.lastFailure
		regs := make([]*trackerRegistration, 0, len(t.registrations))
		for _, r := range t.registrations {
			regs = append(regs, r)
		}
		t.mu.Unlock()

		for _, r := range regs {
			if r.removed {
				continue
			}
			r.handler(rsp, failure)
		}
	}
}

// buildPollEntry snapshots the tracker's poll slice: its name, key and the
// versions it already delivered.
func (t *AddressTracker) buildPollEntry() PollRequestEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := make(map[fabric.UUID]naming.RSPVersion, len(t.previousResolves))
	for k, v := range t.previousResolves {
		prev[k] = v
	}
	return PollRequestEntry{
		Name:             t.requestDataName,
		Key:              t.key,
		PreviousResolves: prev,
		PreviousError:    t.previousError,
	}
}
