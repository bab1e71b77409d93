package notification

import (
	"context"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/naming"
)

// nameRangeTuple orders trackers for deterministic poll batching and for
// resuming from the gateway's first non-processed request.
type nameRangeTuple struct {
	name string
	key  naming.PartitionKey
}

func tupleLess(a, b nameRangeTuple) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	if a.key.Kind != b.key.Kind {
		return a.key.Kind < b.key.Kind
	}
	if a.key.Int64Key != b.key.Int64Key {
		return a.key.Int64Key < b.key.Int64Key
	}
	return a.key.NameKey < b.key.NameKey
}

// TrackerManager multiplexes application address-change registrations over
// trackers and keeps one location-change poll parked at the gateway: the
// normal state is a pending request waiting for a change, so news arrives
// immediately.
type TrackerManager struct {
	gateway  Gateway
	cache    *naming.ResolutionCache
	settings fabric.Settings

	ctx      context.Context
	cancelFn context.CancelFunc

	mu                   sync.Mutex
	trackers             map[nameRangeTuple]*AddressTracker
	handlers             map[int64]*AddressTracker
	nextHandlerID        int64
	cacheCallbackRefs    map[string]int
	hasPendingPoll       bool
	startPollImmediately bool
	firstNonProcessed    *nameRangeTuple
	timer                *time.Timer
	cancelled            bool
}

// NewTrackerManager creates a manager polling through gateway. cache may be
// nil; when present, poll results refresh it and its update callbacks feed
// the trackers.
func NewTrackerManager(gateway Gateway, cache *naming.ResolutionCache, settings fabric.Settings) *TrackerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &TrackerManager{
		gateway:           gateway,
		cache:             cache,
		settings:          settings,
		ctx:               ctx,
		cancelFn:          cancel,
		trackers:          make(map[nameRangeTuple]*AddressTracker),
		handlers:          make(map[int64]*AddressTracker),
		cacheCallbackRefs: make(map[string]int),
	}
}

// AddTracker registers handler for (name, partitionKey) and returns the
// handler id for RemoveTracker. The tracker is created on first add and its
// cache-update callback attached.
func (m *TrackerManager) AddTracker(name string, key naming.PartitionKey, handler AddressChangeHandler) (int64, error) {
	sn, err := naming.ParseServiceName(name)
	if err != nil {
		return 0, err
	}
	requestDataName := sn.WithoutMembers()
	tuple := nameRangeTuple{name: name, key: key}

	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return 0, fabric.NewError(fabric.OperationCanceled, fmt.Errorf("tracker manager is cancelled"))
	}
	t, ok := m.trackers[tuple]
	if !ok {
		t = newAddressTracker(name, key, requestDataName)
		m.trackers[tuple] = t
		if m.cache != nil {
			if m.cacheCallbackRefs[requestDataName] == 0 {
				m.cache.RegisterRspUpdateCallback(requestDataName, func(rsp *naming.RSP) {
					m.CacheUpdatedCallback(rsp, nil)
				})
			}
			m.cacheCallbackRefs[requestDataName]++
		}
	}
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[id] = t
	t.addRegistration(id, handler)
	m.scheduleCallerHoldsLock(0)
	m.mu.Unlock()
	return id, nil
}

// RemoveTracker drops the registration; the tracker itself goes away when
// its last registration does.
func (m *TrackerManager) RemoveTracker(handlerID int64) {
	m.mu.Lock()
	t, ok := m.handlers[handlerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.handlers, handlerID)
	remaining := t.removeRegistration(handlerID)
	if remaining == 0 {
		delete(m.trackers, nameRangeTuple{name: t.name, key: t.key})
		t.cancel()
		if m.cache != nil {
			m.cacheCallbackRefs[t.requestDataName]--
			if m.cacheCallbackRefs[t.requestDataName] <= 0 {
				delete(m.cacheCallbackRefs, t.requestDataName)
				m.cache.ReleaseRspUpdateCallback(t.requestDataName)
			}
		}
	}
	if len(m.trackers) == 0 && m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// Close cancels every tracker and the poll loop.
func (m *TrackerManager) Close() {
	m.mu.Lock()
	m.cancelled = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	trackers := make([]*AddressTracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.trackers = make(map[nameRangeTuple]*AddressTracker)
	m.handlers = make(map[int64]*AddressTracker)
	m.mu.Unlock()

	m.cancelFn()
	for _, t := range trackers {
		t.cancel()
	}
}

// CacheUpdatedCallback forwards a cache update (or failure) to every
// matching tracker. Trackers discard anything not strictly newer than what
// they already delivered.
func (m *TrackerManager) CacheUpdatedCallback(rsp *naming.RSP, failure *AddressDetectionFailure) {
	m.mu.Lock()
	matching := make([]*AddressTracker, 0, 2)
	for _, t := range m.trackers {
		if rsp != nil && trackerMatchesRsp(t, rsp) {
			matching = append(matching, t)
		} else if failure != nil && t.requestDataName == failure.Name && t.key == failure.Key {
			matching = append(matching, t)
		}
	}
	m.mu.Unlock()

	for _, t := range matching {
		if rsp != nil {
			t.postUpdate(rsp)
		} else {
			t.postFailure(failure)
		}
	}
}

func trackerMatchesRsp(t *AddressTracker, rsp *naming.RSP) bool {
	sn, err := naming.ParseServiceName(rsp.ServiceName)
	if err != nil || sn.WithoutMembers() != t.requestDataName {
		return false
	}
	switch t.key.Kind {
	case naming.KeyInt64:
		return t.key.Int64Key >= rsp.Partition.LowKey && t.key.Int64Key <= rsp.Partition.HighKey
	case naming.KeyNamed:
		return t.key.NameKey == rsp.Partition.Name
	}
	return true
}

// scheduleCallerHoldsLock (re)arms the poll timer.
func (m *TrackerManager) scheduleCallerHoldsLock(delay time.Duration) {
	if m.cancelled || len(m.trackers) == 0 {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() {
		m.PollServiceLocations(fabric.NewUUID())
	})
}

// pollEntryWireSize approximates one request's wire footprint for batching.
func pollEntryWireSize(e *PollRequestEntry) int {
	return len(e.Name) + 32 + len(e.PreviousResolves)*40
}

// PollServiceLocations builds one poll round from all trackers, split into
// size-bounded batches sent concurrently. At most one round is in flight.
func (m *TrackerManager) PollServiceLocations(activityID fabric.UUID) {
	m.mu.Lock()
	if m.cancelled || m.hasPendingPoll || len(m.trackers) == 0 {
		m.mu.Unlock()
		return
	}
	m.hasPendingPoll = true
	m.startPollImmediately = false

	tuples := make([]nameRangeTuple, 0, len(m.trackers))
	for tuple := range m.trackers {
		tuples = append(tuples, tuple)
	}
	sortTuples(tuples)
	// Resume from the smallest tuple the gateway had no room for last round.
	if m.firstNonProcessed != nil {
		tuples = rotateFrom(tuples, *m.firstNonProcessed)
		m.firstNonProcessed = nil
	}

	type batchEntry struct {
		tuple nameRangeTuple
		entry PollRequestEntry
	}
	var batches [][]batchEntry
	var current []batchEntry
	size := 0
	threshold := m.settings.MessageContentThreshold()
	for _, tuple := range tuples {
		t := m.trackers[tuple]
		e := t.buildPollEntry()
		sz := pollEntryWireSize(&e)
		if size+sz > threshold && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, batchEntry{tuple: tuple, entry: e})
		size += sz
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	m.mu.Unlock()

	go func() {
		runner := fabric.NewTaskRunner(m.ctx, len(batches))
		for _, batch := range batches {
			batch := batch
			runner.Go(func() error {
				req := &PollRequest{ActivityID: activityID, Requests: make([]PollRequestEntry, 0, len(batch))}
				for _, be := range batch {
					req.Requests = append(req.Requests, be.entry)
				}
				reply, err := m.gateway.PollServiceLocations(m.ctx, req)
				if err != nil {
					m.mu.Lock()
					if fabric.CodeOf(err).IsRetryableTransport() || fabric.CodeOf(err) == fabric.GatewayUnreachable {
						m.startPollImmediately = true
					}
					m.mu.Unlock()
					log.Debug(fmt.Sprintf("location change poll %v failed: %v", activityID, err))
					return nil
				}
				m.processPollReply(batch[0].tuple, reply)
				if reply.FirstNonProcessedRequestIndex >= 0 && reply.FirstNonProcessedRequestIndex < len(batch) {
					unprocessed := batch[reply.FirstNonProcessedRequestIndex].tuple
					m.mu.Lock()
					if m.firstNonProcessed == nil || tupleLess(unprocessed, *m.firstNonProcessed) {
						m.firstNonProcessed = &unprocessed
					}
					m.mu.Unlock()
				}
				m.mu.Lock()
				m.startPollImmediately = true
				m.mu.Unlock()
				return nil
			})
		}
		_ = runner.Wait()

		m.mu.Lock()
		m.hasPendingPoll = false
		// Keep a request parked at the gateway: go right back out after
		// success or a retryable error, otherwise wait out the interval.
		if m.startPollImmediately {
			m.scheduleCallerHoldsLock(0)
		} else {
			m.scheduleCallerHoldsLock(m.settings.ServiceChangePollInterval)
		}
		m.mu.Unlock()
	}()
}

// processPollReply pushes partitions through the resolution cache (which
// raises the tracker callbacks) and hands failures to the matching trackers.
func (m *TrackerManager) processPollReply(_ nameRangeTuple, reply *PollReply) {
	for _, rsp := range reply.Partitions {
		if m.cache != nil {
			m.cache.UpdateFromNotification(rsp, nil)
		}
		// Forward directly too: the cache drops locations it has no
		// descriptor for, the trackers must not miss those.
		m.CacheUpdatedCallback(rsp, nil)
	}
	for i := range reply.Failures {
		f := reply.Failures[i]
		if m.cache != nil {
			m.cache.InvalidateOnError(f.Name, f.Key, f.Error)
		}
		m.CacheUpdatedCallback(nil, &f)
	}
}

func sortTuples(tuples []nameRangeTuple) {
	sort.Slice(tuples, func(i, j int) bool { return tupleLess(tuples[i], tuples[j]) })
}

// rotateFrom reorders the sorted tuples to start at the first tuple >= from.
func rotateFrom(tuples []nameRangeTuple, from nameRangeTuple) []nameRangeTuple {
	for i := range tuples {
		if !tupleLess(tuples[i], from) {
			return append(tuples[i:], tuples[:i]...)
		}
	}
	return tuples
}
