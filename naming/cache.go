package naming

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/cache"
)

const l2PsdKeyPrefix = "fabric:psd:"

// ResolutionCache translates (serviceName, partitionKey) into current
// resolved locations, coordinating with the naming gateway and absorbing
// version changes pushed by notifications. It is the client analog of the
// gateway's service table: a bounded LRU of descriptor entries, each holding
// one location slot per partition with single-flight fetch.
type ResolutionCache struct {
	gateway  Gateway
	settings fabric.Settings

	entries  cache.Cache[string, *CacheEntry]
	prefixes cache.Cache[string, *CacheEntry]

	// l2 optionally shares PSD snapshots across client processes. Nil means
	// first level only.
	l2 fabric.L2Cache

	cbMu      sync.Mutex
	callbacks map[string]func(*RSP)
}

// NewResolutionCache creates a resolution cache over the given gateway. l2
// may be nil to run without a second cache level.
func NewResolutionCache(gateway Gateway, settings fabric.Settings, l2 fabric.L2Cache) *ResolutionCache {
	const bucketCount = 64
	return &ResolutionCache{
		gateway:   gateway,
		settings:  settings,
		entries:   cache.NewStringCache[*CacheEntry](settings.PartitionLocationCacheLimit, bucketCount),
		prefixes:  cache.NewStringCache[*CacheEntry](settings.PartitionLocationCacheLimit, bucketCount),
		l2:        l2,
		callbacks: make(map[string]func(*RSP)),
	}
}

// GetPsd returns the current descriptor for name, fetching it from the
// naming service on a cache miss.
func (c *ResolutionCache) GetPsd(ctx context.Context, name string) (*PSD, error) {
	sn, err := ParseServiceName(name)
	if err != nil {
		return nil, err
	}
	entry, err := c.getOrFetchEntry(ctx, sn.WithoutMembers())
	if err != nil {
		return nil, err
	}
	return entry.PSD(), nil
}

// getOrFetchEntry runs the entry-level single-flight: the first waiter for a
// missing name fetches the PSD; the rest block on that fetch. Waiters whose
// fetch got cancelled retry.
func (c *ResolutionCache) getOrFetchEntry(ctx context.Context, name string) (*CacheEntry, error) {
	for {
		entry, hit, isFirst, err := c.entries.BeginTryGet(ctx, name)
		if err != nil {
			if fabric.CodeOf(err) == fabric.OperationCanceled {
				continue
			}
			return nil, err
		}
		if hit {
			return entry, nil
		}
		if !isFirst {
			continue
		}

		psd, err := c.fetchPsd(ctx, name)
		if err != nil {
			if fabric.CodeOf(err).IsInvalidService() {
				// Fatal to the entry: all waiters fail with the original error.
				c.entries.FailFetch(name, err)
			} else {
				// Waiters are cancelled so they can retry; the fetch owner
				// surfaces the original error.
				c.entries.FailFetch(name, fabric.NewError(fabric.OperationCanceled, err))
			}
			return nil, err
		}
		entry = NewCacheEntry(name, psd)
		c.entries.EndFetch(name, entry)
		return entry, nil
	}
}

// fetchPsd consults the L2 cache before the gateway and refreshes the L2
// snapshot after a gateway fetch.
func (c *ResolutionCache) fetchPsd(ctx context.Context, name string) (*PSD, error) {
	if c.l2 != nil {
		var psd PSD
		if found, err := c.l2.GetStruct(ctx, l2PsdKeyPrefix+name, &psd); err == nil && found {
			return &psd, nil
		}
	}
	psd, err := c.gateway.GetServiceDescription(ctx, name)
	if err != nil {
		return nil, err
	}
	if c.l2 != nil {
		if err := c.l2.SetStruct(ctx, l2PsdKeyPrefix+name, psd, c.settings.ServiceChangePollInterval); err != nil {
			log.Warn(fmt.Sprintf("L2 PSD refresh for %s failed: %v", name, err))
		}
	}
	return psd, nil
}

// Resolve translates (name, key) to a current resolved location. When
// previous is supplied and the cached location is not strictly newer than
// it, the slot is invalidated and fetched once more; that refetched location
// is returned without a second comparison against previous.
func (c *ResolutionCache) Resolve(ctx context.Context, name string, key PartitionKey, previous *RSPVersion) (*RSP, error) {
	sn, err := ParseServiceName(name)
	if err != nil {
		return nil, err
	}

	psdChecked := false
	for {
		entry, err := c.getOrFetchEntry(ctx, sn.WithoutMembers())
		if err != nil {
			return nil, err
		}

		// A store-version mismatch against the caller's snapshot means the
		// cached PSD is stale: refresh it once, then trust the fetch.
		if previous != nil && !psdChecked && previous.StoreVersion != entry.PSD().Version {
			psdChecked = true
			c.invalidateEntry(sn.WithoutMembers(), entry)
			continue
		}
		psdChecked = true

		idx, err := entry.PSD().PartitionIndex(key)
		if err != nil {
			return nil, err
		}

		re, err := c.getOrFetchRsp(ctx, entry, sn.WithoutMembers(), key, idx)
		if err != nil {
			if fabric.CodeOf(err) == fabric.OperationCanceled {
				continue
			}
			return nil, err
		}

		if previous == nil {
			return re.GetMember(sn.Member())
		}
		if re.Version().Compare(*previous) > 0 {
			return re.GetMember(sn.Member())
		}
		// Not newer than what the caller has: drop the stale slot and retry
		// once with previous consumed, breaking the invalidation loop.
		entry.TryInvalidateRsp(idx, *previous)
		previous = nil
	}
}

// getOrFetchRsp runs the slot-level single-flight: the elected caller sends
// the naming resolve request (carrying no PSD expectation on this path).
func (c *ResolutionCache) getOrFetchRsp(ctx context.Context, entry *CacheEntry, name string, key PartitionKey, idx int) (*RspEntry, error) {
	for {
		re, hit, isFirst, err := entry.BeginTryGetRsp(ctx, idx)
		if err != nil {
			return nil, err
		}
		if hit {
			return re, nil
		}
		if !isFirst {
			continue
		}

		reply, err := c.gateway.ResolveServicePartition(ctx, ResolveRequest{Name: name, Key: key})
		if err != nil {
			c.failSlot(entry, name, idx, err)
			return nil, err
		}
		incoming := NewRspEntry(reply.RSP)
		winner := entry.EndTryGetRsp(idx, incoming)
		if winner == incoming {
			c.raiseRspUpdate(name, winner.RSP())
		}
		return winner, nil
	}
}

// failSlot applies the error policy: invalid-service evicts the entry and
// fails every waiter; invalid-partition fails only the affected slot; any
// other error cancels the slot's waiters so they retry, leaving cache state
// intact.
func (c *ResolutionCache) failSlot(entry *CacheEntry, name string, idx int, err error) {
	code := fabric.CodeOf(err)
	switch {
	case code.IsInvalidService():
		entry.FailAllWaiters(err)
		c.invalidateEntry(name, entry)
	case code.IsInvalidPartition():
		entry.FailRsp(idx, err)
	default:
		entry.FailRsp(idx, fabric.NewError(fabric.OperationCanceled, err))
	}
}

// invalidateEntry evicts the entry only while it is still the cached one.
func (c *ResolutionCache) invalidateEntry(name string, entry *CacheEntry) {
	c.entries.TryInvalidate(name, func(existing *CacheEntry) bool {
		return existing == entry
	})
	if c.l2 != nil {
		if _, err := c.l2.Delete(context.Background(), []string{l2PsdKeyPrefix + name}); err != nil {
			log.Warn(fmt.Sprintf("L2 PSD invalidation for %s failed: %v", name, err))
		}
	}
}

// Invalidate drops the descriptor entry for name, if cached.
func (c *ResolutionCache) Invalidate(name string) {
	sn, err := ParseServiceName(name)
	if err != nil {
		return
	}
	if entry, ok := c.entries.TryGet(sn.WithoutMembers()); ok {
		c.invalidateEntry(sn.WithoutMembers(), entry)
	}
}

// InvalidateOnError reacts to an error a caller observed talking to the
// resolved endpoint: invalid-service evicts the entry, invalid-partition
// clears the one slot, anything else leaves the cache alone.
func (c *ResolutionCache) InvalidateOnError(name string, key PartitionKey, errorKind fabric.ErrorCode) {
	sn, err := ParseServiceName(name)
	if err != nil {
		return
	}
	entry, ok := c.entries.TryGet(sn.WithoutMembers())
	if !ok {
		return
	}
	switch {
	case errorKind.IsInvalidService():
		c.invalidateEntry(sn.WithoutMembers(), entry)
	case errorKind.IsInvalidPartition():
		if idx, err := entry.PSD().PartitionIndex(key); err == nil {
			if re, ok := entry.TryGetRsp(idx); ok {
				entry.TryInvalidateRsp(idx, re.Version())
			}
		}
	}
}

// UpdateFromNotification absorbs a pushed service table entry. An empty
// (deleted) location with no cached descriptor means the deletion was already
// absorbed and the cache is untouched. psd may be nil when the notification
// carried none.
func (c *ResolutionCache) UpdateFromNotification(rsp *RSP, psd *PSD) {
	sn, err := ParseServiceName(rsp.ServiceName)
	if err != nil {
		log.Debug(fmt.Sprintf("dropping notification with bad service name %q: %v", rsp.ServiceName, err))
		return
	}
	name := sn.WithoutMembers()

	if rsp.IsEmpty() {
		entry, ok := c.entries.TryGet(name)
		if !ok {
			// Already deleted; nothing cached to clear.
			return
		}
		if idx, ok := entry.partitionIndexByCuid(rsp.CUID); ok {
			if entry.TryInvalidateRsp(idx, rsp.Version) {
				c.raiseRspUpdate(name, rsp)
			}
		}
		return
	}

	entry, ok := c.entries.TryGet(name)
	if psd != nil {
		// Replace the entry atomically when the descriptor version rises.
		if !ok || entry.PSD().Version < psd.Version {
			fresh := NewCacheEntry(name, psd)
			if ok {
				c.entries.TryInvalidate(name, func(existing *CacheEntry) bool {
					return existing == entry
				})
			}
			entry, _ = c.entries.TryPutOrGet(name, fresh)
			ok = true
		}
	}
	if !ok {
		// A location with no descriptor to anchor it cannot be slotted.
		log.Debug(fmt.Sprintf("dropping notification for %s: no cached descriptor", name))
		return
	}

	idx, found := entry.partitionIndexByCuid(rsp.CUID)
	if !found {
		log.Debug(fmt.Sprintf("dropping notification for %s: partition %v not in descriptor", name, rsp.CUID))
		return
	}
	incoming := NewRspEntry(rsp)
	if winner := entry.TryPutOrGetRsp(idx, incoming); winner == incoming {
		c.raiseRspUpdate(name, rsp)
	}
}

// partitionIndexByCuid maps a partition id to its slot index.
func (e *CacheEntry) partitionIndexByCuid(cuid fabric.UUID) (int, bool) {
	for i := range e.psd.Partitions {
		if e.psd.Partitions[i].CUID.Compare(cuid) == 0 {
			return i, true
		}
	}
	return 0, false
}

// RegisterRspUpdateCallback installs the single callback raised whenever a
// strictly newer location for name lands in the cache.
func (c *ResolutionCache) RegisterRspUpdateCallback(name string, callback func(*RSP)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks[name] = callback
}

// ReleaseRspUpdateCallback removes the callback for name.
func (c *ResolutionCache) ReleaseRspUpdateCallback(name string) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	delete(c.callbacks, name)
}

func (c *ResolutionCache) raiseRspUpdate(name string, rsp *RSP) {
	c.cbMu.Lock()
	cb := c.callbacks[name]
	c.cbMu.Unlock()
	if cb != nil {
		cb(rsp)
	}
}

// Count returns the number of cached descriptor entries.
func (c *ResolutionCache) Count() int {
	return c.entries.Count()
}
