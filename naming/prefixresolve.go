package naming

import (
	"context"

	"github.com/sharedcode/fabric"
)

// PrefixResolve resolves (name, key) through longest-prefix matching at the
// naming service. It keeps its own cache wrapper over the descriptor cache:
// request names map to the entry of the longest registered prefix. bypassCache
// forces a round trip.
func (c *ResolutionCache) PrefixResolve(ctx context.Context, name string, key PartitionKey, previous *RSPVersion, bypassCache bool) (*RSP, error) {
	sn, err := ParseServiceName(name)
	if err != nil {
		return nil, err
	}
	reqName := sn.WithoutMembers()

	for {
		var entry *CacheEntry
		if !bypassCache {
			if e, ok := c.prefixes.TryGet(reqName); ok {
				entry = e
			}
		}

		if entry == nil {
			entry, err = c.prefixFetch(ctx, reqName, key)
			if err != nil {
				return nil, err
			}
			bypassCache = false
		}

		idx, err := entry.PSD().PartitionIndex(key)
		if err != nil {
			return nil, err
		}

		re, restart, err := c.getOrFetchPrefixRsp(ctx, entry, reqName, key, idx)
		if err != nil {
			if fabric.CodeOf(err) == fabric.OperationCanceled {
				continue
			}
			return nil, err
		}
		if restart {
			continue
		}

		if previous == nil || re.Version().Compare(*previous) > 0 {
			return re.GetMember(sn.Member())
		}
		entry.TryInvalidateRsp(idx, *previous)
		previous = nil
	}
}

// prefixFetch performs the prefix resolution round trip and installs both the
// returned descriptor (under the matched prefix name) and the location.
func (c *ResolutionCache) prefixFetch(ctx context.Context, reqName string, key PartitionKey) (*CacheEntry, error) {
	reply, err := c.gateway.PrefixResolveServicePartition(ctx, ResolveRequest{Name: reqName, Key: key, IncludePSD: true})
	if err != nil {
		if fabric.CodeOf(err).IsInvalidService() {
			c.prefixes.TryRemove(reqName)
		}
		return nil, err
	}

	psd := reply.PSD
	fresh := NewCacheEntry(psd.Name, psd)
	entry, inserted := c.entries.TryPutOrGet(psd.Name, fresh)
	if !inserted && entry.PSD().Version < psd.Version {
		// The reply carries a newer descriptor than the cached one.
		c.entries.TryInvalidate(psd.Name, func(existing *CacheEntry) bool {
			return existing == entry
		})
		entry, _ = c.entries.TryPutOrGet(psd.Name, fresh)
	}
	c.prefixes.Put(reqName, entry)

	if reply.RSP != nil {
		if idx, err := entry.PSD().PartitionIndex(key); err == nil {
			incoming := NewRspEntry(reply.RSP)
			if winner := entry.TryPutOrGetRsp(idx, incoming); winner == incoming {
				c.raiseRspUpdate(psd.Name, reply.RSP)
			}
		}
	}
	return entry, nil
}

// getOrFetchPrefixRsp fills a missing slot of a prefix-matched entry. The
// reply of the refetch carries its own descriptor; when that descriptor no
// longer agrees with the cached one the prefix mapping is dropped and the
// caller restarts.
func (c *ResolutionCache) getOrFetchPrefixRsp(ctx context.Context, entry *CacheEntry, reqName string, key PartitionKey, idx int) (re *RspEntry, restart bool, err error) {
	for {
		re, hit, isFirst, err := entry.BeginTryGetRsp(ctx, idx)
		if err != nil {
			return nil, false, err
		}
		if hit {
			return re, false, nil
		}
		if !isFirst {
			continue
		}

		reply, err := c.gateway.PrefixResolveServicePartition(ctx, ResolveRequest{Name: reqName, Key: key, IncludePSD: true})
		if err != nil {
			c.failSlot(entry, entry.Name(), idx, err)
			if fabric.CodeOf(err).IsInvalidService() {
				c.prefixes.TryRemove(reqName)
			}
			return nil, false, err
		}
		if reply.PSD != nil && reply.PSD.Version != entry.PSD().Version {
			// The gateway's view moved; this entry no longer represents the
			// request's prefix match.
			entry.FailRsp(idx, fabric.NewError(fabric.OperationCanceled, nil))
			c.prefixes.TryRemove(reqName)
			return nil, true, nil
		}
		incoming := NewRspEntry(reply.RSP)
		winner := entry.EndTryGetRsp(idx, incoming)
		if winner == incoming {
			c.raiseRspUpdate(entry.Name(), winner.RSP())
		}
		return winner, false, nil
	}
}
