package notification

import (
	"context"
	"fmt"
	log "log/slog"
)

// undeletedPartitionWireSize approximates the wire footprint of one
// VersionedCuid so synchronization pages stay under the message content
// threshold.
const undeletedPartitionWireSize = 24

// startSynchronizingSession launches the reconnect protocol against target.
// A newer gateway connect event cancels it.
func (c *Client) startSynchronizingSession(target string) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed || c.targetGateway != target || c.syncCancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.syncCancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		if err := c.synchronizeSession(ctx, target); err != nil {
			log.Warn(fmt.Sprintf("notification session sync with %s failed: %v", target, err))
		}
	}()
}

func (c *Client) synchronizeSession(ctx context.Context, target string) error {
	ctx, cancelTimeout := context.WithTimeout(ctx, c.settings.NotificationGatewayConnectionTimeout)
	defer cancelTimeout()

	c.mu.Lock()
	req := &ConnectRequest{
		ClientID:   c.clientID,
		Generation: c.generation,
		Versions:   c.versions.Clone(),
		Filters:    make([]*Filter, 0, len(c.filters)),
	}
	for _, f := range c.filters {
		req.Filters = append(req.Filters, f)
	}
	c.mu.Unlock()

	reply, err := c.gateway.Connect(ctx, req)
	if err != nil {
		c.clearSyncState(target)
		return err
	}

	c.mu.Lock()
	if c.targetGateway != target {
		// A new connect event won; that sync owns the session now.
		c.mu.Unlock()
		return nil
	}
	if reply.CacheGeneration != c.generation {
		// Different gateway cache: the whole delivered state is moot.
		c.generation = reply.CacheGeneration
		c.versions.Clear()
		c.undeleted.clear()
		accepted := c.finishSynchronizationCallerHoldsLock()
		c.mu.Unlock()
		c.post(accepted)
		return nil
	}
	if c.versions.Contains(reply.LastDeletedEmptyPartitionVersion) {
		// Nothing was trimmed past what we have seen.
		accepted := c.finishSynchronizationCallerHoldsLock()
		c.mu.Unlock()
		c.post(accepted)
		return nil
	}
	candidates := c.undeleted.candidates(reply.LastDeletedEmptyPartitionVersion)
	generation := c.generation
	c.mu.Unlock()

	pageSize := c.settings.MessageContentThreshold() / undeletedPartitionWireSize
	if pageSize < 1 {
		pageSize = 1
	}
	for start := 0; start < len(candidates); start += pageSize {
		end := start + pageSize
		if end > len(candidates) {
			end = len(candidates)
		}
		sreq := &SynchronizationRequest{
			ClientID:            c.clientID,
			Generation:          generation,
			UndeletedPartitions: candidates[start:end],
		}
		sreply, err := c.gateway.SynchronizeSession(ctx, sreq)
		if err != nil {
			c.clearSyncState(target)
			return err
		}
		c.deliverSynthesizedDeletes(target, sreply.DeletedVersions)
	}

	c.mu.Lock()
	if c.targetGateway != target {
		c.mu.Unlock()
		return nil
	}
	accepted := c.finishSynchronizationCallerHoldsLock()
	c.mu.Unlock()
	c.post(accepted)
	return nil
}

// deliverSynthesizedDeletes builds one synthetic empty notification per
// version the gateway no longer indexes and delivers it: the partition was
// tombstoned while we were away.
func (c *Client) deliverSynthesizedDeletes(target string, deletedVersions []int64) {
	var deliver []*ServiceTableEntry
	c.mu.Lock()
	if c.targetGateway != target {
		c.mu.Unlock()
		return
	}
	for _, v := range deletedVersions {
		e, ok := c.undeleted.getByVersion(v)
		if !ok {
			continue
		}
		deliver = append(deliver, &ServiceTableEntry{
			Version:     v,
			ServiceName: e.ServiceName,
			CUID:        e.CUID,
		})
		c.undeleted.removeVersion(v)
	}
	c.mu.Unlock()
	c.post(deliver)
}

// finishSynchronizationCallerHoldsLock flips the synchronized flag, clears
// the sync ownership and drains the buffered notifications through the
// normal accept path, returning everything to deliver.
func (c *Client) finishSynchronizationCallerHoldsLock() []*ServiceTableEntry {
	c.isSynchronized = true
	c.syncCancel = nil
	pending := c.pending
	c.pending = nil
	var deliver []*ServiceTableEntry
	for _, n := range pending {
		deliver = append(deliver, c.acceptCallerHoldsLock(n)...)
	}
	return deliver
}

// clearSyncState releases the sync ownership so a later filter registration
// or connect event can retry.
func (c *Client) clearSyncState(target string) {
	c.mu.Lock()
	if c.targetGateway == target {
		c.syncCancel = nil
	}
	c.mu.Unlock()
}
