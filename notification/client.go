package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/naming"
)

// Handler consumes accepted (or synthesized) service table entries in
// delivery order.
type Handler func(entries []*ServiceTableEntry)

// Client owns a notification session with the gateway: it registers filters,
// accepts pushed notifications exactly once, and detects missed deletions
// after a reconnect by offering its undeleted index to the gateway.
//
// Gateways trim indexed empty ("tombstone") entries beyond the last N
// versions, so a client reconnecting after a long gap cannot rely on pushes
// alone; the synchronization protocol reconstructs the missed tombstones.
type Client struct {
	gateway  Gateway
	settings fabric.Settings
	handler  Handler

	mu             sync.Mutex
	clientID       fabric.UUID
	generation     int64
	versions       *VersionRangeCollection
	filters        map[uint64]*Filter
	nextFilterID   uint64
	undeleted      *undeletedIndex
	isSynchronized bool
	targetGateway  string
	pending        []*Notification
	syncCancel     context.CancelFunc
	closed         bool
}

// NewClient creates a notification client delivering accepted entries to
// handler.
func NewClient(gateway Gateway, settings fabric.Settings, handler Handler) *Client {
	return &Client{
		gateway:   gateway,
		settings:  settings,
		handler:   handler,
		clientID:  fabric.NewUUID(),
		versions:  NewVersionRangeCollection(),
		filters:   make(map[uint64]*Filter),
		undeleted: newUndeletedIndex(),
	}
}

// ClientID identifies this client's session across reconnects.
func (c *Client) ClientID() fabric.UUID {
	return c.clientID
}

// IsSynchronized reports whether the session caught up with the gateway.
func (c *Client) IsSynchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSynchronized
}

// Close cancels any in-flight synchronization and stops accepting.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.syncCancel
	c.syncCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OnGatewayConnected records the new target gateway, cancels an in-flight
// synchronization against the old one and starts synchronizing the session
// when any filter is registered.
func (c *Client) OnGatewayConnected(targetGateway string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.targetGateway = targetGateway
	c.isSynchronized = false
	cancel := c.syncCancel
	c.syncCancel = nil
	startSync := len(c.filters) > 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if startSync {
		c.startSynchronizingSession(targetGateway)
	}
}

// RegisterFilter assigns the filter its id, registers it at the gateway and
// lazily drives session synchronization on the first registration after a
// reconnect. Registration is idempotent: filter-already-exists is success.
func (c *Client) RegisterFilter(ctx context.Context, filter *Filter) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fabric.NewError(fabric.OperationCanceled, fmt.Errorf("notification client is closed"))
	}
	c.nextFilterID++
	filter.FilterID = c.nextFilterID
	c.filters[filter.FilterID] = filter
	target := c.targetGateway
	needsSync := target != "" && !c.isSynchronized && c.syncCancel == nil
	c.mu.Unlock()

	if err := c.gateway.RegisterFilter(ctx, c.clientID, filter); err != nil {
		if fabric.CodeOf(err) != fabric.FilterAlreadyExists {
			c.mu.Lock()
			delete(c.filters, filter.FilterID)
			c.mu.Unlock()
			return 0, err
		}
	}
	if needsSync {
		c.startSynchronizingSession(target)
	}
	return filter.FilterID, nil
}

// UnregisterFilter removes the filter. Unregistration is idempotent:
// filter-not-found is success.
func (c *Client) UnregisterFilter(ctx context.Context, filterID uint64) error {
	c.mu.Lock()
	delete(c.filters, filterID)
	c.mu.Unlock()

	if err := c.gateway.UnregisterFilter(ctx, c.clientID, filterID); err != nil {
		if fabric.CodeOf(err) != fabric.FilterNotFound {
			return err
		}
	}
	return nil
}

// ProcessNotification runs the accept rules on a pushed notification. While
// the session is not synchronized the notification is buffered and replayed
// once synchronization finishes.
func (c *Client) ProcessNotification(n *Notification) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.isSynchronized {
		c.pending = append(c.pending, n)
		c.mu.Unlock()
		return
	}
	accepted := c.acceptCallerHoldsLock(n)
	c.mu.Unlock()
	c.post(accepted)
}

// acceptCallerHoldsLock applies the accept rules and returns the entries to
// deliver, already expanded for service groups.
func (c *Client) acceptCallerHoldsLock(n *Notification) []*ServiceTableEntry {
	if n.Generation < c.generation {
		// Stale: an older gateway cache produced this page.
		return nil
	}
	if n.Generation > c.generation {
		c.generation = n.Generation
		c.versions.Clear()
		c.undeleted.clear()
	}

	var deliver []*ServiceTableEntry
	for i, entry := range n.Entries {
		if c.versions.Contains(entry.Version) {
			// Duplicate: already delivered under this version.
			continue
		}
		matchedPrimaryOnly := i < len(n.MatchedPrimaryOnly) && n.MatchedPrimaryOnly[i]
		if !c.shouldDeliverCallerHoldsLock(entry, matchedPrimaryOnly) {
			continue
		}
		c.recordDeliveryCallerHoldsLock(entry)
		deliver = append(deliver, expandServiceGroup(entry)...)
	}
	if n.Versions != nil {
		c.versions.Merge(n.Versions)
	}
	return deliver
}

// shouldDeliverCallerHoldsLock is the per-CUID rule: empty entries must
// supersede the delivered version; non-empty entries must change the version
// or, when only primary-only filters matched, the primary endpoint.
func (c *Client) shouldDeliverCallerHoldsLock(entry *ServiceTableEntry, matchedPrimaryOnly bool) bool {
	stored, ok := c.undeleted.getByCuid(entry.CUID)
	if entry.IsEmpty() {
		return ok && stored.Version < entry.Version
	}
	if !ok {
		return true
	}
	if stored.Version == entry.Version {
		return false
	}
	if matchedPrimaryOnly {
		return stored.PrimaryEndpoint != entry.PrimaryEndpoint()
	}
	return true
}

func (c *Client) recordDeliveryCallerHoldsLock(entry *ServiceTableEntry) {
	if entry.IsEmpty() {
		c.undeleted.removeCuid(entry.CUID)
		return
	}
	c.undeleted.put(&UndeletedPartitionEntry{
		Version:         entry.Version,
		CUID:            entry.CUID,
		ServiceName:     entry.ServiceName,
		PrimaryEndpoint: entry.PrimaryEndpoint(),
	})
}

// expandServiceGroup turns a non-empty service group entry into one entry
// per member.
func expandServiceGroup(entry *ServiceTableEntry) []*ServiceTableEntry {
	if entry.IsEmpty() || entry.RSP == nil || !entry.RSP.IsServiceGroup || len(entry.RSP.Members) == 0 {
		return []*ServiceTableEntry{entry}
	}
	out := make([]*ServiceTableEntry, 0, len(entry.RSP.Members))
	for i := range entry.RSP.Members {
		m := &entry.RSP.Members[i]
		out = append(out, &ServiceTableEntry{
			Version:     entry.Version,
			ServiceName: entry.ServiceName + "#" + m.Name,
			CUID:        entry.CUID,
			RSP: &naming.RSP{
				ServiceName:    entry.ServiceName + "#" + m.Name,
				CUID:           entry.CUID,
				Version:        entry.RSP.Version,
				IsStateful:     entry.RSP.IsStateful,
				IsPrimaryValid: entry.RSP.IsPrimaryValid,
				Primary:        m.Primary,
				Secondaries:    m.Secondaries,
				Partition:      entry.RSP.Partition,
			},
		})
	}
	return out
}

func (c *Client) post(entries []*ServiceTableEntry) {
	if len(entries) == 0 || c.handler == nil {
		return
	}
	c.handler(entries)
}
