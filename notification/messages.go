package notification

import (
	"context"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/naming"
)

// ServiceTableEntry is the on-wire form of a resolved partition within a
// notification. An entry with an empty replica set is a deletion tombstone.
type ServiceTableEntry struct {
	// Version is the gateway's notification version for this entry,
	// distinct from the RSP's own version tuple.
	Version     int64
	ServiceName string
	CUID        fabric.UUID
	// RSP carries the replica set; nil or empty means deleted.
	RSP *naming.RSP
}

// IsEmpty reports whether the entry is a deletion tombstone.
func (e *ServiceTableEntry) IsEmpty() bool {
	return e.RSP == nil || e.RSP.IsEmpty()
}

// PrimaryEndpoint returns the primary's address, empty when none.
func (e *ServiceTableEntry) PrimaryEndpoint() string {
	if e.RSP == nil {
		return ""
	}
	return e.RSP.Primary
}

// PageID identifies one page of a multi-page notification.
type PageID struct {
	NotificationID fabric.UUID
	PageIndex      int
	PageCount      int
}

// Notification is a server→client push of service table entries.
type Notification struct {
	PageID     PageID
	Generation int64
	// Versions covers every version this notification accounts for,
	// delivered or not.
	Versions *VersionRangeCollection
	Entries  []*ServiceTableEntry
	// MatchedPrimaryOnly flags, per entry, that only primary-only filters
	// matched it.
	MatchedPrimaryOnly []bool
}

// ConnectRequest re-establishes a client's notification session after a
// (re)connect.
type ConnectRequest struct {
	ClientID   fabric.UUID
	Generation int64
	Versions   *VersionRangeCollection
	Filters    []*Filter
}

// ConnectReply is the gateway's session handshake answer.
type ConnectReply struct {
	CacheGeneration                  int64
	LastDeletedEmptyPartitionVersion int64
	ActualGateway                    string
}

// VersionedCuid pairs a partition with the notification version it was last
// delivered at.
type VersionedCuid struct {
	Version int64
	CUID    fabric.UUID
}

// SynchronizationRequest asks the gateway which of the client's undeleted
// partitions it no longer indexes.
type SynchronizationRequest struct {
	ClientID            fabric.UUID
	Generation          int64
	UndeletedPartitions []VersionedCuid
}

// SynchronizationReply lists the versions no longer in the gateway's index.
type SynchronizationReply struct {
	DeletedVersions []int64
}

// AddressDetectionFailure is the per-partition negative result surfaced to
// notification consumers.
type AddressDetectionFailure struct {
	Name         string
	Key          naming.PartitionKey
	Error        fabric.ErrorCode
	StoreVersion int64
}

// PollRequestEntry is one tracker's slice of a location change poll.
type PollRequestEntry struct {
	Name string
	Key  naming.PartitionKey
	// PreviousResolves records, per partition, the version the tracker last
	// delivered so the gateway only answers with news.
	PreviousResolves map[fabric.UUID]naming.RSPVersion
	PreviousError    fabric.ErrorCode
}

// PollRequest batches tracker poll entries into one gateway round trip.
type PollRequest struct {
	ActivityID fabric.UUID
	Requests   []PollRequestEntry
}

// PollReply answers a location change poll.
type PollReply struct {
	Partitions []*naming.RSP
	Failures   []AddressDetectionFailure
	// FirstNonProcessedRequestIndex is the index of the first request the
	// gateway had no room for, -1 when everything was processed.
	FirstNonProcessedRequestIndex int
}

// Gateway is the notification subsystem's view of the cluster gateway.
type Gateway interface {
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectReply, error)
	SynchronizeSession(ctx context.Context, req *SynchronizationRequest) (*SynchronizationReply, error)
	RegisterFilter(ctx context.Context, clientID fabric.UUID, filter *Filter) error
	UnregisterFilter(ctx context.Context, clientID fabric.UUID, filterID uint64) error
	PollServiceLocations(ctx context.Context, req *PollRequest) (*PollReply, error)
}
