package naming

import (
	"fmt"
	"sync"

	"github.com/sharedcode/fabric"
)

// Generation identifies the failover manager's generation: a monotonic number
// qualified by the node that owns it.
type Generation struct {
	Owner  int64
	Number int64
}

func (g Generation) Compare(o Generation) int {
	if g.Number != o.Number {
		if g.Number < o.Number {
			return -1
		}
		return 1
	}
	if g.Owner != o.Owner {
		if g.Owner < o.Owner {
			return -1
		}
		return 1
	}
	return 0
}

// RSPVersion is the total order on resolved partition snapshots:
// (generation, FM version, store version) compared lexicographically.
type RSPVersion struct {
	Generation   Generation
	FMVersion    int64
	StoreVersion int64
}

func (v RSPVersion) Compare(o RSPVersion) int {
	if c := v.Generation.Compare(o.Generation); c != 0 {
		return c
	}
	if v.FMVersion != o.FMVersion {
		if v.FMVersion < o.FMVersion {
			return -1
		}
		return 1
	}
	if v.StoreVersion != o.StoreVersion {
		if v.StoreVersion < o.StoreVersion {
			return -1
		}
		return 1
	}
	return 0
}

func (v RSPVersion) String() string {
	return fmt.Sprintf("(%d.%d,%d,%d)", v.Generation.Owner, v.Generation.Number, v.FMVersion, v.StoreVersion)
}

// MemberLocation carries the endpoints of one service group member within a
// group partition's resolved location.
type MemberLocation struct {
	Name        string
	Primary     string
	Secondaries []string
}

// RSP is a resolved service partition: a versioned snapshot of a partition's
// replica set.
type RSP struct {
	ServiceName string
	CUID        fabric.UUID
	Version     RSPVersion

	IsStateful     bool
	IsPrimaryValid bool
	Primary        string
	Secondaries    []string

	Partition PartitionInfo

	IsServiceGroup bool
	// Members holds the per-member endpoint split of a service group
	// partition; only set when IsServiceGroup.
	Members []MemberLocation
}

// IsEmpty reports whether the replica set is empty. Empty RSPs act as
// deletion tombstones in notifications.
func (r *RSP) IsEmpty() bool {
	return r.Primary == "" && len(r.Secondaries) == 0
}

// RspEntry wraps the unparsed RSP together with lazily-parsed service-group
// member RSPs keyed by fragment. It sits in a slot of a cache entry.
type RspEntry struct {
	rsp *RSP

	mu      sync.Mutex
	members map[string]*RSP
}

// NewRspEntry wraps an RSP for caching.
func NewRspEntry(rsp *RSP) *RspEntry {
	return &RspEntry{rsp: rsp}
}

// RSP returns the unparsed resolved partition.
func (e *RspEntry) RSP() *RSP {
	return e.rsp
}

// Version returns the RSP's version tuple.
func (e *RspEntry) Version() RSPVersion {
	return e.rsp.Version
}

// GetMember extracts (and caches) the member RSP whose fragment matches
// member. A bare service-group RSP with no fragment must not escape to the
// application: AccessDenied. A fragment naming no member yields NameNotFound.
func (e *RspEntry) GetMember(member string) (*RSP, error) {
	if !e.rsp.IsServiceGroup {
		return e.rsp, nil
	}
	if member == "" {
		return nil, fabric.NewError(fabric.AccessDenied, fmt.Errorf("%s: only service group members can be resolved", e.rsp.ServiceName))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.members[member]; ok {
		return m, nil
	}
	for i := range e.rsp.Members {
		if e.rsp.Members[i].Name != member {
			continue
		}
		m := &RSP{
			ServiceName:    e.rsp.ServiceName + "#" + member,
			CUID:           e.rsp.CUID,
			Version:        e.rsp.Version,
			IsStateful:     e.rsp.IsStateful,
			IsPrimaryValid: e.rsp.IsPrimaryValid,
			Primary:        e.rsp.Members[i].Primary,
			Secondaries:    e.rsp.Members[i].Secondaries,
			Partition:      e.rsp.Partition,
		}
		if e.members == nil {
			e.members = make(map[string]*RSP)
		}
		e.members[member] = m
		return m, nil
	}
	return nil, fabric.NewError(fabric.NameNotFound, fmt.Errorf("%s: service group has no member %q", e.rsp.ServiceName, member))
}
