package notification

import (
	"sort"

	"github.com/sharedcode/fabric"
)

// UndeletedPartitionEntry records one live partition that has been delivered
// to the application and not yet superseded by an empty (deleted) entry. The
// index keeps exactly one entry per CUID, reachable both by version and by
// CUID.
type UndeletedPartitionEntry struct {
	Version         int64
	CUID            fabric.UUID
	ServiceName     string
	PrimaryEndpoint string
}

// undeletedIndex is the bijection (version ↔ CUID) over live delivered
// partitions, used to detect missed deletions during reconnect
// synchronization. Not safe for concurrent use; the client serializes access
// under its lock.
type undeletedIndex struct {
	byCuid    map[fabric.UUID]*UndeletedPartitionEntry
	byVersion map[int64]*UndeletedPartitionEntry
}

func newUndeletedIndex() *undeletedIndex {
	return &undeletedIndex{
		byCuid:    make(map[fabric.UUID]*UndeletedPartitionEntry),
		byVersion: make(map[int64]*UndeletedPartitionEntry),
	}
}

// put installs or refreshes the entry for its CUID, dropping any older
// version mapping for the same partition.
func (x *undeletedIndex) put(e *UndeletedPartitionEntry) {
	if old, ok := x.byCuid[e.CUID]; ok {
		delete(x.byVersion, old.Version)
	}
	x.byCuid[e.CUID] = e
	x.byVersion[e.Version] = e
}

// getByCuid returns the live entry for the partition, if any.
func (x *undeletedIndex) getByCuid(cuid fabric.UUID) (*UndeletedPartitionEntry, bool) {
	e, ok := x.byCuid[cuid]
	return e, ok
}

// getByVersion returns the entry delivered at version, if any.
func (x *undeletedIndex) getByVersion(version int64) (*UndeletedPartitionEntry, bool) {
	e, ok := x.byVersion[version]
	return e, ok
}

// removeCuid drops the partition from both maps.
func (x *undeletedIndex) removeCuid(cuid fabric.UUID) {
	if e, ok := x.byCuid[cuid]; ok {
		delete(x.byVersion, e.Version)
		delete(x.byCuid, cuid)
	}
}

// removeVersion drops the entry delivered at version from both maps.
func (x *undeletedIndex) removeVersion(version int64) {
	if e, ok := x.byVersion[version]; ok {
		delete(x.byCuid, e.CUID)
		delete(x.byVersion, version)
	}
}

// candidates lists every live partition whose delivery version might have
// been tombstoned and trimmed by the gateway, i.e. all of them up to the
// gateway's last deleted version. Sorted by version so paging stays
// deterministic.
func (x *undeletedIndex) candidates(lastDeletedVersion int64) []VersionedCuid {
	out := make([]VersionedCuid, 0, len(x.byVersion))
	for v, e := range x.byVersion {
		if v <= lastDeletedVersion {
			out = append(out, VersionedCuid{Version: v, CUID: e.CUID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (x *undeletedIndex) count() int {
	return len(x.byCuid)
}

func (x *undeletedIndex) clear() {
	x.byCuid = make(map[fabric.UUID]*UndeletedPartitionEntry)
	x.byVersion = make(map[int64]*UndeletedPartitionEntry)
}
