package naming

import (
	"fmt"

	"github.com/sharedcode/fabric"
)

// PartitionScheme enumerates the supported partitioning schemes.
type PartitionScheme int

const (
	Singleton PartitionScheme = iota
	UniformInt64Range
	Named
)

// PartitionInfo describes one partition of a service.
type PartitionInfo struct {
	// CUID is the consistency-unit id, the partition's 128-bit identity.
	CUID fabric.UUID
	// LowKey/HighKey bound the partition for UniformInt64Range schemes.
	LowKey  int64
	HighKey int64
	// Name identifies the partition for Named schemes.
	Name string
}

// PSD is a partitioned service descriptor: the versioned metadata describing
// a service's partitioning. An older version is always replaced atomically by
// a newer one in the cache.
type PSD struct {
	Name           string
	Version        int64
	Scheme         PartitionScheme
	Partitions     []PartitionInfo
	IsServiceGroup bool
}

// PartitionKeyKind tags the variant held by a PartitionKey.
type PartitionKeyKind int

const (
	KeyNone PartitionKeyKind = iota
	KeyInt64
	KeyNamed
)

// PartitionKey selects a partition within a service per its scheme.
type PartitionKey struct {
	Kind     PartitionKeyKind
	Int64Key int64
	NameKey  string
}

// NewInt64Key returns a PartitionKey for uniform int64 range schemes.
func NewInt64Key(key int64) PartitionKey {
	return PartitionKey{Kind: KeyInt64, Int64Key: key}
}

// NewNamedKey returns a PartitionKey for named schemes.
func NewNamedKey(name string) PartitionKey {
	return PartitionKey{Kind: KeyNamed, NameKey: name}
}

// NoKey returns the PartitionKey for singleton services.
func NoKey() PartitionKey {
	return PartitionKey{Kind: KeyNone}
}

func (k PartitionKey) String() string {
	switch k.Kind {
	case KeyInt64:
		return fmt.Sprintf("%d", k.Int64Key)
	case KeyNamed:
		return k.NameKey
	}
	return "-"
}

// PartitionIndex maps a key to the slot index of the matching partition.
// An unmatched key yields InvalidServicePartition.
func (p *PSD) PartitionIndex(key PartitionKey) (int, error) {
	switch p.Scheme {
	case Singleton:
		if key.Kind != KeyNone {
			return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: singleton service takes no partition key", p.Name))
		}
		if len(p.Partitions) == 0 {
			return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: descriptor has no partitions", p.Name))
		}
		return 0, nil
	case UniformInt64Range:
		if key.Kind != KeyInt64 {
			return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: int64 partition key required", p.Name))
		}
		for i := range p.Partitions {
			if key.Int64Key >= p.Partitions[i].LowKey && key.Int64Key <= p.Partitions[i].HighKey {
				return i, nil
			}
		}
		return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: key %d matches no partition range", p.Name, key.Int64Key))
	case Named:
		if key.Kind != KeyNamed {
			return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: named partition key required", p.Name))
		}
		for i := range p.Partitions {
			if p.Partitions[i].Name == key.NameKey {
				return i, nil
			}
		}
		return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: no partition named %q", p.Name, key.NameKey))
	}
	return 0, fabric.NewError(fabric.InvalidServicePartition, fmt.Errorf("%s: unknown partition scheme %d", p.Name, p.Scheme))
}

// PartitionCount returns the number of partitions the descriptor declares.
func (p *PSD) PartitionCount() int {
	return len(p.Partitions)
}
