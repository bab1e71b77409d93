package rcq

import (
	"context"

	"github.com/sharedcode/fabric"
)

// OperationKind tags a replicated queue operation.
type OperationKind int

const (
	OpAdd OperationKind = iota
	OpRemove
)

// Operation is one replicated effect of a committed transaction.
type Operation[V any] struct {
	Kind  OperationKind
	Key   int64
	Value V
}

// OrderedKeyStore is the transactional ordered-key persistence the queue
// sits on. The replicated transaction manager driving it is an external
// collaborator; implementations here (in-memory, Cassandra) provide the
// ordering and conditional-remove semantics the queue depends on.
//
// Transactional mutations are pending under a transaction id until Commit;
// the apply surface mutates committed state directly and is what the
// replication apply paths call.
type OrderedKeyStore[V any] interface {
	// Add stages (key, value) under the transaction.
	Add(ctx context.Context, txnID fabric.UUID, key int64, value V) error
	// ConditionalRemove stages the removal of key. It loses (returns false)
	// when the key is absent from committed state or already claimed by
	// another in-flight transaction.
	ConditionalRemove(ctx context.Context, txnID fabric.UUID, key int64) (V, bool, error)
	// Commit promotes the transaction's staged operations into committed
	// state and returns them in staging order.
	Commit(ctx context.Context, txnID fabric.UUID) ([]Operation[V], error)
	// Rollback discards the transaction's staged operations and releases
	// its claims.
	Rollback(ctx context.Context, txnID fabric.UUID) error

	// ApplyAdd installs a committed (key, value) directly; used by the
	// secondary/recovery apply paths.
	ApplyAdd(ctx context.Context, key int64, value V) error
	// ApplyRemove deletes a committed key directly; ok is false when the
	// key is unknown.
	ApplyRemove(ctx context.Context, key int64) (V, bool, error)

	// Get reads a committed value.
	Get(ctx context.Context, key int64) (V, bool, error)
	// SnapshotKeys returns the committed keys ascending, excluding keys
	// claimed by in-flight removals at snapshot time.
	SnapshotKeys(ctx context.Context) ([]int64, error)
	// LargestKey reports the largest committed key, false when empty.
	LargestKey(ctx context.Context) (int64, bool, error)
	// Count returns the number of committed keys.
	Count(ctx context.Context) (int, error)
}
