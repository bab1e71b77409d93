package rcq

import (
	"context"
	"fmt"
	log "log/slog"
	"sync/atomic"

	"github.com/sharedcode/fabric"
)

// Transaction is the queue's handle onto one replicated transaction. The
// transaction manager owning commit/abort decisions is an external
// collaborator; tests drive the lifecycle directly.
type Transaction struct {
	id fabric.UUID
}

// NewTransaction mints a transaction handle.
func NewTransaction() *Transaction {
	return &Transaction{id: fabric.NewUUID()}
}

// ID returns the transaction's identity.
func (t *Transaction) ID() fabric.UUID {
	return t.id
}

// ApplyRole selects which replication apply path an operation runs under.
type ApplyRole int

const (
	// ApplyPrimary applies an operation committed locally on the primary.
	ApplyPrimary ApplyRole = iota
	// ApplySecondaryRedo applies replicated operations on a secondary;
	// they arrive in arbitrary order.
	ApplySecondaryRedo
	// ApplyRecoveryRedo re-applies logged operations during recovery.
	ApplyRecoveryRedo
	// ApplySecondaryFalseProgress undoes operations a secondary applied
	// ahead of a new primary's truncation point.
	ApplySecondaryFalseProgress
)

// ReliableConcurrentQueue is a transactional FIFO. Keys are assigned on the
// primary from a monotonic counter initialized on recovery from the largest
// stored key; values persist exclusively through the ordered key store. An
// in-memory segment queue tracks committed keys and absorbs out-of-order
// secondary apply; TryDequeue does not read it and works from the store's
// key snapshot instead.
type ReliableConcurrentQueue[V any] struct {
	store OrderedKeyStore[V]
	queue *ConcurrentQueue[int64]

	nextKey atomic.Int64
}

// NewReliableConcurrentQueue creates a queue over store. Segment sizes must
// be powers of two; zero values select the defaults.
func NewReliableConcurrentQueue[V any](store OrderedKeyStore[V], startSegmentSize, maxSegmentSize int64) *ReliableConcurrentQueue[V] {
	return &ReliableConcurrentQueue[V]{
		store: store,
		queue: NewConcurrentQueue[int64](startSegmentSize, maxSegmentSize),
	}
}

// Open recovers the in-memory state from the store: committed keys are
// enqueued in order and the key counter resumes past the largest.
func (q *ReliableConcurrentQueue[V]) Open(ctx context.Context) error {
	keys, err := q.store.SnapshotKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		q.queue.Enqueue(k)
	}
	if largest, ok, err := q.store.LargestKey(ctx); err != nil {
		return err
	} else if ok {
		q.observeKey(largest)
	}
	return nil
}

// observeKey raises the key counter so a promoted primary never reuses a key
// it has seen applied.
func (q *ReliableConcurrentQueue[V]) observeKey(key int64) {
	for {
		cur := q.nextKey.Load()
		if key <= cur || q.nextKey.CompareAndSwap(cur, key) {
			return
		}
	}
}

// Enqueue stages the value under txn with the next key. The effect is
// visible to dequeuers only after the transaction commits.
func (q *ReliableConcurrentQueue[V]) Enqueue(ctx context.Context, txn *Transaction, value V) error {
	if err := ctx.Err(); err != nil {
		return fabric.NewError(fabric.Timeout, err)
	}
	key := q.nextKey.Add(1)
	return q.store.Add(ctx, txn.ID(), key, value)
}

// TryDequeue stages the removal of the current smallest key and returns its
// value. The snapshot enumerator yields keys ascending; a key claimed first
// by a racing transaction is skipped for the next.
func (q *ReliableConcurrentQueue[V]) TryDequeue(ctx context.Context, txn *Transaction) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, fabric.NewError(fabric.Timeout, err)
	}
	keys, err := q.store.SnapshotKeys(ctx)
	if err != nil {
		return zero, false, err
	}
	for _, key := range keys {
		v, ok, err := q.store.ConditionalRemove(ctx, txn.ID(), key)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return v, true, nil
		}
		// Lost the race for this key; advance to the next.
	}
	return zero, false, nil
}

// CommitTransaction promotes the transaction and runs the primary apply path
// for each of its operations.
func (q *ReliableConcurrentQueue[V]) CommitTransaction(ctx context.Context, txn *Transaction) error {
	ops, err := q.store.Commit(ctx, txn.ID())
	if err != nil {
		return err
	}
	for _, op := range ops {
		q.applyToQueue(ApplyPrimary, op)
	}
	return nil
}

// RollbackTransaction discards the transaction's staged operations.
func (q *ReliableConcurrentQueue[V]) RollbackTransaction(ctx context.Context, txn *Transaction) error {
	return q.store.Rollback(ctx, txn.ID())
}

// Apply runs one replicated operation under the given role. This is the
// entry point the replicator's apply callbacks drive on secondaries, during
// recovery redo, and when undoing secondary false progress.
func (q *ReliableConcurrentQueue[V]) Apply(ctx context.Context, role ApplyRole, op Operation[V]) error {
	switch role {
	case ApplyPrimary:
		// Primary effects are persisted by CommitTransaction; only the
		// in-memory queue remains.
	case ApplySecondaryRedo, ApplyRecoveryRedo:
		switch op.Kind {
		case OpAdd:
			if err := q.store.ApplyAdd(ctx, op.Key, op.Value); err != nil {
				return err
			}
		case OpRemove:
			if _, _, err := q.store.ApplyRemove(ctx, op.Key); err != nil {
				return err
			}
		}
	case ApplySecondaryFalseProgress:
		// Undo semantics: an applied add is removed, an applied remove is
		// re-added.
		switch op.Kind {
		case OpAdd:
			if _, _, err := q.store.ApplyRemove(ctx, op.Key); err != nil {
				return err
			}
		case OpRemove:
			if err := q.store.ApplyAdd(ctx, op.Key, op.Value); err != nil {
				return err
			}
		}
	default:
		return fabric.NewError(fabric.InvalidArgument, fmt.Errorf("unknown apply role %d", role))
	}
	q.applyToQueue(role, op)
	return nil
}

// applyToQueue updates the segment queue per the apply table.
func (q *ReliableConcurrentQueue[V]) applyToQueue(role ApplyRole, op Operation[V]) {
	switch role {
	case ApplyPrimary:
		switch op.Kind {
		case OpAdd:
			q.queue.Enqueue(op.Key)
			q.observeKey(op.Key)
		case OpRemove:
			// On the primary the key sits at the head; Remove degrades to a
			// short scan when concurrent commits land out of key order.
			if !q.queue.Remove(op.Key) {
				log.Warn(fmt.Sprintf("committed remove of key %d found no slot", op.Key))
			}
		}
	case ApplySecondaryRedo, ApplyRecoveryRedo:
		switch op.Kind {
		case OpAdd:
			// Keys arrive in arbitrary order here; the store's key order,
			// not the segment order, decides FIFO visibility after
			// failover.
			q.queue.Enqueue(op.Key)
			q.observeKey(op.Key)
		case OpRemove:
			// Null-out wherever the key sits, tolerating gaps.
			q.queue.Remove(op.Key)
		}
	case ApplySecondaryFalseProgress:
		switch op.Kind {
		case OpAdd:
			q.queue.Remove(op.Key)
		case OpRemove:
			q.queue.Enqueue(op.Key)
			q.observeKey(op.Key)
		}
	}
}

// Count returns the number of committed entries.
func (q *ReliableConcurrentQueue[V]) Count(ctx context.Context) (int, error) {
	return q.store.Count(ctx)
}

// SegmentCount exposes the in-memory queue's segment chain length.
func (q *ReliableConcurrentQueue[V]) SegmentCount() int {
	return q.queue.SegmentCount()
}
