package rcq

import (
	"context"
	"testing"
)

func newTestQueue(t *testing.T) (*ReliableConcurrentQueue[string], *InMemoryStore[string]) {
	t.Helper()
	store := NewInMemoryStore[string]()
	q := NewReliableConcurrentQueue[string](store, 8, 1024)
	if err := q.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return q, store
}

func TestEnqueueCommitDequeueCommit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	txn := NewTransaction()
	if err := q.Enqueue(ctx, txn, "ten"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.CommitTransaction(ctx, txn); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	txn2 := NewTransaction()
	v, ok, err := q.TryDequeue(ctx, txn2)
	if err != nil || !ok || v != "ten" {
		t.Fatalf("dequeue = (%q, %v, %v)", v, ok, err)
	}
	if err := q.CommitTransaction(ctx, txn2); err != nil {
		t.Fatalf("dequeue commit failed: %v", err)
	}

	if n, _ := q.Count(ctx); n != 0 {
		t.Errorf("count = %d after drain", n)
	}
}

func TestMultipleEnqueueFifoOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	txn := NewTransaction()
	for _, v := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, txn, v); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := q.CommitTransaction(ctx, txn); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	txn2 := NewTransaction()
	for _, want := range []string{"a", "b", "c"} {
		v, ok, err := q.TryDequeue(ctx, txn2)
		if err != nil || !ok || v != want {
			t.Fatalf("dequeue = (%q, %v, %v), expected %q", v, ok, err, want)
		}
	}
	if err := q.CommitTransaction(ctx, txn2); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestDequeueUncommittedInvisible(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	txn := NewTransaction()
	if err := q.Enqueue(ctx, txn, "pending"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Not committed: another transaction sees an empty queue.
	txn2 := NewTransaction()
	if _, ok, _ := q.TryDequeue(ctx, txn2); ok {
		t.Fatalf("uncommitted enqueue visible to dequeue")
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	txn := NewTransaction()
	if v, ok, err := q.TryDequeue(ctx, txn); ok || err != nil {
		t.Fatalf("empty dequeue = (%q, %v, %v)", v, ok, err)
	}
}

func TestTwoDequeueDifferentTransactionsRace(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	txn := NewTransaction()
	q.Enqueue(ctx, txn, "only")
	q.CommitTransaction(ctx, txn)

	// First claimant wins the key; the second sees nothing.
	t1, t2 := NewTransaction(), NewTransaction()
	if _, ok, _ := q.TryDequeue(ctx, t1); !ok {
		t.Fatalf("first claim failed")
	}
	if _, ok, _ := q.TryDequeue(ctx, t2); ok {
		t.Fatalf("second transaction claimed an already-claimed key")
	}

	// Rollback releases the claim.
	if err := q.RollbackTransaction(ctx, t1); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if v, ok, _ := q.TryDequeue(ctx, t2); !ok || v != "only" {
		t.Fatalf("post-rollback dequeue = (%q, %v)", v, ok)
	}
}

// TestSecondaryOutOfOrderApply is the out-of-order scenario: adds for keys
// 3, 1, 2 then removes of 2 and 1 arrive on a secondary; after promotion the
// queue yields exactly "c".
func TestSecondaryOutOfOrderApply(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	apply := func(op Operation[string]) {
		t.Helper()
		if err := q.Apply(ctx, ApplySecondaryRedo, op); err != nil {
			t.Fatalf("apply %+v failed: %v", op, err)
		}
	}
	apply(Operation[string]{Kind: OpAdd, Key: 3, Value: "c"})
	apply(Operation[string]{Kind: OpAdd, Key: 1, Value: "a"})
	apply(Operation[string]{Kind: OpAdd, Key: 2, Value: "b"})
	apply(Operation[string]{Kind: OpRemove, Key: 2})
	apply(Operation[string]{Kind: OpRemove, Key: 1})

	// Failover: this replica is promoted and serves dequeues.
	txn := NewTransaction()
	v, ok, err := q.TryDequeue(ctx, txn)
	if err != nil || !ok || v != "c" {
		t.Fatalf("post-failover dequeue = (%q, %v, %v), expected \"c\"", v, ok, err)
	}
	if err := q.CommitTransaction(ctx, txn); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	txn2 := NewTransaction()
	if _, ok, _ := q.TryDequeue(ctx, txn2); ok {
		t.Fatalf("queue not empty after scenario")
	}

	// A promoted replica must not reuse observed keys.
	txn3 := NewTransaction()
	if err := q.Enqueue(ctx, txn3, "d"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.CommitTransaction(ctx, txn3); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if largest, _, _ := q.store.LargestKey(ctx); largest <= 3 {
		t.Errorf("new key %d not past the observed maximum", largest)
	}
}

func TestSecondaryFalseProgressUndo(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// The secondary applied an add and a remove that the new primary never
	// committed; both are undone.
	if err := q.Apply(ctx, ApplySecondaryRedo, Operation[string]{Kind: OpAdd, Key: 1, Value: "a"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := q.Apply(ctx, ApplySecondaryRedo, Operation[string]{Kind: OpAdd, Key: 2, Value: "b"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := q.Apply(ctx, ApplySecondaryRedo, Operation[string]{Kind: OpRemove, Key: 1, Value: "a"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Undo the remove of 1 (it comes back) and the add of 2 (it goes away).
	if err := q.Apply(ctx, ApplySecondaryFalseProgress, Operation[string]{Kind: OpRemove, Key: 1, Value: "a"}); err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if err := q.Apply(ctx, ApplySecondaryFalseProgress, Operation[string]{Kind: OpAdd, Key: 2, Value: "b"}); err != nil {
		t.Fatalf("undo failed: %v", err)
	}

	txn := NewTransaction()
	v, ok, err := q.TryDequeue(ctx, txn)
	if err != nil || !ok || v != "a" {
		t.Fatalf("dequeue after undo = (%q, %v, %v), expected \"a\"", v, ok, err)
	}
	txn2 := NewTransaction()
	if _, ok, _ := q.TryDequeue(ctx, txn2); ok {
		t.Fatalf("undone add still dequeueable")
	}
}

func TestRecoveryReopen(t *testing.T) {
	store := NewInMemoryStore[string]()
	ctx := context.Background()

	// Seed the store as a prior incarnation would have left it.
	q1 := NewReliableConcurrentQueue[string](store, 8, 1024)
	if err := q1.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	txn := NewTransaction()
	for _, v := range []string{"x", "y"} {
		q1.Enqueue(ctx, txn, v)
	}
	q1.CommitTransaction(ctx, txn)

	// A fresh instance over the same store recovers order and the counter.
	q2 := NewReliableConcurrentQueue[string](store, 8, 1024)
	if err := q2.Open(ctx); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	txn2 := NewTransaction()
	if err := q2.Enqueue(ctx, txn2, "z"); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	q2.CommitTransaction(ctx, txn2)

	txn3 := NewTransaction()
	for _, want := range []string{"x", "y", "z"} {
		v, ok, err := q2.TryDequeue(ctx, txn3)
		if err != nil || !ok || v != want {
			t.Fatalf("recovered dequeue = (%q, %v, %v), expected %q", v, ok, err, want)
		}
	}
}
