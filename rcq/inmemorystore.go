package rcq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sharedcode/fabric"
)

// InMemoryStore is the reference OrderedKeyStore: a sorted committed map
// plus per-transaction staging with claim-based conditional removes. It
// mirrors the two-phase shape of the transactional backends without any
// durability.
type InMemoryStore[V any] struct {
	mu        sync.Mutex
	committed map[int64]V
	// claimed maps a key to the transaction holding its pending removal.
	claimed map[int64]fabric.UUID
	staged  map[fabric.UUID][]Operation[V]
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore[V any]() *InMemoryStore[V] {
	return &InMemoryStore[V]{
		committed: make(map[int64]V),
		claimed:   make(map[int64]fabric.UUID),
		staged:    make(map[fabric.UUID][]Operation[V]),
	}
}

func (s *InMemoryStore[V]) Add(ctx context.Context, txnID fabric.UUID, key int64, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.committed[key]; ok {
		return fabric.NewError(fabric.InvalidArgument, fmt.Errorf("key %d already exists", key))
	}
	s.staged[txnID] = append(s.staged[txnID], Operation[V]{Kind: OpAdd, Key: key, Value: value})
	return nil
}

func (s *InMemoryStore[V]) ConditionalRemove(ctx context.Context, txnID fabric.UUID, key int64) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero V
	v, ok := s.committed[key]
	if !ok {
		return zero, false, nil
	}
	if owner, isClaimed := s.claimed[key]; isClaimed && owner.Compare(txnID) != 0 {
		// Another in-flight transaction won the key.
		return zero, false, nil
	}
	s.claimed[key] = txnID
	s.staged[txnID] = append(s.staged[txnID], Operation[V]{Kind: OpRemove, Key: key, Value: v})
	return v, true, nil
}

func (s *InMemoryStore[V]) Commit(ctx context.Context, txnID fabric.UUID) ([]Operation[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.staged[txnID]
	delete(s.staged, txnID)
	for _, op := range ops {
		switch op.Kind {
		case OpAdd:
			s.committed[op.Key] = op.Value
		case OpRemove:
			delete(s.committed, op.Key)
			delete(s.claimed, op.Key)
		}
	}
	return ops, nil
}

func (s *InMemoryStore[V]) Rollback(ctx context.Context, txnID fabric.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.staged[txnID] {
		if op.Kind == OpRemove {
			if owner, ok := s.claimed[op.Key]; ok && owner.Compare(txnID) == 0 {
				delete(s.claimed, op.Key)
			}
		}
	}
	delete(s.staged, txnID)
	return nil
}

func (s *InMemoryStore[V]) ApplyAdd(ctx context.Context, key int64, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[key] = value
	return nil
}

func (s *InMemoryStore[V]) ApplyRemove(ctx context.Context, key int64) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.committed[key]
	if ok {
		delete(s.committed, key)
		delete(s.claimed, key)
	}
	return v, ok, nil
}

func (s *InMemoryStore[V]) Get(ctx context.Context, key int64) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.committed[key]
	return v, ok, nil
}

func (s *InMemoryStore[V]) SnapshotKeys(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]int64, 0, len(s.committed))
	for k := range s.committed {
		if _, isClaimed := s.claimed[k]; isClaimed {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *InMemoryStore[V]) LargestKey(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var largest int64
	found := false
	for k := range s.committed {
		if !found || k > largest {
			largest = k
			found = true
		}
	}
	return largest, found, nil
}

func (s *InMemoryStore[V]) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed), nil
}
