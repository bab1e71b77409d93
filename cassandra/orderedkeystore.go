package cassandra

import (
	"context"
	"fmt"
	"sync"

	"github.com/gocql/gocql"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/encoding"
	"github.com/sharedcode/fabric/rcq"
)

// OrderedKeyStore persists one queue's items in the q_items table, keyed by
// queue name with the item key as clustering column. Transaction staging and
// removal claims live client side; Commit applies the staged mutations to
// Cassandra.
type OrderedKeyStore[V any] struct {
	queueName string
	marshaler encoding.Marshaler

	mu      sync.Mutex
	claimed map[int64]fabric.UUID
	staged  map[fabric.UUID][]rcq.Operation[V]
}

// NewOrderedKeyStore creates the store for queueName. OpenConnection must
// have been called.
func NewOrderedKeyStore[V any](queueName string) (*OrderedKeyStore[V], error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is not open")
	}
	return &OrderedKeyStore[V]{
		queueName: queueName,
		marshaler: encoding.NewMarshaler(),
		claimed:   make(map[int64]fabric.UUID),
		staged:    make(map[fabric.UUID][]rcq.Operation[V]),
	}, nil
}

func (s *OrderedKeyStore[V]) Add(ctx context.Context, txnID fabric.UUID, key int64, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[txnID] = append(s.staged[txnID], rcq.Operation[V]{Kind: rcq.OpAdd, Key: key, Value: value})
	return nil
}

func (s *OrderedKeyStore[V]) ConditionalRemove(ctx context.Context, txnID fabric.UUID, key int64) (V, bool, error) {
	var zero V
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, isClaimed := s.claimed[key]; isClaimed && owner.Compare(txnID) != 0 {
		return zero, false, nil
	}
	s.claimed[key] = txnID
	s.staged[txnID] = append(s.staged[txnID], rcq.Operation[V]{Kind: rcq.OpRemove, Key: key, Value: v})
	return v, true, nil
}

func (s *OrderedKeyStore[V]) Commit(ctx context.Context, txnID fabric.UUID) ([]rcq.Operation[V], error) {
	s.mu.Lock()
	ops := s.staged[txnID]
	delete(s.staged, txnID)
	s.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case rcq.OpAdd:
			if err := s.ApplyAdd(ctx, op.Key, op.Value); err != nil {
				return nil, err
			}
		case rcq.OpRemove:
			if _, _, err := s.ApplyRemove(ctx, op.Key); err != nil {
				return nil, err
			}
		}
	}
	return ops, nil
}

func (s *OrderedKeyStore[V]) Rollback(ctx context.Context, txnID fabric.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.staged[txnID] {
		if op.Kind == rcq.OpRemove {
			if owner, ok := s.claimed[op.Key]; ok && owner.Compare(txnID) == 0 {
				delete(s.claimed, op.Key)
			}
		}
	}
	delete(s.staged, txnID)
	return nil
}

func (s *OrderedKeyStore[V]) ApplyAdd(ctx context.Context, key int64, value V) error {
	ba, err := s.marshaler.Marshal(value)
	if err != nil {
		return err
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.q_items (name, key, value) VALUES(?,?,?);", connection.Config.Keyspace)
	return connection.Session.Query(insertStatement, s.queueName, key, ba).WithContext(ctx).Exec()
}

func (s *OrderedKeyStore[V]) ApplyRemove(ctx context.Context, key int64) (V, bool, error) {
	var zero V
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	deleteStatement := fmt.Sprintf("DELETE FROM %s.q_items WHERE name = ? AND key = ?;", connection.Config.Keyspace)
	if err := connection.Session.Query(deleteStatement, s.queueName, key).WithContext(ctx).Exec(); err != nil {
		return zero, false, err
	}
	s.mu.Lock()
	delete(s.claimed, key)
	s.mu.Unlock()
	return v, true, nil
}

func (s *OrderedKeyStore[V]) Get(ctx context.Context, key int64) (V, bool, error) {
	var zero V
	selectStatement := fmt.Sprintf("SELECT value FROM %s.q_items WHERE name = ? AND key = ?;", connection.Config.Keyspace)
	var ba []byte
	if err := connection.Session.Query(selectStatement, s.queueName, key).WithContext(ctx).Scan(&ba); err != nil {
		if err == gocql.ErrNotFound {
			return zero, false, nil
		}
		return zero, false, err
	}
	var v V
	if err := s.marshaler.Unmarshal(ba, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (s *OrderedKeyStore[V]) SnapshotKeys(ctx context.Context) ([]int64, error) {
	selectStatement := fmt.Sprintf("SELECT key FROM %s.q_items WHERE name = ?;", connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, s.queueName).WithContext(ctx).Iter()
	var keys []int64
	var key int64
	s.mu.Lock()
	claimed := make(map[int64]fabric.UUID, len(s.claimed))
	for k, v := range s.claimed {
		claimed[k] = v
	}
	s.mu.Unlock()
	for iter.Scan(&key) {
		if _, isClaimed := claimed[key]; isClaimed {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	// Clustering order already yields the keys ascending.
	return keys, nil
}

func (s *OrderedKeyStore[V]) LargestKey(ctx context.Context) (int64, bool, error) {
	selectStatement := fmt.Sprintf("SELECT max(key) FROM %s.q_items WHERE name = ?;", connection.Config.Keyspace)
	var key *int64
	if err := connection.Session.Query(selectStatement, s.queueName).WithContext(ctx).Scan(&key); err != nil {
		return 0, false, err
	}
	if key == nil {
		return 0, false, nil
	}
	return *key, true, nil
}

func (s *OrderedKeyStore[V]) Count(ctx context.Context) (int, error) {
	selectStatement := fmt.Sprintf("SELECT count(*) FROM %s.q_items WHERE name = ?;", connection.Config.Keyspace)
	var n int
	if err := connection.Session.Query(selectStatement, s.queueName).WithContext(ctx).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
