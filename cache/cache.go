// Package cache contains the bounded LRU cache shared by the resolution
// cache, plus the in-memory L2 cache implementation. It offers a generic
// Cache interface with single-flight fetch election via per-key waiter lists.
package cache

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/sharedcode/fabric"
)

// Cache is a generic bounded key/entry map with LRU-by-bucket eviction and
// single-flight fetch coordination.
type Cache[TK comparable, TV any] interface {
	// TryGet looks up the value for key, refreshing its recency on hit.
	TryGet(key TK) (TV, bool)
	// TryPutOrGet inserts value if key is absent, else returns the existing value.
	// The second return is true when the insert happened.
	TryPutOrGet(key TK, value TV) (TV, bool)
	// Put inserts or replaces the value for key.
	Put(key TK, value TV)
	// TryRemove removes key from the cache, if present.
	TryRemove(key TK) bool
	// TryInvalidate removes key if it exists and the policy allows it.
	// A nil policy always allows.
	TryInvalidate(key TK, allow func(existing TV) bool) bool
	// Count returns the number of items currently stored in the cache.
	Count() int
	// Clear removes all entries from the cache.
	Clear()

	// BeginTryGet looks up key; on a miss, exactly one caller is elected to
	// fetch (isFirstWaiter true) while every other caller blocks for that
	// fetch. The elected caller must follow up with EndFetch or FailFetch.
	// Waiting fails with a Timeout error when ctx expires, or with the error
	// the elected caller passed to FailFetch.
	BeginTryGet(ctx context.Context, key TK) (value TV, hit bool, isFirstWaiter bool, err error)
	// EndFetch inserts the fetched value and releases all waiters with it.
	EndFetch(key TK, value TV)
	// FailFetch releases all waiters of key with err, leaving the cache untouched.
	FailFetch(key TK, err error)
}

type cacheEntry[TK, TV any] struct {
	data    TV
	dllNode *node[TK]
}

type bucket[TK comparable, TV any] struct {
	mu      sync.Mutex
	lookup  map[TK]*cacheEntry[TK, TV]
	lru     *doublyLinkedList[TK]
	pending map[TK]*WaiterList[TV]
}

type lruCache[TK comparable, TV any] struct {
	buckets           []*bucket[TK, TV]
	capacityPerBucket int
	hash              func(TK) uint32
}

// StringHash is the default hash for string-keyed caches.
func StringHash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// NewCache creates a bounded cache with the given total capacity spread over
// bucketCount buckets, each evicting least-recently-used entries
// independently. hash maps a key to its bucket.
func NewCache[TK comparable, TV any](capacity, bucketCount int, hash func(TK) uint32) Cache[TK, TV] {
	if bucketCount < 1 {
		bucketCount = 1
	}
	perBucket := (capacity + bucketCount - 1) / bucketCount
	if perBucket < 1 {
		perBucket = 1
	}
	c := &lruCache[TK, TV]{
		buckets:           make([]*bucket[TK, TV], bucketCount),
		capacityPerBucket: perBucket,
		hash:              hash,
	}
	for i := range c.buckets {
		c.buckets[i] = &bucket[TK, TV]{
			lookup:  make(map[TK]*cacheEntry[TK, TV]),
			lru:     newDoublyLinkedList[TK](),
			pending: make(map[TK]*WaiterList[TV]),
		}
	}
	return c
}

// NewStringCache creates a bounded cache keyed by strings using the default hash.
func NewStringCache[TV any](capacity, bucketCount int) Cache[string, TV] {
	return NewCache[string, TV](capacity, bucketCount, StringHash)
}

func (c *lruCache[TK, TV]) bucketOf(key TK) *bucket[TK, TV] {
	return c.buckets[int(c.hash(key))%len(c.buckets)]
}

func (c *lruCache[TK, TV]) TryGet(key TK) (TV, bool) {
	b := c.bucketOf(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.lookup[key]; ok {
		b.lru.delete(v.dllNode)
		v.dllNode = b.lru.addToHead(key)
		return v.data, true
	}
	var zero TV
	return zero, false
}

func (c *lruCache[TK, TV]) TryPutOrGet(key TK, value TV) (TV, bool) {
	b := c.bucketOf(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.lookup[key]; ok {
		b.lru.delete(v.dllNode)
		v.dllNode = b.lru.addToHead(key)
		return v.data, false
	}
	c.put(b, key, value)
	return value, true
}

func (c *lruCache[TK, TV]) Put(key TK, value TV) {
	b := c.bucketOf(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.lookup[key]; ok {
		v.data = value
		b.lru.delete(v.dllNode)
		v.dllNode = b.lru.addToHead(key)
		return
	}
	c.put(b, key, value)
}

// put inserts then evicts from the bucket's LRU tail while over capacity.
// Caller holds the bucket lock.
func (c *lruCache[TK, TV]) put(b *bucket[TK, TV], key TK, value TV) {
	n := b.lru.addToHead(key)
	b.lookup[key] = &cacheEntry[TK, TV]{data: value, dllNode: n}
	for b.lru.count() > c.capacityPerBucket {
		id, ok := b.lru.deleteFromTail()
		if !ok {
			break
		}
		if v, found := b.lookup[id]; found {
			v.dllNode = nil
			delete(b.lookup, id)
		}
	}
}

func (c *lruCache[TK, TV]) TryRemove(key TK) bool {
	b := c.bucketOf(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.lookup[key]; ok {
		b.lru.delete(v.dllNode)
		v.dllNode = nil
		delete(b.lookup, key)
		return true
	}
	return false
}

func (c *lruCache[TK, TV]) TryInvalidate(key TK, allow func(existing TV) bool) bool {
	b := c.bucketOf(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.lookup[key]
	if !ok {
		return false
	}
	if allow != nil && !allow(v.data) {
		return false
	}
	b.lru.delete(v.dllNode)
	v.dllNode = nil
	delete(b.lookup, key)
	return true
}

func (c *lruCache[TK, TV]) Count() int {
	n := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		n += len(b.lookup)
		b.mu.Unlock()
	}
	return n
}

func (c *lruCache[TK, TV]) Clear() {
	for _, b := range c.buckets {
		b.mu.Lock()
		b.lookup = make(map[TK]*cacheEntry[TK, TV])
		b.lru = newDoublyLinkedList[TK]()
		b.mu.Unlock()
	}
}

func (c *lruCache[TK, TV]) BeginTryGet(ctx context.Context, key TK) (TV, bool, bool, error) {
	b := c.bucketOf(key)
	b.mu.Lock()
	if v, ok := b.lookup[key]; ok {
		b.lru.delete(v.dllNode)
		v.dllNode = b.lru.addToHead(key)
		b.mu.Unlock()
		return v.data, true, false, nil
	}
	w, ok := b.pending[key]
	if !ok {
		w = &WaiterList[TV]{}
		b.pending[key] = w
	}
	b.mu.Unlock()

	value, isFirst, err := w.Begin(ctx)
	if err != nil {
		return value, false, false, err
	}
	if isFirst {
		return value, false, true, nil
	}
	// A waiter woken by EndFetch observes the fetched value; woken by
	// FailFetch it got a nil err from Begin only if the fetch succeeded,
	// so reaching here with no error means value is valid.
	return value, true, false, nil
}

func (c *lruCache[TK, TV]) EndFetch(key TK, value TV) {
	b := c.bucketOf(key)
	b.mu.Lock()
	w := b.pending[key]
	delete(b.pending, key)
	if v, ok := b.lookup[key]; ok {
		v.data = value
		b.lru.delete(v.dllNode)
		v.dllNode = b.lru.addToHead(key)
	} else {
		c.put(b, key, value)
	}
	b.mu.Unlock()
	if w != nil {
		w.Complete(value)
	}
}

func (c *lruCache[TK, TV]) FailFetch(key TK, err error) {
	b := c.bucketOf(key)
	b.mu.Lock()
	w := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()
	if w != nil {
		if err == nil {
			err = fabric.NewError(fabric.OperationCanceled, nil)
		}
		w.Fail(err)
	}
}
