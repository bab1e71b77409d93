package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/encoding"
)

type item struct {
	data       []byte
	expiration time.Time
}

// InMemoryCache is an in-process implementation of fabric.L2Cache. It backs
// the second cache level when no Redis is configured and doubles as the Redis
// stand-in in tests.
type InMemoryCache struct {
	mu  sync.RWMutex
	lru Cache[string, item]
}

// NewInMemoryCache returns an L2Cache held entirely in process memory.
func NewInMemoryCache() fabric.L2Cache {
	return &InMemoryCache{
		lru: NewStringCache[item](10000, 64),
	}
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	c.lru.Put(key, item{data: []byte(value), expiration: exp})
	return nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.lru.TryGet(key)
	if !ok || it.data == nil {
		return false, "", nil
	}
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.lru.TryRemove(key)
		return false, "", nil
	}
	return true, string(it.data), nil
}

func (c *InMemoryCache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.lru.TryGet(key)
	if !ok || it.data == nil {
		return false, "", nil
	}
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.lru.TryRemove(key)
		return false, "", nil
	}
	if expiration > 0 {
		it.expiration = time.Now().Add(expiration)
		c.lru.Put(key, it)
	}
	return true, string(it.data), nil
}

func (c *InMemoryCache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encoding.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	c.lru.Put(key, item{data: data, expiration: exp})
	return nil
}

func (c *InMemoryCache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.lru.TryGet(key)
	if !ok || it.data == nil {
		return false, nil
	}
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.lru.TryRemove(key)
		return false, nil
	}
	if err := encoding.DefaultMarshaler.Unmarshal(it.data, target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for _, k := range keys {
		if c.lru.TryRemove(k) {
			removed = true
		}
	}
	return removed, nil
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Clear()
	return nil
}

func init() {
	fabric.RegisterL2CacheFactory(fabric.InMemory, NewInMemoryCache)
}
