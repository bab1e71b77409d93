package fabric

import (
	"context"
	"io"
	"time"
)

// L2Cache specifies the methods implemented for out of process caching,
// e.g. - Redis based. The resolution cache uses it as its optional second
// level so PSD snapshots can be shared across client processes.
// String key and struct values are the supported types.
type L2Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// First return bool var signifies success or false if either item was not found or an error occurred during Get.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx fetches in a TTL manner, that is, sliding time.
	// First return bool var signifies success or false if either item was not found or an error occurred during Get.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)

	// SetStruct upserts a given object with a key to it.
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// GetStruct fetches a given object given a key. First return bool var signifies success or false if
	// either item was not found or an error occurred during Get.
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)
	// Delete removes the object(s) given their keys.
	Delete(ctx context.Context, keys []string) (bool, error)
	// Ping is a utility function to check if connection is good.
	Ping(ctx context.Context) error
	// Clear out the backend cache database of all items.
	Clear(ctx context.Context) error
}

// CloseableL2Cache is an L2Cache that which, you can explicitly call its
// "Close" method after you are done with it.
type CloseableL2Cache interface {
	L2Cache
	io.Closer
}

// L2CacheType defines the type of L2 cache to use.
type L2CacheType int

const (
	// NoL2Cache represents no second level caching.
	NoL2Cache L2CacheType = iota
	// InMemory represents an in-memory L2 cache.
	InMemory
	// Redis represents a Redis L2 cache.
	Redis
)

// L2CacheFactory defines the function signature for creating an L2 cache client.
type L2CacheFactory func() L2Cache

var globalCacheFactory L2CacheFactory
var globalCacheFactoryType L2CacheType
var cacheRegistry = make(map[L2CacheType]L2CacheFactory)

// RegisterL2CacheFactory registers a cache factory for a given type.
func RegisterL2CacheFactory(t L2CacheType, f L2CacheFactory) {
	cacheRegistry[t] = f
}

// SetL2CacheFactory sets the global cache factory based on the provided type.
func SetL2CacheFactory(t L2CacheType) {
	if f, ok := cacheRegistry[t]; ok {
		globalCacheFactory = f
		globalCacheFactoryType = t
	}
}

// GetL2CacheFactoryType returns the currently registered cache factory type.
func GetL2CacheFactoryType() L2CacheType {
	return globalCacheFactoryType
}

// NewL2CacheClient creates a new cache client using the registered factory.
// It returns nil if no factory is registered.
func NewL2CacheClient() L2Cache {
	if globalCacheFactory == nil {
		return nil
	}
	return globalCacheFactory()
}
