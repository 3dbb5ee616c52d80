package cache

import "time"

// ExpiringCache is a key/value store whose entries expire after a TTL.
// Implementations are safe for concurrent use.
type ExpiringCache[T any] interface {
	// Put adds the value to the cache under the passed key with expiration. If expiration <= 0, entry will NOT be cached
	Put(key string, val *T, expiration time.Duration)

	// Get returns the value of cached entry with remaining TTL. If entry is not cached, returns nil
	Get(key string) (val *T, expiration time.Duration)

	// TotalCount returns the total count of elements held by the cache
	TotalCount() int

	// Clear removes all cache entries
	Clear()
}
