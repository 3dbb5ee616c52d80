package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultCleanUpInterval = 10 * time.Second
	defaultSize            = 10_000
)

type element[T any] struct {
	val            *T
	expiresEpochMs int64
}

// Options configures an ExpiringLRUCache. Zero values select the defaults.
type Options struct {
	CleanupInterval time.Duration
	MaxSize         uint
	OnEvict         func(key string)
}

// ExpiringLRUCache is a size bounded in-memory cache. Expired entries are
// not returned by Get and are removed by a background cleanup loop which
// runs until the context passed to NewCache is done.
type ExpiringLRUCache[T any] struct {
	cleanUpInterval time.Duration
	onEvict         func(key string)
	lru             *lru.Cache
}

func NewCache[T any](ctx context.Context, options Options) *ExpiringLRUCache[T] {
	size := defaultSize
	if options.MaxSize > 0 {
		size = int(options.MaxSize)
	}

	// lru.New only fails for a non-positive size
	l, _ := lru.New(size)

	c := &ExpiringLRUCache[T]{
		cleanUpInterval: defaultCleanUpInterval,
		onEvict:         options.OnEvict,
		lru:             l,
	}

	if options.CleanupInterval > 0 {
		c.cleanUpInterval = options.CleanupInterval
	}

	go periodicCleanup(ctx, c)

	return c
}

func periodicCleanup[T any](ctx context.Context, c *ExpiringLRUCache[T]) {
	ticker := time.NewTicker(c.cleanUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanUp()
		case <-ctx.Done():
			return
		}
	}
}

func (e *ExpiringLRUCache[T]) cleanUp() {
	var expiredKeys []string

	for _, k := range e.lru.Keys() {
		if v, ok := e.lru.Peek(k); ok {
			if isExpired(v.(*element[T])) {
				expiredKeys = append(expiredKeys, k.(string))
			}
		}
	}

	for _, key := range expiredKeys {
		e.lru.Remove(key)

		if e.onEvict != nil {
			e.onEvict(key)
		}
	}
}

func (e *ExpiringLRUCache[T]) Put(key string, val *T, ttl time.Duration) {
	if ttl <= 0 {
		// entry should be considered as already expired
		return
	}

	e.lru.Add(key, &element[T]{
		val:            val,
		expiresEpochMs: time.Now().UnixMilli() + ttl.Milliseconds(),
	})
}

func (e *ExpiringLRUCache[T]) Get(key string) (val *T, ttl time.Duration) {
	el, found := e.lru.Get(key)
	if !found {
		return nil, 0
	}

	elem := el.(*element[T])
	if isExpired(elem) {
		return nil, 0
	}

	return elem.val, calculateRemainTTL(elem.expiresEpochMs)
}

func isExpired[T any](el *element[T]) bool {
	return el.expiresEpochMs > 0 && time.Now().UnixMilli() > el.expiresEpochMs
}

func calculateRemainTTL(expiresEpoch int64) time.Duration {
	if now := time.Now().UnixMilli(); now < expiresEpoch {
		return time.Duration(expiresEpoch-now) * time.Millisecond
	}

	return 0
}

func (e *ExpiringLRUCache[T]) TotalCount() (count int) {
	return e.lru.Len()
}

func (e *ExpiringLRUCache[T]) Clear() {
	e.lru.Purge()
}
