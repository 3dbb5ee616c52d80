package cache

import (
	"time"

	"github.com/synqronlabs/mailverdict/log"
)

// Codec converts cache values to and from bytes.
type Codec[T any] interface {
	Encode(val *T) ([]byte, error)
	Decode(b []byte) (*T, error)
}

// EncodedCache adapts a byte store such as RedisCache to typed values.
type EncodedCache[T any] struct {
	backend ExpiringCache[[]byte]
	codec   Codec[T]
}

func NewEncodedCache[T any](backend ExpiringCache[[]byte], codec Codec[T]) *EncodedCache[T] {
	return &EncodedCache[T]{backend: backend, codec: codec}
}

func (e *EncodedCache[T]) Put(key string, val *T, expiration time.Duration) {
	if val == nil {
		return
	}

	b, err := e.codec.Encode(val)
	if err != nil {
		log.PrefixedLog("cache").Warnf("can't encode %s: %v", log.EscapeInput(key), err)

		return
	}

	e.backend.Put(key, &b, expiration)
}

func (e *EncodedCache[T]) Get(key string) (*T, time.Duration) {
	b, ttl := e.backend.Get(key)
	if b == nil {
		return nil, 0
	}

	val, err := e.codec.Decode(*b)
	if err != nil {
		log.PrefixedLog("cache").Warnf("can't decode %s: %v", log.EscapeInput(key), err)

		return nil, 0
	}

	return val, ttl
}

func (e *EncodedCache[T]) TotalCount() int {
	return e.backend.TotalCount()
}

func (e *EncodedCache[T]) Clear() {
	e.backend.Clear()
}
