package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	srv := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), &RedisConfig{Address: srv.Addr(), ConnectionAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	return srv, NewRedisCache(rdb, "test")
}

func TestRedisCache(t *testing.T) {
	srv, c := newTestRedis(t)

	val, ttl := c.Get("missing")
	assert.Nil(t, val)
	assert.Zero(t, ttl)

	b := []byte("payload")
	c.Put("txt:example.com", &b, time.Minute)
	assert.True(t, srv.Exists("test:txt:example.com"))

	val, ttl = c.Get("txt:example.com")
	require.NotNil(t, val)
	assert.Equal(t, "payload", string(*val))
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, 1, c.TotalCount())

	srv.FastForward(2 * time.Minute)

	val, _ = c.Get("txt:example.com")
	assert.Nil(t, val)

	c.Put("a", &b, time.Minute)
	c.Put("b", &b, time.Minute)
	c.Clear()
	assert.Zero(t, c.TotalCount())
}

func TestNewRedisClientUnreachable(t *testing.T) {
	_, err := NewRedisClient(context.Background(), &RedisConfig{
		Address:            "127.0.0.1:1",
		ConnectionAttempts: 2,
		ConnectionCooldown: time.Millisecond,
	})
	assert.Error(t, err)
}

type upperCodec struct{}

func (upperCodec) Encode(val *string) ([]byte, error) {
	if *val == "" {
		return nil, errors.New("empty")
	}

	return []byte(strings.ToUpper(*val)), nil
}

func (upperCodec) Decode(b []byte) (*string, error) {
	s := strings.ToLower(string(b))

	return &s, nil
}

func TestEncodedCache(t *testing.T) {
	_, backend := newTestRedis(t)
	c := NewEncodedCache[string](backend, upperCodec{})

	v := "hello"
	c.Put("k", &v, time.Minute)

	got, ttl := c.Get("k")
	require.NotNil(t, got)
	assert.Equal(t, "hello", *got)
	assert.Greater(t, ttl, time.Duration(0))

	empty := ""
	c.Put("empty", &empty, time.Minute)
	got, _ = c.Get("empty")
	assert.Nil(t, got)
}
