package dns

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailverdict/cache"
)

type countingResolver struct {
	Resolver
	calls atomic.Int32
}

func (c *countingResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	c.calls.Add(1)

	return c.Resolver.LookupTXT(ctx, name)
}

func (c *countingResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	c.calls.Add(1)

	return c.Resolver.LookupMX(ctx, name)
}

func testBackend() MockResolver {
	return MockResolver{
		TXT: map[string][]string{"example.com.": {"v=spf1 -all"}},
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx1.example.com.", Pref: 10}, {Host: "mx2.example.com.", Pref: 20}},
		},
		Fail: []string{"txt broken.example."},
	}
}

func TestCachingResolver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := &countingResolver{Resolver: testBackend()}
	r := NewCachingResolver(next, cache.NewCache[Entry](ctx, cache.Options{}), time.Minute, time.Minute)

	t.Run("answers are cached per type and name", func(t *testing.T) {
		next.calls.Store(0)

		for i := 0; i < 3; i++ {
			res, err := r.LookupTXT(ctx, "Example.COM.")
			require.NoError(t, err)
			assert.Equal(t, []string{"v=spf1 -all"}, res.Records)
		}

		mx, err := r.LookupMX(ctx, "example.com")
		require.NoError(t, err)
		require.Len(t, mx.Records, 2)
		assert.Equal(t, uint16(20), mx.Records[1].Pref)

		assert.Equal(t, int32(2), next.calls.Load())
	})

	t.Run("nxdomain is cached", func(t *testing.T) {
		next.calls.Store(0)

		for i := 0; i < 2; i++ {
			_, err := r.LookupTXT(ctx, "missing.example.")
			assert.True(t, IsNotFound(err))
		}

		assert.Equal(t, int32(1), next.calls.Load())
	})

	t.Run("transient errors are not cached", func(t *testing.T) {
		next.calls.Store(0)

		for i := 0; i < 2; i++ {
			_, err := r.LookupTXT(ctx, "broken.example")
			assert.True(t, IsServFail(err))
		}

		assert.Equal(t, int32(2), next.calls.Load())
	})
}

type blockingResolver struct {
	Resolver
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}

	select {
	case <-b.release:
		return b.Resolver.LookupTXT(ctx, name)
	case <-ctx.Done():
		return Result[string]{}, ctx.Err()
	}
}

func TestCachingResolverSharedLookupSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := &blockingResolver{
		Resolver: testBackend(),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	r := NewCachingResolver(next, cache.NewCache[Entry](ctx, cache.Options{}), time.Minute, time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)

	go func() {
		_, err := r.LookupTXT(firstCtx, "example.com")
		firstErr <- err
	}()

	<-next.started

	type answer struct {
		res Result[string]
		err error
	}

	second := make(chan answer, 1)

	go func() {
		res, err := r.LookupTXT(context.Background(), "example.com")
		second <- answer{res, err}
	}()

	// let the second caller join the in-flight query
	time.Sleep(50 * time.Millisecond)

	cancelFirst()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	select {
	case a := <-second:
		t.Fatalf("second caller returned before the query finished: %v", a.err)
	default:
	}

	close(next.release)

	select {
	case a := <-second:
		require.NoError(t, a.err)
		assert.Equal(t, []string{"v=spf1 -all"}, a.res.Records)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}

	assert.Equal(t, int32(1), next.calls.Load())

	res, err := r.LookupTXT(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 -all"}, res.Records)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestCachingResolverFetchTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := &blockingResolver{
		Resolver: testBackend(),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	r := NewCachingResolver(next, cache.NewCache[Entry](ctx, cache.Options{}), time.Minute, time.Minute)
	defer close(next.release)

	r.FetchTimeout = 20 * time.Millisecond

	_, err := r.LookupTXT(ctx, "example.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	deadline, cancelDeadline := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelDeadline()

	r.FetchTimeout = time.Minute

	_, err = r.LookupTXT(deadline, "example.com")
	assert.True(t, IsTemporary(err))
	assert.ErrorIs(t, err, ErrDNSTimeout)
}

func TestCachingResolverWithRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	rdb, err := cache.NewRedisClient(context.Background(), &cache.RedisConfig{Address: srv.Addr(), ConnectionAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.NewEncodedCache[Entry](cache.NewRedisCache(rdb, "dns"), EntryCodec{})
	next := &countingResolver{Resolver: testBackend()}
	r := NewCachingResolver(next, store, time.Minute, time.Minute)

	for i := 0; i < 2; i++ {
		mx, err := r.LookupMX(context.Background(), "example.com")
		require.NoError(t, err)
		require.Len(t, mx.Records, 2)
		assert.Equal(t, "mx2.example.com.", mx.Records[1].Host)
		assert.Equal(t, uint16(20), mx.Records[1].Pref)
	}

	assert.Equal(t, int32(1), next.calls.Load())
	assert.True(t, srv.Exists("dns:mx:example.com"))
}

func TestEntryCodec(t *testing.T) {
	in := &Entry{Records: []string{"mx.example.com."}, Prefs: []uint16{5}, Authentic: true}

	b, err := EntryCodec{}.Encode(in)
	require.NoError(t, err)

	out, err := EntryCodec{}.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = EntryCodec{}.Decode([]byte{0xc1})
	assert.Error(t, err)
}
