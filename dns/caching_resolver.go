package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synqronlabs/mailverdict/cache"
	"github.com/synqronlabs/mailverdict/evt"
)

// CachingResolver answers repeated lookups from an expiring cache keyed by
// record type and name. Successful answers (including NODATA) are kept for
// ttl and NXDOMAIN for negativeTTL; transient errors are never cached.
// Concurrent identical lookups share one upstream query. The shared query
// is detached from the callers' cancellation and bounded by FetchTimeout;
// each caller stops waiting when its own context is done.
type CachingResolver struct {
	// FetchTimeout bounds a shared upstream query. Zero means
	// DefaultFetchTimeout.
	FetchTimeout time.Duration

	next        Resolver
	cache       cache.ExpiringCache[Entry]
	ttl         time.Duration
	negativeTTL time.Duration
	group       singleflight.Group
}

// DefaultFetchTimeout bounds shared upstream queries when FetchTimeout is
// not set.
const DefaultFetchTimeout = 30 * time.Second

var _ Resolver = (*CachingResolver)(nil)

func NewCachingResolver(next Resolver, store cache.ExpiringCache[Entry], ttl, negativeTTL time.Duration) *CachingResolver {
	return &CachingResolver{
		next:        next,
		cache:       store,
		ttl:         ttl,
		negativeTTL: negativeTTL,
	}
}

func cacheKey(qtype, name string) string {
	return qtype + ":" + strings.ToLower(strings.TrimSuffix(name, "."))
}

func (c *CachingResolver) lookup(ctx context.Context, key string, fetch func(ctx context.Context) (Entry, error)) (Entry, error) {
	if e, _ := c.cache.Get(key); e != nil {
		evt.Bus().Publish(evt.CachingResultCacheHit, "dns")

		if e.NotFound {
			return *e, ErrDNSNotFound
		}

		return *e, nil
	}

	evt.Bus().Publish(evt.CachingResultCacheMiss, "dns")

	ch := c.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
		defer cancel()

		e, err := fetch(fctx)

		switch {
		case err == nil:
			c.cache.Put(key, &e, c.ttl)
		case IsNotFound(err):
			e = Entry{NotFound: true}
			c.cache.Put(key, &e, c.negativeTTL)
		}

		return e, err
	})

	select {
	case res := <-ch:
		return res.Val.(Entry), res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Entry{}, fmt.Errorf("%w: %s", ErrDNSTimeout, key)
		}

		return Entry{}, ctx.Err()
	}
}

func (c *CachingResolver) fetchTimeout() time.Duration {
	if c.FetchTimeout > 0 {
		return c.FetchTimeout
	}

	return DefaultFetchTimeout
}

func (c *CachingResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	e, err := c.lookup(ctx, cacheKey("txt", name), func(ctx context.Context) (Entry, error) {
		res, err := c.next.LookupTXT(ctx, name)

		return Entry{Records: res.Records, Authentic: res.Authentic}, err
	})
	if err != nil {
		return Result[string]{}, err
	}

	return Result[string]{Records: e.Records, Authentic: e.Authentic}, nil
}

func (c *CachingResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	e, err := c.lookup(ctx, cacheKey("ip", host), func(ctx context.Context) (Entry, error) {
		res, err := c.next.LookupIP(ctx, host)

		records := make([]string, 0, len(res.Records))
		for _, ip := range res.Records {
			records = append(records, ip.String())
		}

		return Entry{Records: records, Authentic: res.Authentic}, err
	})
	if err != nil {
		return Result[net.IP]{}, err
	}

	ips := make([]net.IP, 0, len(e.Records))
	for _, s := range e.Records {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}

	return Result[net.IP]{Records: ips, Authentic: e.Authentic}, nil
}

func (c *CachingResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	e, err := c.lookup(ctx, cacheKey("mx", name), func(ctx context.Context) (Entry, error) {
		res, err := c.next.LookupMX(ctx, name)

		entry := Entry{Authentic: res.Authentic}
		for _, mx := range res.Records {
			entry.Records = append(entry.Records, mx.Host)
			entry.Prefs = append(entry.Prefs, mx.Pref)
		}

		return entry, err
	})
	if err != nil {
		return Result[*net.MX]{}, err
	}

	mxs := make([]*net.MX, 0, len(e.Records))
	for i, host := range e.Records {
		var pref uint16
		if i < len(e.Prefs) {
			pref = e.Prefs[i]
		}

		mxs = append(mxs, &net.MX{Host: host, Pref: pref})
	}

	return Result[*net.MX]{Records: mxs, Authentic: e.Authentic}, nil
}

func (c *CachingResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	e, err := c.lookup(ctx, cacheKey("ptr", ip.String()), func(ctx context.Context) (Entry, error) {
		res, err := c.next.LookupAddr(ctx, ip)

		return Entry{Records: res.Records, Authentic: res.Authentic}, err
	})
	if err != nil {
		return Result[string]{}, err
	}

	return Result[string]{Records: e.Records, Authentic: e.Authentic}, nil
}
