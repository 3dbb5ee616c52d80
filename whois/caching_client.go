package whois

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synqronlabs/mailverdict/cache"
	"github.com/synqronlabs/mailverdict/evt"
)

// CachingClient keeps WHOIS answers in an expiring cache. Found records
// live for ttl, not-registered and undated answers for negativeTTL;
// transport errors are not cached. Concurrent lookups of one domain share
// a query that outlives any single caller's cancellation, bounded by
// FetchTimeout.
type CachingClient struct {
	// FetchTimeout bounds a shared lookup. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration

	next        Client
	cache       cache.ExpiringCache[Entry]
	ttl         time.Duration
	negativeTTL time.Duration
	group       singleflight.Group
}

// DefaultFetchTimeout bounds shared lookups when FetchTimeout is not set.
const DefaultFetchTimeout = 30 * time.Second

var _ Client = (*CachingClient)(nil)

func NewCachingClient(next Client, store cache.ExpiringCache[Entry], ttl, negativeTTL time.Duration) *CachingClient {
	return &CachingClient{
		next:        next,
		cache:       store,
		ttl:         ttl,
		negativeTTL: negativeTTL,
	}
}

func (c *CachingClient) Lookup(ctx context.Context, domain string) (Record, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	key := "whois:" + domain

	if e, _ := c.cache.Get(key); e != nil {
		evt.Bus().Publish(evt.CachingResultCacheHit, "whois")

		return e.record(domain)
	}

	evt.Bus().Publish(evt.CachingResultCacheMiss, "whois")

	ch := c.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
		defer cancel()

		rec, err := c.next.Lookup(fctx, domain)

		e := Entry{
			Server:        rec.Server,
			Registrar:     rec.Registrar,
			NotRegistered: errors.Is(err, ErrNotRegistered),
			NoDate:        errors.Is(err, ErrNoCreationDate),
		}

		switch {
		case err == nil:
			e.Created = rec.Created.Unix()
			c.cache.Put(key, &e, c.ttl)
		case e.NotRegistered || e.NoDate:
			c.cache.Put(key, &e, c.negativeTTL)
		}

		return rec, err
	})

	select {
	case res := <-ch:
		return res.Val.(Record), res.Err
	case <-ctx.Done():
		return Record{Domain: domain}, ctx.Err()
	}
}

func (c *CachingClient) fetchTimeout() time.Duration {
	if c.FetchTimeout > 0 {
		return c.FetchTimeout
	}

	return DefaultFetchTimeout
}

func (e *Entry) record(domain string) (Record, error) {
	rec := Record{Domain: domain, Server: e.Server, Registrar: e.Registrar}

	switch {
	case e.NotRegistered:
		return rec, fmt.Errorf("%w: %s", ErrNotRegistered, domain)
	case e.NoDate:
		return rec, fmt.Errorf("%w: %s", ErrNoCreationDate, domain)
	}

	rec.Created = time.Unix(e.Created, 0).UTC()

	return rec, nil
}
