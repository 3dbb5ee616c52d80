package cmd

import (
	"context"

	"github.com/synqronlabs/mailverdict/analyzer"
	"github.com/synqronlabs/mailverdict/cache"
	"github.com/synqronlabs/mailverdict/config"
	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/whois"
)

// buildAnalyzer is replaced in tests.
//
//nolint:gochecknoglobals
var buildAnalyzer = newAnalyzer

// newAnalyzer wires the resolver, the WHOIS client and their caches. The
// caches live until ctx is done.
func newAnalyzer(ctx context.Context, cfg *config.Config) (*analyzer.Analyzer, error) {
	var (
		resolver    dns.Resolver = dns.NewResolver(cfg.Resolver)
		whoisClient whois.Client = whois.Disabled{}
	)

	if !cfg.Whois.Disabled {
		whoisClient = whois.NewClient(cfg.Whois)
	}

	if cfg.Cache.IsEnabled() {
		dnsStore, whoisStore, err := newStores(ctx, &cfg.Cache)
		if err != nil {
			return nil, err
		}

		cachingResolver := dns.NewCachingResolver(resolver, dnsStore, cfg.Cache.TTL, cfg.Cache.NegativeTTL)
		cachingResolver.FetchTimeout = cfg.Analysis.Timeout
		resolver = cachingResolver

		if !cfg.Whois.Disabled {
			cachingClient := whois.NewCachingClient(whoisClient, whoisStore, cfg.Cache.WhoisTTL, cfg.Cache.NegativeTTL)
			cachingClient.FetchTimeout = cfg.Analysis.Timeout
			whoisClient = cachingClient
		}
	}

	a := analyzer.New(resolver, whoisClient)
	a.Timeout = cfg.Analysis.Timeout

	if len(cfg.Analysis.Selectors) > 0 {
		a.Selectors = cfg.Analysis.Selectors
	}

	return a, nil
}

// newStores returns redis backed stores when an address is configured,
// in-process LRU caches otherwise.
func newStores(ctx context.Context, cfg *config.Cache) (cache.ExpiringCache[dns.Entry], cache.ExpiringCache[whois.Entry], error) {
	if !cfg.Redis.IsEnabled() {
		opts := cache.Options{MaxSize: cfg.MaxItems}

		return cache.NewCache[dns.Entry](ctx, opts), cache.NewCache[whois.Entry](ctx, opts), nil
	}

	rdb, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	go func() {
		<-ctx.Done()

		if err := rdb.Close(); err != nil {
			log.PrefixedLog("cache").Warn("can't close redis connection: ", err)
		}
	}()

	return cache.NewEncodedCache[dns.Entry](cache.NewRedisCache(rdb, "dns"), dns.EntryCodec{}),
		cache.NewEncodedCache[whois.Entry](cache.NewRedisCache(rdb, "whois"), whois.EntryCodec{}),
		nil
}
