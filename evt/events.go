package evt

import (
	"github.com/asaskevich/EventBus"
)

const (
	// AnalysisCompleted fires after a verdict was produced. Parameter: mode ("email" or "domain"), verdict level, duration
	AnalysisCompleted = "analysis:completed"

	// DNSQuery fires for every exchange with an upstream nameserver. Parameter: record type, rcode name
	DNSQuery = "dns:query"

	// DNSRetry fires if a transient DNS failure is retried. Parameter: record type
	DNSRetry = "dns:retry"

	// CachingResultCacheHit fires, if a lookup result was found in the cache. Parameter: cache name
	CachingResultCacheHit = "caching:cacheHit"

	// CachingResultCacheMiss fires, if a lookup result was not found in the cache. Parameter: cache name
	CachingResultCacheMiss = "caching:cacheMiss"

	// WhoisLookup fires after a WHOIS lookup. Parameter: outcome ("ok", "no_date", "error")
	WhoisLookup = "whois:lookup"
)

// nolint
var evtBus = EventBus.New()

func Bus() EventBus.Bus {
	return evtBus
}
