package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synqronlabs/mailverdict/evt"
	"github.com/synqronlabs/mailverdict/log"
)

func registerEventListeners() {
	registerAnalysisEventListeners()
	registerDNSEventListeners()
	registerWhoisEventListeners()
	registerCachingEventListeners()
}

func registerAnalysisEventListeners() {
	analyses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailverdict_analyses_total",
		Help: "Number of analyses by mode and verdict level",
	}, []string{"mode", "level"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailverdict_analysis_duration_seconds",
		Help:    "Duration of one analysis",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"mode"})

	RegisterMetric(analyses)
	RegisterMetric(duration)

	subscribe(evt.AnalysisCompleted, func(mode, level string, d time.Duration) {
		analyses.WithLabelValues(mode, level).Inc()
		duration.WithLabelValues(mode).Observe(d.Seconds())
	})
}

func registerDNSEventListeners() {
	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailverdict_dns_queries_total",
		Help: "Number of exchanges with upstream nameservers",
	}, []string{"type", "rcode"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailverdict_dns_retries_total",
		Help: "Number of retried DNS queries",
	}, []string{"type"})

	RegisterMetric(queries)
	RegisterMetric(retries)

	subscribe(evt.DNSQuery, func(qtype, rcode string) {
		queries.WithLabelValues(qtype, rcode).Inc()
	})

	subscribe(evt.DNSRetry, func(qtype string) {
		retries.WithLabelValues(qtype).Inc()
	})
}

func registerWhoisEventListeners() {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailverdict_whois_lookups_total",
		Help: "Number of WHOIS lookups by outcome",
	}, []string{"outcome"})

	RegisterMetric(lookups)

	subscribe(evt.WhoisLookup, func(outcome string) {
		lookups.WithLabelValues(outcome).Inc()
	})
}

func registerCachingEventListeners() {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailverdict_cache_hits_total",
		Help: "Cache hit counter",
	}, []string{"cache"})

	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailverdict_cache_misses_total",
		Help: "Cache miss counter",
	}, []string{"cache"})

	RegisterMetric(hits)
	RegisterMetric(misses)

	subscribe(evt.CachingResultCacheHit, func(name string) {
		hits.WithLabelValues(name).Inc()
	})

	subscribe(evt.CachingResultCacheMiss, func(name string) {
		misses.WithLabelValues(name).Inc()
	})
}

func subscribe(topic string, fn interface{}) {
	if err := evt.Bus().Subscribe(topic, fn); err != nil {
		log.PrefixedLog("metrics").Error(fmt.Sprintf("can't subscribe topic '%s': ", topic), err)
	}
}
