package spf

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailverdict/dns"
)

func TestEvaluate(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com.":           {"v=spf1 ip4:192.0.2.0/24 include:_spf.example.net -all"},
			"_spf.example.net.":      {"v=spf1 ip4:198.51.100.0/24 -all"},
			"soft.example.":          {"v=spf1 ~include:_spf.example.net -all"},
			"missing-inc.example.":   {"v=spf1 include:nothing.example -all"},
			"nothing.example.":       {"some unrelated record"},
			"temp-inc.example.":      {"v=spf1 include:broken.example -all"},
			"redirect.example.":      {"v=spf1 redirect=_spf.example.net"},
			"redirect-none.example.": {"v=spf1 redirect=nothing.example"},
			"neutral.example.":       {"v=spf1 ip4:192.0.2.1"},
			"norecord.example.":      {"MS=ms12345"},
			"multi.example.":         {"v=spf1 -all", "v=spf1 +all"},
			"syntax.example.":        {"v=spf1 ip4:999.0.0.1 -all"},
			"mx.example.":            {"v=spf1 mx -all"},
			"a.example.":             {"v=spf1 a/24 -all"},
			"ptr.example.":           {"v=spf1 ptr -all"},
			"exists.example.":        {"v=spf1 exists:%{ir}.bl.example -all"},
			"v6.example.":            {"v=spf1 ip6:2001:db8::/32 -all"},
			"void.example.":          {"v=spf1 a:n1.example a:n2.example a:n3.example -all"},
			"nullmx.example.":        {"v=spf1 mx ?all"},
			"passinc.example.":       {"v=spf1 -include:plusall.example ~all"},
			"plusall.example.":       {"v=spf1 +all"},
		},
		A: map[string][]string{
			"mail.mx.example.":       {"192.0.2.25"},
			"a.example.":             {"192.0.2.1"},
			"mail.ptr.example.":      {"192.0.2.10"},
			"10.2.0.192.bl.example.": {"127.0.0.2"},
		},
		MX: map[string][]*net.MX{
			"mx.example.":     {{Host: "mail.mx.example.", Pref: 10}},
			"nullmx.example.": {{Host: ".", Pref: 0}},
		},
		PTR: map[string][]string{
			"192.0.2.10": {"mail.ptr.example."},
		},
		Fail: []string{"txt broken.example.", "txt servfail.example."},
	}

	tests := []struct {
		name      string
		domain    string
		ip        string
		status    Status
		mechanism string
		err       error
		lookups   int
		depth     int
	}{
		{name: "ip4 pass", domain: "example.com", ip: "192.0.2.5", status: StatusPass, mechanism: "ip4:192.0.2.0/24", lookups: 0},
		{name: "include pass", domain: "example.com", ip: "198.51.100.7", status: StatusPass, mechanism: "include:_spf.example.net", lookups: 1, depth: 1},
		{name: "include fail is discarded", domain: "example.com", ip: "203.0.113.1", status: StatusFail, mechanism: "-all", lookups: 1, depth: 1},
		{name: "include qualifier applies", domain: "soft.example", ip: "198.51.100.7", status: StatusSoftfail, mechanism: "~include:_spf.example.net", lookups: 1, depth: 1},
		{name: "include pass with fail qualifier", domain: "passinc.example", ip: "203.0.113.1", status: StatusFail, mechanism: "-include:plusall.example", lookups: 1, depth: 1},
		{name: "include without record", domain: "missing-inc.example", ip: "192.0.2.1", status: StatusPermerror, err: ErrNoRecord, lookups: 1},
		{name: "include temperror", domain: "temp-inc.example", ip: "192.0.2.1", status: StatusTemperror, err: ErrDNS, lookups: 1},
		{name: "redirect", domain: "redirect.example", ip: "198.51.100.1", status: StatusPass, mechanism: "ip4:198.51.100.0/24", lookups: 1},
		{name: "redirect without record", domain: "redirect-none.example", ip: "192.0.2.1", status: StatusPermerror, err: ErrNoRecord, lookups: 1},
		{name: "default neutral", domain: "neutral.example", ip: "192.0.2.2", status: StatusNeutral, mechanism: "default"},
		{name: "nxdomain", domain: "nx.example", ip: "192.0.2.2", status: StatusNone, err: ErrNoRecord},
		{name: "no spf record", domain: "norecord.example", ip: "192.0.2.2", status: StatusNone, err: ErrNoRecord},
		{name: "multiple records", domain: "multi.example", ip: "192.0.2.2", status: StatusPermerror, err: ErrMultipleRecords},
		{name: "syntax error", domain: "syntax.example", ip: "192.0.2.2", status: StatusPermerror, err: ErrInvalidIP},
		{name: "servfail", domain: "servfail.example", ip: "192.0.2.2", status: StatusTemperror, err: ErrDNS},
		{name: "mx pass", domain: "mx.example", ip: "192.0.2.25", status: StatusPass, mechanism: "mx", lookups: 1},
		{name: "null mx never matches", domain: "nullmx.example", ip: "192.0.2.25", status: StatusNeutral, mechanism: "?all", lookups: 1},
		{name: "a with cidr", domain: "a.example", ip: "192.0.2.200", status: StatusPass, mechanism: "a/24", lookups: 1},
		{name: "a outside cidr", domain: "a.example", ip: "192.0.3.1", status: StatusFail, mechanism: "-all", lookups: 1},
		{name: "ptr validated", domain: "ptr.example", ip: "192.0.2.10", status: StatusPass, mechanism: "ptr", lookups: 1},
		{name: "ptr unknown client", domain: "ptr.example", ip: "192.0.2.11", status: StatusFail, mechanism: "-all", lookups: 1},
		{name: "exists with macro", domain: "exists.example", ip: "192.0.2.10", status: StatusPass, mechanism: "exists:%{ir}.bl.example", lookups: 1},
		{name: "ip6 pass", domain: "v6.example", ip: "2001:db8::25", status: StatusPass, mechanism: "ip6:2001:db8::/32"},
		{name: "ip4 client against ip6", domain: "v6.example", ip: "192.0.2.25", status: StatusFail, mechanism: "-all"},
		{name: "void lookup limit", domain: "void.example", ip: "203.0.113.5", status: StatusPermerror, err: ErrTooManyVoidLookups, lookups: 3},
	}

	ev := NewEvaluator(resolver)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ev.Evaluate(context.Background(), Args{Domain: tt.domain, IP: net.ParseIP(tt.ip), Sender: "user"})

			assert.Equal(t, tt.status, res.Status, "reason: %v", res.Err)

			if tt.mechanism != "" {
				assert.Equal(t, tt.mechanism, res.Mechanism)
			}

			if tt.err != nil {
				assert.ErrorIs(t, res.Err, tt.err)
			} else {
				assert.NoError(t, res.Err)
			}

			assert.Equal(t, tt.lookups, res.Lookups)
			assert.Equal(t, tt.depth, res.Depth)
			assert.LessOrEqual(t, res.Lookups, DefaultMaxLookups)
			assert.LessOrEqual(t, res.Depth, DefaultMaxDepth)
		})
	}
}

func TestEvaluateDomainNotFound(t *testing.T) {
	res := NewEvaluator(dns.MockResolver{}).Evaluate(context.Background(), Args{Domain: "nx.example", IP: net.ParseIP("192.0.2.1")})

	assert.Equal(t, StatusNone, res.Status)
	assert.True(t, res.DomainNotFound)
}

func TestEvaluateIncludeCycle(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"a.example.":    {"v=spf1 include:b.example -all"},
			"b.example.":    {"v=spf1 include:c.example -all"},
			"c.example.":    {"v=spf1 include:a.example -all"},
			"self.example.": {"v=spf1 include:self.example ~all"},
			"r1.example.":   {"v=spf1 redirect=r2.example"},
			"r2.example.":   {"v=spf1 redirect=r1.example"},
		},
	}

	ev := NewEvaluator(resolver)

	for _, domain := range []string{"a.example", "self.example", "r1.example"} {
		t.Run(domain, func(t *testing.T) {
			res := ev.Evaluate(context.Background(), Args{Domain: domain, IP: net.ParseIP("192.0.2.1")})

			assert.Equal(t, StatusPermerror, res.Status)
			assert.ErrorIs(t, res.Err, ErrLoop)
			assert.LessOrEqual(t, res.Lookups, DefaultMaxLookups)
		})
	}
}

func TestEvaluateSiblingIncludesAreNotLoops(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com.":    {"v=spf1 include:one.example include:two.example -all"},
			"one.example.":    {"v=spf1 include:shared.example -all"},
			"two.example.":    {"v=spf1 include:shared.example -all"},
			"shared.example.": {"v=spf1 ip4:198.51.100.1 -all"},
		},
	}

	res := NewEvaluator(resolver).Evaluate(context.Background(), Args{Domain: "example.com", IP: net.ParseIP("203.0.113.1")})

	assert.Equal(t, StatusFail, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 4, res.Lookups)
	assert.Equal(t, 2, res.Depth)
}

func TestEvaluateLookupLimit(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{},
		A:   map[string][]string{},
	}

	record := "v=spf1"
	for i := 1; i <= 11; i++ {
		host := fmt.Sprintf("h%d.example", i)
		record += " a:" + host
		resolver.A[host+"."] = []string{"192.0.2.1"}
	}

	resolver.TXT["many.example."] = []string{record + " -all"}

	res := NewEvaluator(resolver).Evaluate(context.Background(), Args{Domain: "many.example", IP: net.ParseIP("203.0.113.9")})

	assert.Equal(t, StatusPermerror, res.Status)
	assert.ErrorIs(t, res.Err, ErrTooManyDNSRequests)
	assert.Equal(t, "a:h11.example", res.Mechanism)
	assert.Equal(t, DefaultMaxLookups, res.Lookups)
}

func TestEvaluateDepthLimit(t *testing.T) {
	resolver := dns.MockResolver{TXT: map[string][]string{}}

	for i := 0; i < 6; i++ {
		resolver.TXT[fmt.Sprintf("d%d.example.", i)] = []string{fmt.Sprintf("v=spf1 include:d%d.example -all", i+1)}
	}

	ev := NewEvaluator(resolver)
	ev.MaxDepth = 3

	res := ev.Evaluate(context.Background(), Args{Domain: "d0.example", IP: net.ParseIP("192.0.2.1")})

	assert.Equal(t, StatusPermerror, res.Status)
	assert.ErrorIs(t, res.Err, ErrTooDeep)
	assert.Equal(t, 3, res.Depth)
}

func TestEvaluatePosture(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"strict.example.":        {"v=spf1 include:_spf.provider.example mx -all"},
			"soft.example.":          {"v=spf1 include:_spf.provider.example ~all"},
			"open.example.":          {"v=spf1 +all"},
			"_spf.provider.example.": {"v=spf1 ip4:198.51.100.0/24 ~all"},
			"redirected.example.":    {"v=spf1 redirect=strict.example"},
		},
	}

	tests := []struct {
		domain  string
		posture Posture
	}{
		{"strict.example", PostureStrict},
		{"soft.example", PostureSoft},
		{"open.example", PosturePermissive},
		{"redirected.example", PostureStrict},
		{"missing.example", PostureUnknown},
	}

	ev := NewEvaluator(resolver)

	for _, tt := range tests {
		res := ev.Evaluate(context.Background(), Args{Domain: tt.domain})
		assert.Equal(t, tt.posture, res.Posture(), tt.domain)
	}
}

func TestZeroValueEvaluatorConcurrentUse(t *testing.T) {
	ev := &Evaluator{
		Resolver: dns.MockResolver{
			TXT: map[string][]string{"example.com.": {"v=spf1 ip4:192.0.2.0/24 -all"}},
		},
		MaxLookups:     DefaultMaxLookups,
		MaxDepth:       DefaultMaxDepth,
		MaxVoidLookups: DefaultMaxVoidLookups,
	}

	var wg sync.WaitGroup

	results := make([]Result, 8)

	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i] = ev.Evaluate(context.Background(), Args{Domain: "example.com", IP: net.ParseIP("192.0.2.7")})
		}(i)
	}

	wg.Wait()

	for _, res := range results {
		assert.Equal(t, StatusPass, res.Status)
	}

	assert.Nil(t, ev.log)
}

func TestEvaluateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewEvaluator(dns.MockResolver{}).Evaluate(ctx, Args{Domain: "example.com", IP: net.ParseIP("192.0.2.1")})

	require.Equal(t, StatusTemperror, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}
