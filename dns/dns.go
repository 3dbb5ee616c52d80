// Package dns provides the DNS lookups used by the SPF, DKIM, DMARC and
// reputation checks.
//
// All lookups go through the Resolver interface. DNSResolver talks to
// upstream nameservers with github.com/miekg/dns, StdResolver uses the
// system resolver, CachingResolver adds a TTL cache in front of either and
// MockResolver serves fixed records in tests.
//
// Errors are classified so callers can tell a missing domain (ErrDNSNotFound,
// NXDOMAIN) from a transient failure (IsTemporary). A name that exists but
// has no records of the requested type (NODATA) is not an error: the
// lookup returns an empty Result.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrDNSNotFound is returned for NXDOMAIN.
	ErrDNSNotFound = errors.New("dns: domain not found")
	// ErrDNSTimeout is returned when no nameserver answered in time.
	ErrDNSTimeout = errors.New("dns: timeout")
	// ErrDNSServFail is returned for SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")
	// ErrDNSRefused is returned for REFUSED.
	ErrDNSRefused = errors.New("dns: query refused")
	// ErrDNSBogus is returned for SERVFAIL from a validating resolver when DNSSEC is enabled.
	ErrDNSBogus = errors.New("dns: DNSSEC validation failed")

	ErrInvalidDomain = errors.New("dns: invalid domain name")
)

// Underscore labels such as _dmarc and _domainkey must survive normalization.
var idnaProfile = idna.New(idna.MapForLookup(), idna.BidiRule(), idna.StrictDomainName(false))

// Result holds the records of one lookup.
type Result[T any] struct {
	Records []T

	// Authentic is true when the upstream resolver set the AD bit and
	// DNSSEC was requested.
	Authentic bool
}

// Resolver is the DNS collaborator of every check.
type Resolver interface {
	// LookupTXT returns TXT records with multi-string records joined.
	LookupTXT(ctx context.Context, name string) (Result[string], error)

	// LookupIP returns A and AAAA records.
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)

	// LookupMX returns MX records.
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupAddr returns the PTR names for ip.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail) || errors.Is(err, ErrDNSBogus)
}

func IsRefused(err error) bool {
	return errors.Is(err, ErrDNSRefused)
}

// IsTemporary reports whether retrying the lookup later may succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err)
}

// Normalize converts a domain to its lower-case ASCII form without the
// trailing dot. Unicode labels are converted to A-labels.
func Normalize(domain string) (string, error) {
	d := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if d == "" {
		return "", ErrInvalidDomain
	}

	ascii, err := idnaProfile.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}

	ascii = strings.ToLower(ascii)
	if len(ascii) > 253 {
		return "", fmt.Errorf("%w: %q too long", ErrInvalidDomain, domain)
	}

	return ascii, nil
}

// ensureAbsolute ensures the domain name ends with a dot (FQDN format).
func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}

	return name
}
