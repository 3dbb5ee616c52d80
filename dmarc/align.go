package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(domain), ".")
}

// OrganizationalDomain returns the domain directly below the public suffix.
// Both the ICANN and the private sections of the Public Suffix List apply,
// so every site under a private suffix such as github.io is its own
// organizational domain. Names the list cannot place, such as "localhost",
// are returned unchanged.
func OrganizationalDomain(domain string) string {
	domain = normalize(domain)
	if domain == "" {
		return ""
	}

	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}

	return org
}

// Aligned reports whether the authenticated domain aligns with the From
// domain: identical in strict mode, sharing the organizational domain in
// relaxed mode.
func Aligned(authenticated, from string, mode Align) bool {
	a, f := normalize(authenticated), normalize(from)
	if a == "" || f == "" {
		return false
	}

	if mode == AlignStrict {
		return a == f
	}

	return OrganizationalDomain(a) == OrganizationalDomain(f)
}

// IsSubdomain reports whether domain is parent or below it.
func IsSubdomain(domain, parent string) bool {
	d, p := normalize(domain), normalize(parent)

	return d == p || strings.HasSuffix(d, "."+p)
}
