package dmarc

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// ParseRecord parses DMARC TXT data. The boolean reports whether the text
// starts with the v=DMARC1 tag, so unrelated TXT records can be skipped
// while malformed DMARC records are reported.
//
// Tag names and keyword values are case-insensitive; unknown tags are
// ignored. p= is required unless rua= is present, in which case a missing
// or invalid p= reads as none (RFC 7489 section 6.6.3).
func ParseRecord(txt string) (*Record, bool, error) {
	parts := strings.Split(txt, ";")

	tag, value, _ := strings.Cut(parts[0], "=")
	if !strings.EqualFold(strings.TrimSpace(tag), "v") || strings.TrimSpace(value) != "DMARC1" {
		return nil, false, fmt.Errorf("%w: not a DMARC1 record", ErrSyntax)
	}

	r := DefaultRecord
	seen := map[string]bool{}

	var policy, subPolicy string

	for _, part := range parts[1:] {
		part = strings.Trim(part, " \t")
		if part == "" {
			continue
		}

		tag, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, true, fmt.Errorf("%w: %q is not a tag", ErrSyntax, part)
		}

		tag = strings.ToLower(strings.Trim(tag, " \t"))
		value = strings.Trim(value, " \t")

		if seen[tag] {
			return nil, true, fmt.Errorf("%w: duplicate tag %q", ErrSyntax, tag)
		}

		seen[tag] = true

		var err error

		switch tag {
		case "p":
			policy = strings.ToLower(value)
		case "sp":
			subPolicy = strings.ToLower(value)
		case "adkim":
			r.ADKIM, err = parseAlign(value)
		case "aspf":
			r.ASPF, err = parseAlign(value)
		case "pct":
			r.Percentage, err = parseNumber(value, 100)
		case "ri":
			r.ReportInterval, err = parseNumber(value, -1)
		case "rua":
			r.AggregateReportAddresses, err = parseURIs(value)
		case "ruf":
			r.FailureReportAddresses, err = parseURIs(value)
		case "fo":
			r.FailureOptions, err = parseFailureOptions(value)
		case "rf":
			r.ReportFormat = splitList(value, ":")
		}

		if err != nil {
			return nil, true, fmt.Errorf("%w: %s=: %v", ErrSyntax, tag, err)
		}
	}

	r.Policy = Policy(policy)
	r.SubdomainPolicy = Policy(subPolicy)

	if !r.Policy.valid() || (subPolicy != "" && !r.SubdomainPolicy.valid()) {
		if len(r.AggregateReportAddresses) == 0 {
			return nil, true, fmt.Errorf("%w: invalid or missing p= %q sp= %q", ErrSyntax, policy, subPolicy)
		}

		r.Policy = PolicyNone
		r.SubdomainPolicy = PolicyEmpty
	}

	return &r, true, nil
}

func parseAlign(s string) (Align, error) {
	switch a := Align(strings.ToLower(s)); a {
	case AlignRelaxed, AlignStrict:
		return a, nil
	default:
		return "", fmt.Errorf("alignment %q", s)
	}
}

// parseNumber parses a non-negative decimal, bounded by max when max is
// not negative.
func parseNumber(s string, max int) (int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("number %q", s)
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}

	if max >= 0 && n > max {
		return 0, fmt.Errorf("%d out of range", n)
	}

	return n, nil
}

func parseURIs(s string) ([]URI, error) {
	var uris []URI

	for _, item := range splitList(s, ",") {
		addr, size, hasSize := strings.Cut(item, "!")

		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}

		if u.Scheme == "" {
			return nil, fmt.Errorf("uri %q without scheme", addr)
		}

		uri := URI{Address: addr}

		if hasSize {
			if n := len(size); n > 0 && strings.ContainsAny(size[n-1:], "kKmMgGtT") {
				uri.Unit = strings.ToLower(size[n-1:])
				size = size[:n-1]
			}

			if uri.MaxSize, err = strconv.ParseUint(size, 10, 64); err != nil {
				return nil, fmt.Errorf("uri size %q", size)
			}
		}

		uris = append(uris, uri)
	}

	if len(uris) == 0 {
		return nil, fmt.Errorf("empty uri list")
	}

	return uris, nil
}

func parseFailureOptions(s string) ([]string, error) {
	opts := splitList(strings.ToLower(s), ":")

	for _, o := range opts {
		if !slices.Contains([]string{"0", "1", "d", "s"}, o) {
			return nil, fmt.Errorf("option %q", o)
		}
	}

	return opts, nil
}

func splitList(s, sep string) []string {
	var out []string

	for _, item := range strings.Split(s, sep) {
		if item = strings.Trim(item, " \t"); item != "" {
			out = append(out, item)
		}
	}

	return out
}
