package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
//
// A name that has records of some other type answers NODATA (an empty
// result); a name unknown to every map answers NXDOMAIN.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string

	// Timeout contains records that will time out, in the same format as Fail.
	Timeout []string

	// AllAuthentic sets the value of Authentic in responses.
	AllAuthentic bool
}

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt", "a", "aaaa", "mx", "ptr"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

func (r MockResolver) check(ctx context.Context, reqs ...mockReq) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, mr := range reqs {
		if slices.Contains(r.Fail, mr.String()) {
			return ErrDNSServFail
		}

		if slices.Contains(r.Timeout, mr.String()) {
			return ErrDNSTimeout
		}
	}

	return nil
}

func (r MockResolver) exists(fqdn string) bool {
	_, txt := r.TXT[fqdn]
	_, a := r.A[fqdn]
	_, aaaa := r.AAAA[fqdn]
	_, mx := r.MX[fqdn]

	return txt || a || aaaa || mx
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureAbsolute(name)
	if err := r.check(ctx, mockReq{"txt", fqdn}); err != nil {
		return Result[string]{}, err
	}

	if !r.exists(fqdn) {
		return Result[string]{}, ErrDNSNotFound
	}

	return Result[string]{Records: r.TXT[fqdn], Authentic: r.AllAuthentic}, nil
}

// LookupIP returns A and AAAA records for the given domain.
func (r MockResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	fqdn := ensureAbsolute(host)
	if err := r.check(ctx, mockReq{"a", fqdn}, mockReq{"aaaa", fqdn}); err != nil {
		return Result[net.IP]{}, err
	}

	if !r.exists(fqdn) {
		return Result[net.IP]{}, ErrDNSNotFound
	}

	var ips []net.IP
	for _, ip := range r.A[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}

	for _, ip := range r.AAAA[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}

	return Result[net.IP]{Records: ips, Authentic: r.AllAuthentic}, nil
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	fqdn := ensureAbsolute(name)
	if err := r.check(ctx, mockReq{"mx", fqdn}); err != nil {
		return Result[*net.MX]{}, err
	}

	if !r.exists(fqdn) {
		return Result[*net.MX]{}, ErrDNSNotFound
	}

	return Result[*net.MX]{Records: r.MX[fqdn], Authentic: r.AllAuthentic}, nil
}

// LookupAddr performs a reverse DNS lookup. PTR is keyed by the IP string.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	ipStr := ip.String()
	if err := r.check(ctx, mockReq{"ptr", ipStr}); err != nil {
		return Result[string]{}, err
	}

	records, ok := r.PTR[ipStr]
	if !ok {
		return Result[string]{}, ErrDNSNotFound
	}

	return Result[string]{Records: records, Authentic: r.AllAuthentic}, nil
}
