package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/evt"
	"github.com/synqronlabs/mailverdict/log"
)

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query (e.g., "8.8.8.8:53").
	// If empty, system resolvers from /etc/resolv.conf are used,
	// falling back to public DNS (8.8.8.8, 1.1.1.1).
	Nameservers []string `yaml:"nameservers"`

	// DNSSEC sets the DO bit and reports the upstream AD bit as Result.Authentic.
	// Requires DNSSEC-validating upstream resolvers.
	DNSSEC bool `yaml:"dnssec" default:"false"`

	// Timeout bounds a single exchange with one nameserver.
	Timeout time.Duration `yaml:"timeout" default:"5s"`

	// Attempts is the number of tries for timeouts and SERVFAIL.
	// NXDOMAIN and REFUSED are never retried.
	Attempts uint `yaml:"attempts" default:"3"`

	// Backoff is the initial delay between attempts; it doubles on every retry.
	Backoff time.Duration `yaml:"backoff" default:"100ms"`
}

func (c ResolverConfig) LogConfig(logger *logrus.Entry) {
	logger.Infof("nameservers = %s", strings.Join(c.Nameservers, ", "))
	logger.Infof("dnssec = %t", c.DNSSEC)
	logger.Infof("timeout = %s", c.Timeout)
	logger.Infof("attempts = %d, backoff = %s", c.Attempts, c.Backoff)
}

// DNSResolver implements the Resolver interface using github.com/miekg/dns.
type DNSResolver struct {
	config    ResolverConfig
	client    *mdns.Client
	tcpClient *mdns.Client
	log       *logrus.Entry
}

var _ Resolver = (*DNSResolver)(nil)

// NewResolver creates a new DNS resolver.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	if config.Attempts == 0 {
		config.Attempts = 3
	}

	if config.Backoff <= 0 {
		config.Backoff = 100 * time.Millisecond
	}

	if len(config.Nameservers) == 0 {
		config.Nameservers = getSystemNameservers()
	}

	return &DNSResolver{
		config:    config,
		client:    &mdns.Client{Net: "udp", Timeout: config.Timeout},
		tcpClient: &mdns.Client{Net: "tcp", Timeout: config.Timeout},
		log:       log.PrefixedLog("resolver"),
	}
}

// getSystemNameservers tries to get system DNS servers from resolv.conf.
func getSystemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, net.JoinHostPort(s, config.Port))
	}

	return servers
}

// query performs a DNS query, retrying transient failures with exponential backoff.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(name), qtype)
	m.RecursionDesired = true
	m.SetEdns0(4096, r.config.DNSSEC)

	typeName := mdns.TypeToString[qtype]

	var resp *mdns.Msg

	err := retry.Do(
		func() error {
			var err error
			resp, err = r.exchange(ctx, m, typeName)

			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.config.Attempts),
		retry.Delay(r.config.Backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTemporary),
		retry.OnRetry(func(n uint, err error) {
			evt.Bus().Publish(evt.DNSRetry, typeName)
			r.log.WithField("query", log.EscapeInput(name)).
				Debugf("retrying %s lookup (attempt %d/%d): %v", typeName, n+1, r.config.Attempts, err)
		}),
	)

	if err != nil && ctx.Err() != nil && !IsNotFound(err) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w: %s %s", ErrDNSTimeout, typeName, name)
		}

		return nil, false, ctx.Err()
	}

	authentic := err == nil && r.config.DNSSEC && resp.AuthenticatedData

	return resp, authentic, err
}

// exchange asks each nameserver in turn until one gives a usable answer.
func (r *DNSResolver) exchange(ctx context.Context, m *mdns.Msg, typeName string) (*mdns.Msg, error) {
	var lastErr error

	for _, server := range r.config.Nameservers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcpClient.ExchangeContext(ctx, m, server)
		}

		if err != nil {
			lastErr = transportError(err)

			continue
		}

		evt.Bus().Publish(evt.DNSQuery, typeName, mdns.RcodeToString[resp.Rcode])

		switch resp.Rcode {
		case mdns.RcodeSuccess:
			return resp, nil
		case mdns.RcodeNameError:
			return resp, ErrDNSNotFound
		case mdns.RcodeServerFailure:
			if r.config.DNSSEC {
				lastErr = ErrDNSBogus
			} else {
				lastErr = ErrDNSServFail
			}
		case mdns.RcodeRefused:
			lastErr = ErrDNSRefused
		default:
			lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
		}
	}

	if lastErr == nil {
		lastErr = ErrDNSServFail
	}

	return nil, lastErr
}

func transportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrDNSTimeout, err)
	}

	return fmt.Errorf("dns: exchange failed: %w", err)
}

// LookupTXT retrieves TXT records for the given domain.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return Result[string]{}, err
	}

	var records []string

	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			// character-strings of one record are concatenated (RFC 7208 3.3, RFC 6376 3.6.2.2)
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}

	return Result[string]{Records: records, Authentic: authentic}, nil
}

// LookupIP retrieves A and AAAA records for the given domain. An error of
// one family is ignored when the other family returned addresses.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	resp, authA, err := r.query(ctx, host, mdns.TypeA)
	if IsNotFound(err) {
		return Result[net.IP]{}, err
	}

	var ips []net.IP

	errA := err
	if err == nil {
		for _, rr := range resp.Answer {
			if a, ok := rr.(*mdns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}

	resp, authAAAA, errAAAA := r.query(ctx, host, mdns.TypeAAAA)
	if errAAAA == nil {
		for _, rr := range resp.Answer {
			if aaaa, ok := rr.(*mdns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		if errA != nil {
			return Result[net.IP]{}, errA
		}

		if errAAAA != nil {
			return Result[net.IP]{}, errAAAA
		}
	}

	return Result[net.IP]{Records: ips, Authentic: authA && authAAAA}, nil
}

// LookupMX retrieves MX records for the given domain.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return Result[*net.MX]{}, err
	}

	var records []*net.MX

	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}

	return Result[*net.MX]{Records: records, Authentic: authentic}, nil
}

// LookupAddr performs a reverse DNS lookup for the given IP address.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, errors.New("dns: nil IP address")
	}

	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	resp, authentic, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return Result[string]{}, err
	}

	var names []string

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}

	return Result[string]{Records: names, Authentic: authentic}, nil
}

// Config returns the resolver's current configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}
