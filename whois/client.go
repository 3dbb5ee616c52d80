package whois

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/evt"
	"github.com/synqronlabs/mailverdict/log"
)

const (
	defaultPort = "43"

	// upper bound of one answer
	maxAnswerSize = 1 << 20
)

// TCPClient speaks WHOIS over TCP port 43.
type TCPClient struct {
	config Config
	dialer net.Dialer
	log    *logrus.Entry

	// TLD to server, learned from the referral server
	mu      sync.RWMutex
	servers map[string]string
}

var _ Client = (*TCPClient)(nil)

func NewClient(config Config) *TCPClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.Attempts == 0 {
		config.Attempts = 2
	}

	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}

	if config.ReferralServer == "" {
		config.ReferralServer = "whois.iana.org"
	}

	servers := make(map[string]string, len(config.Servers))
	for tld, server := range config.Servers {
		servers[strings.ToLower(strings.TrimPrefix(tld, "."))] = server
	}

	return &TCPClient{
		config:  config,
		dialer:  net.Dialer{Timeout: config.Timeout},
		log:     log.PrefixedLog("whois"),
		servers: servers,
	}
}

// Lookup returns the registration data of domain, which should be a
// registrable (organizational) domain.
func (c *TCPClient) Lookup(ctx context.Context, domain string) (Record, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	rec, err := c.lookup(ctx, domain)

	outcome := "ok"

	switch {
	case errors.Is(err, ErrNoCreationDate):
		outcome = "no_date"
	case errors.Is(err, ErrNotRegistered):
		outcome = "not_registered"
	case err != nil:
		outcome = "error"
	}

	evt.Bus().Publish(evt.WhoisLookup, outcome)

	c.log.WithFields(logrus.Fields{
		"domain": log.EscapeInput(domain),
		"server": rec.Server,
	}).Debugf("whois %s: %v", outcome, err)

	return rec, err
}

func (c *TCPClient) lookup(ctx context.Context, domain string) (Record, error) {
	tld := domain[strings.LastIndexByte(domain, '.')+1:]

	server, err := c.serverFor(ctx, tld)
	if err != nil {
		return Record{Domain: domain}, err
	}

	raw, err := c.query(ctx, server, domain)
	if err != nil {
		return Record{Domain: domain, Server: server}, err
	}

	a := parseAnswer(raw)

	// thin registries only point at the registrar
	if !a.hasDate && !a.notFound && a.referral != "" && !strings.EqualFold(a.referral, server) {
		if referred, err := c.query(ctx, a.referral, domain); err == nil {
			server = a.referral
			a = parseAnswer(referred)
		} else {
			c.log.WithField("server", a.referral).Debugf("registrar referral failed: %v", err)
		}
	}

	rec := Record{Domain: domain, Server: server, Created: a.created, Registrar: a.registrar}

	switch {
	case a.hasDate:
		return rec, nil
	case a.notFound:
		return rec, fmt.Errorf("%w: %s", ErrNotRegistered, domain)
	default:
		return rec, fmt.Errorf("%w: %s at %s", ErrNoCreationDate, domain, server)
	}
}

// serverFor returns the configured or learned server of tld, asking the
// referral server once per TLD.
func (c *TCPClient) serverFor(ctx context.Context, tld string) (string, error) {
	c.mu.RLock()
	server, ok := c.servers[tld]
	c.mu.RUnlock()

	if ok {
		return server, nil
	}

	raw, err := c.query(ctx, c.config.ReferralServer, tld)
	if err != nil {
		return "", err
	}

	server = parseAnswer(raw).referral
	if server == "" {
		return "", fmt.Errorf("%w: %s", ErrNoServer, tld)
	}

	c.mu.Lock()
	c.servers[tld] = server
	c.mu.Unlock()

	return server, nil
}

// query sends one request line and reads the answer until the server
// closes the connection. Connection timeouts are retried.
func (c *TCPClient) query(ctx context.Context, server, q string) (string, error) {
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, defaultPort)
	}

	var answer string

	err := retry.Do(
		func() error {
			var err error
			answer, err = c.exchange(ctx, addr, q)

			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.Backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTimeout),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithField("server", server).Debugf("retrying (attempt %d/%d): %v", n+1, c.config.Attempts, err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("whois: query %s: %w", server, err)
	}

	return answer, nil
}

func (c *TCPClient) exchange(ctx context.Context, addr, q string) (string, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := io.WriteString(conn, q+"\r\n"); err != nil {
		return "", err
	}

	b, err := io.ReadAll(io.LimitReader(conn, maxAnswerSize))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
