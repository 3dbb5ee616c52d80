// Package whois looks up domain registration data over the WHOIS protocol
// (RFC 3912) to learn when a domain was created.
//
// TCPClient asks the registry responsible for the TLD, found through
// whois.iana.org unless configured, and follows one registrar referral when
// the registry answer has no creation date. CachingClient keeps answers in
// an expiring cache.
package whois

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRegistered is returned when the registry reports no such domain.
	ErrNotRegistered = errors.New("whois: domain not registered")
	// ErrNoCreationDate is returned when the answer has no parsable creation date.
	ErrNoCreationDate = errors.New("whois: no creation date")
	// ErrNoServer is returned when no WHOIS server is known for the TLD.
	ErrNoServer = errors.New("whois: no server for TLD")
	// ErrDisabled is returned by a client that is switched off in the configuration.
	ErrDisabled = errors.New("whois: lookups disabled")
)

// Record is the registration data of a domain.
type Record struct {
	Domain    string    `json:"domain"`
	Server    string    `json:"server"`
	Created   time.Time `json:"created"`
	Registrar string    `json:"registrar,omitempty"`
}

// Age returns the time since creation at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Created)
}

// Client is the WHOIS collaborator of the reputation check.
type Client interface {
	Lookup(ctx context.Context, domain string) (Record, error)
}

// Config configures the WHOIS transport.
type Config struct {
	// Disabled turns every lookup into ErrDisabled.
	Disabled bool `yaml:"disabled" default:"false"`

	// Servers maps a TLD to its WHOIS server, "host" or "host:port".
	// TLDs not listed are resolved through ReferralServer.
	Servers map[string]string `yaml:"servers"`

	// ReferralServer answers which server is responsible for a TLD.
	ReferralServer string `yaml:"referralServer" default:"whois.iana.org"`

	// Timeout bounds one connection, from dial to the end of the answer.
	Timeout time.Duration `yaml:"timeout" default:"10s"`

	// Attempts is the number of tries for connection timeouts.
	Attempts uint `yaml:"attempts" default:"2"`

	Backoff time.Duration `yaml:"backoff" default:"500ms"`
}

func (c Config) LogConfig(logger *logrus.Entry) {
	if c.Disabled {
		logger.Info("disabled")

		return
	}

	servers := make([]string, 0, len(c.Servers))
	for tld, server := range c.Servers {
		servers = append(servers, tld+"="+server)
	}

	logger.Infof("referral server = %s", c.ReferralServer)
	logger.Infof("servers = %s", strings.Join(servers, ", "))
	logger.Infof("timeout = %s, attempts = %d, backoff = %s", c.Timeout, c.Attempts, c.Backoff)
}

// Disabled is a Client that never looks anything up.
type Disabled struct{}

func (Disabled) Lookup(context.Context, string) (Record, error) {
	return Record{}, ErrDisabled
}
