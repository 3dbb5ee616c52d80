// Package reputation collects domain signals that do not depend on a
// message: the registration age from WHOIS, the MX records and whether the
// domain exists at all.
package reputation

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailverdict/dmarc"
	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/whois"
)

// Existence is the tri-state outcome of the existence check.
type Existence string

const (
	ExistenceExists   Existence = "exists"
	ExistenceNotFound Existence = "not_found"
	ExistenceUnknown  Existence = "unknown"
)

// Mocked in tests.
var timeNow = time.Now

// Reputation holds the signals of one domain.
type Reputation struct {
	Domain string `json:"domain"`

	// OrgDomain is the registrable domain whose WHOIS data was used.
	OrgDomain string `json:"orgDomain"`

	// AgeKnown is false when WHOIS gave no usable creation date. AgeDays
	// is meaningless then, not zero.
	AgeKnown bool       `json:"ageKnown"`
	AgeDays  int        `json:"ageDays"`
	Created  *time.Time `json:"created,omitempty"`

	Registrar string `json:"registrar,omitempty"`

	// NotRegistered is set when the registry denied knowing the domain.
	NotRegistered bool `json:"notRegistered,omitempty"`

	// MXCount counts usable MX hosts; a null MX (".") counts zero and sets NullMX.
	MXCount        int      `json:"mxCount"`
	MXHosts        []string `json:"mxHosts,omitempty"`
	NullMX         bool     `json:"nullMx,omitempty"`
	MXLookupFailed bool     `json:"mxLookupFailed,omitempty"`

	Existence Existence `json:"existence"`

	WhoisErr error `json:"-"`
	MXErr    error `json:"-"`
}

// HasMX reports whether at least one usable MX host is published.
func (r Reputation) HasMX() bool {
	return r.MXCount > 0
}

// Assessor gathers reputation signals. Whois may be nil, in which case the
// age stays unknown.
type Assessor struct {
	Resolver dns.Resolver
	Whois    whois.Client

	log *logrus.Entry
}

func NewAssessor(resolver dns.Resolver, whoisClient whois.Client) *Assessor {
	return &Assessor{
		Resolver: resolver,
		Whois:    whoisClient,
		log:      log.PrefixedLog("reputation"),
	}
}

// Assess runs the MX, address and WHOIS lookups concurrently. Failures
// degrade the affected signal to unknown and are never returned.
func (a *Assessor) Assess(ctx context.Context, domain string) Reputation {
	name, err := dns.Normalize(domain)
	if err != nil {
		return Reputation{Domain: domain, Existence: ExistenceUnknown, MXLookupFailed: true, MXErr: err, WhoisErr: err}
	}

	rep := Reputation{Domain: name, OrgDomain: dmarc.OrganizationalDomain(name)}

	var (
		mxErr, ipErr error
		hasIP        bool
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var res dns.Result[*net.MX]
		res, mxErr = a.Resolver.LookupMX(gctx, name)
		rep.countMX(res.Records)

		return nil
	})

	g.Go(func() error {
		res, err := a.Resolver.LookupIP(gctx, name)
		ipErr, hasIP = err, len(res.Records) > 0

		return nil
	})

	if a.Whois != nil {
		g.Go(func() error {
			rep.whois(gctx, a.Whois)

			return nil
		})
	}

	_ = g.Wait()

	if mxErr != nil && !dns.IsNotFound(mxErr) {
		rep.MXLookupFailed = true
		rep.MXErr = mxErr
	}

	switch {
	case mxErr == nil || ipErr == nil || hasIP:
		rep.Existence = ExistenceExists
	case dns.IsNotFound(mxErr) && dns.IsNotFound(ipErr):
		rep.Existence = ExistenceNotFound
	default:
		rep.Existence = ExistenceUnknown
	}

	a.logger().WithFields(logrus.Fields{
		"domain":    name,
		"mx":        rep.MXCount,
		"ageKnown":  rep.AgeKnown,
		"ageDays":   rep.AgeDays,
		"existence": rep.Existence,
	}).Debug("reputation assessed")

	return rep
}

func (r *Reputation) countMX(records []*net.MX) {
	for _, mx := range records {
		if mx.Host == "." || mx.Host == "" {
			r.NullMX = true

			continue
		}

		r.MXHosts = append(r.MXHosts, mx.Host)
	}

	r.MXCount = len(r.MXHosts)
}

func (r *Reputation) whois(ctx context.Context, client whois.Client) {
	rec, err := client.Lookup(ctx, r.OrgDomain)
	r.Registrar = rec.Registrar

	if err != nil {
		r.WhoisErr = err
		r.NotRegistered = errors.Is(err, whois.ErrNotRegistered)

		return
	}

	created := rec.Created
	r.Created = &created
	r.AgeKnown = true

	if age := timeNow().Sub(created); age > 0 {
		r.AgeDays = int(age.Hours() / 24)
	}
}

// logger falls back to the package logger for zero-value Assessors.
func (a *Assessor) logger() *logrus.Entry {
	if a.log != nil {
		return a.log
	}

	return log.PrefixedLog("reputation")
}
