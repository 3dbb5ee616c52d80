package dmarc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/dkim"
	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/spf"
)

// Args are the authentication results a DMARC evaluation combines.
type Args struct {
	// FromDomain is the RFC5322.From domain.
	FromDomain string

	// SPF is the SPF status for SPFDomain, the MAIL FROM or HELO domain
	// that was checked.
	SPF       spf.Status
	SPFDomain string

	// DKIM holds one result per signature.
	DKIM []dkim.Result
}

// Evaluator looks up DMARC policies and evaluates messages against them.
type Evaluator struct {
	Resolver dns.Resolver

	log *logrus.Entry
}

func NewEvaluator(resolver dns.Resolver) *Evaluator {
	return &Evaluator{
		Resolver: resolver,
		log:      log.PrefixedLog("dmarc"),
	}
}

func (e *Evaluator) logger() *logrus.Entry {
	if e.log != nil {
		return e.log
	}

	return log.PrefixedLog("dmarc")
}

// Evaluate applies the policy of args.FromDomain to the SPF and DKIM
// results. Problems are reported through the Result, never returned.
func (e *Evaluator) Evaluate(ctx context.Context, args Args) Result {
	res := e.Discover(ctx, args.FromDomain)
	if res.Status != StatusPublished {
		return res
	}

	rec := res.Record

	res.AlignedSPF = args.SPF == spf.StatusPass && Aligned(args.SPFDomain, res.FromDomain, rec.ASPF)

	for _, r := range args.DKIM {
		if r.Status == dkim.StatusPass && Aligned(r.Domain, res.FromDomain, rec.ADKIM) {
			res.AlignedDKIM = true

			break
		}
	}

	res.Pass = res.AlignedSPF || res.AlignedDKIM

	switch {
	case res.Pass:
		res.Status = StatusPass
	case args.SPF == spf.StatusTemperror || anyTemperror(args.DKIM):
		// an aligned pass might have been possible
		res.Status = StatusTemperror
	default:
		res.Status = StatusFail
	}

	e.logger().WithFields(logrus.Fields{
		"from":   res.FromDomain,
		"domain": res.Domain,
		"spf":    res.AlignedSPF,
		"dkim":   res.AlignedDKIM,
	}).Debugf("dmarc result %s policy %s", res.Status, res.Policy)

	return res
}

// Discover looks up the policy that applies to domain without evaluating
// a message. A usable record yields StatusPublished.
func (e *Evaluator) Discover(ctx context.Context, domain string) Result {
	from, err := dns.Normalize(domain)
	if err != nil || from == "" {
		return Result{Status: StatusNone, Policy: PolicyNone, FromDomain: domain, Err: fmt.Errorf("%w: %q", ErrInvalidDomain, domain)}
	}

	res := Result{FromDomain: from, Policy: PolicyNone}

	recordDomain, rec, txt, authentic, err := e.Lookup(ctx, from)
	res.Domain = recordDomain
	res.Text = txt
	res.Authentic = authentic
	res.Err = err

	switch {
	case errors.Is(err, ErrDNS):
		res.Status = StatusTemperror
	case errors.Is(err, ErrSyntax):
		res.Status = StatusPermerror
	case err != nil:
		res.Status = StatusNone
	default:
		res.Status = StatusPublished
		res.Record = rec
		res.Percentage = rec.Percentage
		res.Policy = rec.EffectivePolicy(recordDomain != from)
	}

	e.logger().WithField("domain", from).Debugf("dmarc policy %s at %q: %s", res.Policy, recordDomain, res.Reason())

	return res
}

// Lookup finds the DMARC record for domain at _dmarc.<domain>, falling back
// to the organizational domain when no record exists there. The returned
// domain is where the record was looked up last.
func (e *Evaluator) Lookup(ctx context.Context, domain string) (string, *Record, string, bool, error) {
	rec, txt, authentic, err := e.lookupRecord(ctx, domain)
	if !errors.Is(err, ErrNoRecord) {
		return domain, rec, txt, authentic, err
	}

	org := OrganizationalDomain(domain)
	if org == domain {
		return domain, nil, "", false, err
	}

	rec, txt, authentic, err = e.lookupRecord(ctx, org)

	return org, rec, txt, authentic, err
}

func (e *Evaluator) lookupRecord(ctx context.Context, domain string) (*Record, string, bool, error) {
	name := "_dmarc." + domain

	res, err := e.Resolver.LookupTXT(ctx, name)
	switch {
	case dns.IsNotFound(err):
		return nil, "", false, fmt.Errorf("%w: %s", ErrNoRecord, name)
	case err != nil && (dns.IsTemporary(err) || ctx.Err() != nil):
		return nil, "", false, fmt.Errorf("%w: %s: %w", ErrDNS, name, err)
	case err != nil:
		return nil, "", false, fmt.Errorf("%w: %s: %w", ErrNoRecord, name, err)
	}

	var (
		record *Record
		text   string
		synErr error
		found  int
	)

	for _, txt := range res.Records {
		r, isDMARC, err := ParseRecord(txt)
		if !isDMARC {
			continue
		}

		found++

		if err != nil {
			synErr = err

			continue
		}

		record, text = r, txt
	}

	switch {
	case found > 1:
		// no fallback: a record set exists at this name
		return nil, "", res.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
	case synErr != nil:
		return nil, "", res.Authentic, synErr
	case record == nil:
		return nil, "", res.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}

	return record, text, res.Authentic, nil
}

func anyTemperror(results []dkim.Result) bool {
	for _, r := range results {
		if r.Status == dkim.StatusTemperror {
			return true
		}
	}

	return false
}
