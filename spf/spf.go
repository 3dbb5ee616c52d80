package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
)

// SPF evaluation errors. They are carried in Result.Err as the reason for
// a None, TempError or PermError outcome.
var (
	ErrNoRecord           = errors.New("spf: no SPF record found")
	ErrMultipleRecords    = errors.New("spf: multiple SPF records found")
	ErrTooManyDNSRequests = errors.New("spf: exceeded maximum DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: exceeded maximum void lookups")
	ErrTooDeep            = errors.New("spf: exceeded maximum include depth")
	ErrLoop               = errors.New("spf: include loop")
	ErrMacroSyntax        = errors.New("spf: macro syntax error")
	ErrInvalidDomain      = errors.New("spf: invalid domain name")
	ErrDNS                = errors.New("spf: DNS lookup failed")
)

// SPF evaluation limits per RFC 7208 section 4.6.4.
const (
	DefaultMaxLookups     = 10
	DefaultMaxDepth       = 10
	DefaultMaxVoidLookups = 2

	// maximum number of MX or PTR names examined per mechanism
	mxPtrLimit = 10
)

// Status is the result of SPF evaluation.
type Status string

const (
	StatusNone      Status = "none"
	StatusNeutral   Status = "neutral"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusSoftfail  Status = "softfail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Mocked for testing the "t" macro.
var timeNow = time.Now

// Args are the inputs of one top-level evaluation.
type Args struct {
	// Domain is the domain whose policy is evaluated.
	Domain string

	// IP is the connecting client. Nil evaluates the domain's posture only:
	// address based mechanisms never match.
	IP net.IP

	// Sender is the local-part of the envelope sender, "postmaster" if empty.
	Sender string

	// Helo is the HELO/EHLO name, used only by the %{h} macro.
	Helo string
}

// Result is the outcome of a top-level evaluation.
type Result struct {
	Status Status `json:"status"`

	// Domain is the evaluated domain.
	Domain string `json:"domain"`

	// Mechanism is the directive that decided the result, "default" when
	// nothing matched and empty when no record was evaluated.
	Mechanism string `json:"mechanism,omitempty"`

	// Record is the SPF record of Domain.
	Record string `json:"record,omitempty"`

	Lookups     int `json:"lookups"`
	VoidLookups int `json:"voidLookups"`
	Depth       int `json:"depth"`

	// DomainNotFound is set when Domain itself returned NXDOMAIN.
	DomainNotFound bool `json:"domainNotFound,omitempty"`

	// Err is the reason for None, TempError and PermError.
	Err error `json:"-"`
}

// Reason returns the error text or an empty string.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}

// Posture classifies the policy a domain publishes for unlisted senders.
type Posture string

const (
	PostureUnknown    Posture = "unknown"
	PostureStrict     Posture = "strict"     // -all
	PostureSoft       Posture = "soft"       // ~all, ?all or no terminal all
	PosturePermissive Posture = "permissive" // +all
)

// Posture derives the posture of a result evaluated without a client IP,
// where only "all" (directly or through include/redirect) can match.
func (r Result) Posture() Posture {
	switch r.Status {
	case StatusFail:
		return PostureStrict
	case StatusSoftfail, StatusNeutral:
		return PostureSoft
	case StatusPass:
		return PosturePermissive
	default:
		return PostureUnknown
	}
}

// Evaluator evaluates SPF policies through a DNS resolver.
// It holds no per-evaluation state and is safe for concurrent use.
type Evaluator struct {
	Resolver       dns.Resolver
	MaxLookups     int
	MaxDepth       int
	MaxVoidLookups int

	log *logrus.Entry
}

func NewEvaluator(resolver dns.Resolver) *Evaluator {
	return &Evaluator{
		Resolver:       resolver,
		MaxLookups:     DefaultMaxLookups,
		MaxDepth:       DefaultMaxDepth,
		MaxVoidLookups: DefaultMaxVoidLookups,
		log:            log.PrefixedLog("spf"),
	}
}

// frame is one record on the evaluation stack.
type frame struct {
	domain string
	record *Record
	next   int
	depth  int

	// via is the include directive of the parent frame that pushed this frame
	via *Directive

	// chain holds the domains this frame occupies in the visited set,
	// the original one followed by redirect targets
	chain []string
}

// evaluation is the state of one top-level Evaluate call.
type evaluation struct {
	*Evaluator

	args     Args
	env      macroEnv
	visited  map[string]bool
	lookups  int
	void     int
	maxDepth int
}

// Evaluate runs check_host() for args.Domain. It never fails: every
// problem is reported through the returned Result.
func (e *Evaluator) Evaluate(ctx context.Context, args Args) Result {
	if args.Sender == "" {
		args.Sender = "postmaster"
	}

	domain, err := dns.Normalize(args.Domain)
	if err != nil {
		return Result{Status: StatusNone, Domain: args.Domain, Err: fmt.Errorf("%w: %v", ErrInvalidDomain, err)}
	}

	ev := &evaluation{
		Evaluator: e,
		args:      args,
		env: macroEnv{
			sender: args.Sender,
			domain: domain,
			ip:     args.IP,
			helo:   args.Helo,
		},
		visited: map[string]bool{},
	}

	res := ev.run(ctx, domain)
	res.Domain = domain
	res.Lookups = ev.lookups
	res.VoidLookups = ev.void
	res.Depth = ev.maxDepth

	e.logger().WithFields(logrus.Fields{
		"domain":    domain,
		"ip":        args.IP,
		"lookups":   res.Lookups,
		"mechanism": res.Mechanism,
	}).Debugf("spf result %s %s", res.Status, res.Reason())

	return res
}

func (ev *evaluation) run(ctx context.Context, domain string) Result {
	record, txt, status, err := ev.fetch(ctx, domain)
	if record == nil {
		return Result{Status: status, Err: err, DomainNotFound: dns.IsNotFound(err)}
	}

	ev.visited[domain] = true
	stack := []*frame{{domain: domain, record: record, chain: []string{domain}}}

	final := func(status Status, mechanism string, err error) Result {
		return Result{Status: status, Mechanism: mechanism, Record: txt, Err: err}
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return final(StatusTemperror, "", fmt.Errorf("%w: %v", ErrDNS, err))
		}

		f := stack[len(stack)-1]

		var (
			status    Status
			mechanism string
		)

		if f.next < len(f.record.Directives) {
			d := &f.record.Directives[f.next]
			f.next++

			if d.Mechanism.countsLookup() {
				if err := ev.countLookup(); err != nil {
					return final(StatusPermerror, d.String(), err)
				}
			}

			if d.Mechanism == MechanismInclude {
				child, st, err := ev.include(ctx, f, d)
				if err != nil {
					return final(st, d.String(), err)
				}

				stack = append(stack, child)

				continue
			}

			match, st, err := ev.match(ctx, f, d)
			if err != nil {
				return final(st, d.String(), err)
			}

			if !match {
				continue
			}

			status, mechanism = d.Qualifier.Status(), d.String()
		} else if f.record.Redirect != "" {
			if err := ev.redirect(ctx, f); err != nil {
				return final(statusOf(err), "redirect="+f.record.Redirect, err)
			}

			continue
		} else {
			status, mechanism = StatusNeutral, "default"
		}

		// f concluded; hand the result up the include chain
		for {
			stack = stack[:len(stack)-1]
			ev.release(f)

			if len(stack) == 0 {
				return final(status, mechanism, nil)
			}

			if status != StatusPass {
				// fail, softfail and neutral of an include do not match
				break
			}

			status, mechanism = f.via.Qualifier.Status(), f.via.String()
			f = stack[len(stack)-1]
		}
	}

	return final(StatusNeutral, "default", nil)
}

// fetch looks up and parses the SPF record of domain.
func (ev *evaluation) fetch(ctx context.Context, domain string) (*Record, string, Status, error) {
	res, err := ev.Resolver.LookupTXT(ctx, domain)
	if dns.IsNotFound(err) {
		return nil, "", StatusNone, fmt.Errorf("%w: %s: %w", ErrNoRecord, domain, err)
	}

	if err != nil {
		return nil, "", StatusTemperror, fmt.Errorf("%w: %s: %w", ErrDNS, domain, err)
	}

	var (
		record *Record
		txt    string
	)

	for _, candidate := range res.Records {
		if !IsSPF(candidate) {
			continue
		}

		if record != nil {
			return nil, "", StatusPermerror, fmt.Errorf("%w: %s", ErrMultipleRecords, domain)
		}

		r, err := ParseRecord(candidate)
		if err != nil {
			return nil, candidate, StatusPermerror, fmt.Errorf("%s: %w", domain, err)
		}

		record, txt = r, candidate
	}

	if record == nil {
		return nil, "", StatusNone, fmt.Errorf("%w: %s", ErrNoRecord, domain)
	}

	return record, txt, StatusNone, nil
}

func (ev *evaluation) countLookup() error {
	if ev.lookups >= ev.MaxLookups {
		return ErrTooManyDNSRequests
	}

	ev.lookups++

	return nil
}

// countVoid records a lookup that returned NXDOMAIN or no records.
func (ev *evaluation) countVoid() error {
	ev.void++
	if ev.void > ev.MaxVoidLookups {
		return ErrTooManyVoidLookups
	}

	return nil
}

func (ev *evaluation) release(f *frame) {
	for _, d := range f.chain {
		delete(ev.visited, d)
	}
}

// target expands the domain-spec of d, or returns the frame's domain.
func (ev *evaluation) target(f *frame, spec string) (string, error) {
	if spec == "" {
		return f.domain, nil
	}

	env := ev.env
	env.target = f.domain

	name, err := env.expand(spec, true)
	if err != nil {
		return "", err
	}

	normalized, err := dns.Normalize(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}

	return normalized, nil
}

// enter fetches the record of a domain about to join the chain.
func (ev *evaluation) enter(ctx context.Context, domain string) (*Record, Status, error) {
	if ev.visited[domain] {
		return nil, StatusPermerror, fmt.Errorf("%w: %s", ErrLoop, domain)
	}

	record, _, status, err := ev.fetch(ctx, domain)
	if record == nil {
		if status == StatusNone {
			// a missing record behind include or redirect is a permanent error
			return nil, StatusPermerror, err
		}

		return nil, status, err
	}

	ev.visited[domain] = true

	return record, StatusNone, nil
}

func (ev *evaluation) include(ctx context.Context, f *frame, d *Directive) (*frame, Status, error) {
	depth := f.depth + 1
	if depth > ev.MaxDepth {
		return nil, StatusPermerror, ErrTooDeep
	}

	domain, err := ev.target(f, d.DomainSpec)
	if err != nil {
		return nil, StatusPermerror, err
	}

	record, status, err := ev.enter(ctx, domain)
	if err != nil {
		return nil, status, err
	}

	if depth > ev.maxDepth {
		ev.maxDepth = depth
	}

	ev.logger().WithField("domain", domain).Tracef("include at depth %d", depth)

	return &frame{domain: domain, record: record, depth: depth, via: d, chain: []string{domain}}, StatusNone, nil
}

// redirect replaces the frame's record with the redirect target's record.
// The target keeps the frame's depth.
func (ev *evaluation) redirect(ctx context.Context, f *frame) error {
	if err := ev.countLookup(); err != nil {
		return err
	}

	domain, err := ev.target(f, f.record.Redirect)
	if err != nil {
		return err
	}

	record, _, err := ev.enter(ctx, domain)
	if err != nil {
		return err
	}

	f.domain = domain
	f.record = record
	f.next = 0
	f.chain = append(f.chain, domain)

	return nil
}

// statusOf maps an evaluation error to its result.
func statusOf(err error) Status {
	if errors.Is(err, ErrDNS) {
		return StatusTemperror
	}

	return StatusPermerror
}

// match evaluates the non-include mechanisms.
func (ev *evaluation) match(ctx context.Context, f *frame, d *Directive) (bool, Status, error) {
	ip := ev.args.IP

	switch d.Mechanism {
	case MechanismAll:
		return true, StatusNone, nil

	case MechanismIP4:
		return ip != nil && ip.To4() != nil && d.Net.Contains(ip), StatusNone, nil

	case MechanismIP6:
		return ip != nil && ip.To4() == nil && d.Net.Contains(ip), StatusNone, nil
	}

	host, err := ev.target(f, d.DomainSpec)
	if err != nil {
		return false, StatusPermerror, err
	}

	if ip == nil {
		// posture only: address mechanisms cannot match
		return false, StatusNone, nil
	}

	switch d.Mechanism {
	case MechanismA:
		ips, err := ev.addresses(ctx, host, true)
		if err != nil {
			return false, statusOf(err), err
		}

		return ev.containsIP(ips, d), StatusNone, nil

	case MechanismMX:
		return ev.matchMX(ctx, host, d)

	case MechanismPTR:
		return ev.matchPTR(ctx, host)

	case MechanismExists:
		ips, err := ev.addresses(ctx, host, true)
		if err != nil {
			return false, statusOf(err), err
		}

		for _, a := range ips {
			if a.To4() != nil {
				return true, StatusNone, nil
			}
		}

		return false, StatusNone, nil
	}

	return false, StatusPermerror, fmt.Errorf("%w: %s", ErrInvalidMechanism, d)
}

// addresses resolves host, counting an empty answer as a void lookup when
// void is set.
func (ev *evaluation) addresses(ctx context.Context, host string, void bool) ([]net.IP, error) {
	res, err := ev.Resolver.LookupIP(ctx, host)
	if err != nil && !dns.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s: %w", ErrDNS, host, err)
	}

	if len(res.Records) == 0 && void {
		if err := ev.countVoid(); err != nil {
			return nil, err
		}
	}

	return res.Records, nil
}

func (ev *evaluation) containsIP(ips []net.IP, d *Directive) bool {
	remote := ev.args.IP

	for _, candidate := range ips {
		if remote4 := remote.To4(); remote4 != nil {
			if c4 := candidate.To4(); c4 != nil {
				mask := net.CIDRMask(d.CIDR4, 32)
				if c4.Mask(mask).Equal(remote4.Mask(mask)) {
					return true
				}
			}

			continue
		}

		if candidate.To4() == nil {
			mask := net.CIDRMask(d.CIDR6, 128)
			if candidate.To16().Mask(mask).Equal(remote.To16().Mask(mask)) {
				return true
			}
		}
	}

	return false
}

func (ev *evaluation) matchMX(ctx context.Context, host string, d *Directive) (bool, Status, error) {
	res, err := ev.Resolver.LookupMX(ctx, host)
	if err != nil && !dns.IsNotFound(err) {
		return false, StatusTemperror, fmt.Errorf("%w: %s: %w", ErrDNS, host, err)
	}

	if len(res.Records) == 0 {
		if err := ev.countVoid(); err != nil {
			return false, StatusPermerror, err
		}

		return false, StatusNone, nil
	}

	if len(res.Records) > mxPtrLimit {
		return false, StatusPermerror, fmt.Errorf("%w: %s has more than %d MX records", ErrTooManyDNSRequests, host, mxPtrLimit)
	}

	for _, mx := range res.Records {
		name := strings.TrimSuffix(mx.Host, ".")
		if name == "" {
			// null MX
			continue
		}

		ips, err := ev.addresses(ctx, name, false)
		if err != nil {
			return false, statusOf(err), err
		}

		if ev.containsIP(ips, d) {
			return true, StatusNone, nil
		}
	}

	return false, StatusNone, nil
}

// matchPTR implements the ptr mechanism: a validated reverse name of the
// client equal to or below host.
func (ev *evaluation) matchPTR(ctx context.Context, host string) (bool, Status, error) {
	res, err := ev.Resolver.LookupAddr(ctx, ev.args.IP)
	if err != nil && !dns.IsNotFound(err) {
		return false, StatusTemperror, fmt.Errorf("%w: ptr: %w", ErrDNS, err)
	}

	if len(res.Records) == 0 {
		if err := ev.countVoid(); err != nil {
			return false, StatusPermerror, err
		}

		return false, StatusNone, nil
	}

	names := res.Records
	if len(names) > mxPtrLimit {
		names = names[:mxPtrLimit]
	}

	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if name != host && !strings.HasSuffix(name, "."+host) {
			continue
		}

		// forward lookup errors only disqualify this name
		addrs, err := ev.Resolver.LookupIP(ctx, name)
		if err != nil {
			continue
		}

		for _, a := range addrs.Records {
			if a.Equal(ev.args.IP) {
				return true, StatusNone, nil
			}
		}
	}

	return false, StatusNone, nil
}

// logger falls back to the package logger for zero-value Evaluators.
func (e *Evaluator) logger() *logrus.Entry {
	if e.log != nil {
		return e.log
	}

	return log.PrefixedLog("spf")
}
