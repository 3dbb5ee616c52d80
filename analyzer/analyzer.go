// Package analyzer runs the SPF, DKIM, DMARC and reputation checks of one
// message or domain and turns them into a Report with a verdict.
package analyzer

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailverdict/dkim"
	"github.com/synqronlabs/mailverdict/dmarc"
	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/evt"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/message"
	"github.com/synqronlabs/mailverdict/reputation"
	"github.com/synqronlabs/mailverdict/spf"
	"github.com/synqronlabs/mailverdict/verdict"
	"github.com/synqronlabs/mailverdict/whois"
)

// DefaultTimeout bounds one analysis.
const DefaultTimeout = 30 * time.Second

// Mode tells what was analyzed.
type Mode string

const (
	ModeEmail  Mode = "email"
	ModeDomain Mode = "domain"
)

// Report is the outcome of one analysis.
type Report struct {
	ID     string `json:"id"`
	Mode   Mode   `json:"mode"`
	Domain string `json:"domain"`

	Message *message.Message `json:"message,omitempty"`

	SPF      spf.Result      `json:"spf"`
	DKIM     []dkim.Result   `json:"dkim,omitempty"`
	DKIMKeys []dkim.KeyProbe `json:"dkimKeys,omitempty"`
	DMARC    dmarc.Result    `json:"dmarc"`

	Reputation reputation.Reputation `json:"reputation"`

	// Posture is the SPF posture in domain mode.
	Posture spf.Posture `json:"spfPosture,omitempty"`

	Verdict verdict.Verdict `json:"verdict"`

	// Evidence echoes Authentication-Results found in the message. It does
	// not influence the verdict.
	Evidence []message.AuthResult `json:"evidence,omitempty"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Analyzer wires the individual checks. It is safe for concurrent use.
type Analyzer struct {
	SPF        *spf.Evaluator
	DKIM       *dkim.Verifier
	DMARC      *dmarc.Evaluator
	Reputation *reputation.Assessor

	// Timeout bounds each analysis, DefaultTimeout when zero.
	Timeout time.Duration

	// Selectors are probed for DKIM keys in domain mode.
	Selectors []string

	log *logrus.Entry
}

// New builds an Analyzer on one resolver. whoisClient may be nil.
func New(resolver dns.Resolver, whoisClient whois.Client) *Analyzer {
	return &Analyzer{
		SPF:        spf.NewEvaluator(resolver),
		DKIM:       dkim.NewVerifier(resolver),
		DMARC:      dmarc.NewEvaluator(resolver),
		Reputation: reputation.NewAssessor(resolver, whoisClient),
		Timeout:    DefaultTimeout,
		Selectors:  dkim.DefaultSelectors,
		log:        log.PrefixedLog("analyzer"),
	}
}

func (a *Analyzer) context(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return context.WithTimeout(ctx, timeout)
}

// Analyze checks a parsed message. SPF is evaluated for the envelope
// domain and the client IP of the message; without an IP only the
// domain's posture can match. Analyze always returns a report.
func (a *Analyzer) Analyze(ctx context.Context, msg *message.Message) Report {
	ctx, cancel := a.context(ctx)
	defer cancel()

	r := Report{
		ID:       ulid.Make().String(),
		Mode:     ModeEmail,
		Domain:   msg.FromDomain,
		Message:  msg,
		Evidence: msg.AuthResults,
		Started:  time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.SPF = a.SPF.Evaluate(gctx, spf.Args{
			Domain: msg.EnvelopeDomain,
			IP:     msg.ClientIP,
			Sender: msg.Sender,
			Helo:   msg.Helo,
		})

		return nil
	})

	g.Go(func() error {
		r.DKIM = a.DKIM.VerifyMessage(gctx, msg.Header, msg.Body)

		return nil
	})

	g.Go(func() error {
		r.Reputation = a.Reputation.Assess(gctx, msg.FromDomain)

		return nil
	})

	_ = g.Wait()

	r.DMARC = a.DMARC.Evaluate(ctx, dmarc.Args{
		FromDomain: msg.FromDomain,
		SPF:        r.SPF.Status,
		SPFDomain:  r.SPF.Domain,
		DKIM:       r.DKIM,
	})

	r.Verdict = verdict.Score(r.SPF, r.DKIM, r.DMARC, r.Reputation)

	a.finish(&r)

	return r
}

// AnalyzeDomain examines what domain publishes: its SPF posture, DMARC
// policy, DKIM keys at the configured selectors and reputation. Only an
// invalid domain name is an error.
func (a *Analyzer) AnalyzeDomain(ctx context.Context, domain string) (Report, error) {
	name, err := dns.Normalize(domain)
	if err != nil {
		return Report{}, err
	}

	ctx, cancel := a.context(ctx)
	defer cancel()

	r := Report{
		ID:      ulid.Make().String(),
		Mode:    ModeDomain,
		Domain:  name,
		Started: time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.SPF = a.SPF.Evaluate(gctx, spf.Args{Domain: name})

		return nil
	})

	g.Go(func() error {
		r.DMARC = a.DMARC.Discover(gctx, name)

		return nil
	})

	g.Go(func() error {
		r.DKIMKeys = a.DKIM.Probe(gctx, name, a.Selectors)

		return nil
	})

	g.Go(func() error {
		r.Reputation = a.Reputation.Assess(gctx, name)

		return nil
	})

	_ = g.Wait()

	r.Posture = r.SPF.Posture()
	r.Verdict = verdict.ScorePosture(r.SPF, r.DMARC, r.DKIMKeys, r.Reputation)

	a.finish(&r)

	return r, nil
}

func (a *Analyzer) finish(r *Report) {
	r.Duration = time.Since(r.Started)

	evt.Bus().Publish(evt.AnalysisCompleted, string(r.Mode), string(r.Verdict.Level), r.Duration)

	a.logger().WithFields(logrus.Fields{
		"id":     r.ID,
		"mode":   r.Mode,
		"domain": log.EscapeInput(r.Domain),
		"spf":    r.SPF.Status,
		"dmarc":  r.DMARC.Status,
		"score":  r.Verdict.Score,
	}).Infof("verdict %s in %s", r.Verdict.Level, r.Duration.Round(time.Millisecond))
}

// logger falls back to the package logger for zero-value Analyzers.
func (a *Analyzer) logger() *logrus.Entry {
	if a.log != nil {
		return a.log
	}

	return log.PrefixedLog("analyzer")
}
