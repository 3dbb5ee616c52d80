// Package verdict reduces SPF, DKIM, DMARC and reputation results to one
// verdict level with the factors that led to it and a score.
//
// Score and ScorePosture are pure: identical inputs give identical
// verdicts. They never fail; degraded or unknown inputs lower the verdict.
package verdict

import (
	"fmt"
	"strings"

	"github.com/synqronlabs/mailverdict/dkim"
	"github.com/synqronlabs/mailverdict/dmarc"
	"github.com/synqronlabs/mailverdict/reputation"
	"github.com/synqronlabs/mailverdict/spf"
)

// Level is the overall classification.
type Level string

const (
	LevelStrong  Level = "Strong"
	LevelMedium  Level = "Medium"
	LevelWeak    Level = "Weak"
	LevelInvalid Level = "Invalid"
)

const (
	// MaturityThresholdDays is the age a domain must exceed to count as established.
	MaturityThresholdDays = 180

	// YoungThresholdDays is the age under which a domain counts as freshly registered.
	YoungThresholdDays = 30
)

// Score weights.
const (
	WeightSPFPass           = 20
	WeightSPFSoftfail       = -5
	WeightSPFFail           = -15
	WeightDKIMPass          = 25
	WeightDKIMFail          = -15
	WeightDMARCPass         = 25
	WeightPolicyReject      = 10
	WeightPolicyQuarantine  = 5
	WeightMatureDomain      = 10
	WeightYoungDomain       = -10
	WeightMXPresent         = 5
	WeightEnvelopeNotFound  = -15
	WeightPostureStrict     = 20
	WeightPostureSoft       = 5
	WeightPosturePermissive = -15
	WeightPostureReject     = 25
	WeightPostureQuarantine = 15
	WeightPostureMonitor    = 5
	WeightDKIMKey           = 15
)

// Score bands per level. The additive score is clamped into the band of
// the level so it never contradicts it.
var bands = map[Level][2]int{
	LevelStrong:  {80, 100},
	LevelMedium:  {40, 79},
	LevelWeak:    {1, 39},
	LevelInvalid: {0, 0},
}

// Verdict is the outcome of an analysis.
type Verdict struct {
	Level Level `json:"level"`

	// Factors lists every signal that influenced the level, in the order
	// SPF, DKIM, DMARC, reputation.
	Factors []string `json:"factors"`

	Score int `json:"score"`
}

type builder struct {
	factors []string
	score   int
}

func (b *builder) add(points int, format string, args ...interface{}) {
	b.score += points
	b.factors = append(b.factors, fmt.Sprintf(format, args...))
}

func (b *builder) verdict(level Level) Verdict {
	band := bands[level]

	score := b.score
	if score < band[0] {
		score = band[0]
	}

	if score > band[1] {
		score = band[1]
	}

	return Verdict{Level: level, Factors: b.factors, Score: score}
}

// Score classifies a message from its authentication results and the
// reputation of its From domain. SPF speaks for the From domain only when
// it was evaluated for it; a vanished envelope domain lowers the score but
// says nothing about the From domain.
//
//   - Invalid: the From domain does not resolve, or it publishes no MX, no
//     SPF record and the message carries no DKIM signature.
//   - Strong: DMARC passed under p=reject (or p=quarantine at pct=100),
//     SPF passed, a DKIM signature passed and the domain is older than
//     MaturityThresholdDays.
//   - Weak: neither SPF nor DKIM passed, so DMARC cannot pass either.
//   - Medium: everything else.
func Score(spfRes spf.Result, dkimRes []dkim.Result, dmarcRes dmarc.Result, rep reputation.Reputation) Verdict {
	b := &builder{}

	scoreSPF(b, spfRes)

	fromSPF := sameDomain(spfRes.Domain, rep.Domain)
	if spfRes.DomainNotFound && !fromSPF {
		b.add(WeightEnvelopeNotFound, "envelope domain %s not resolvable", spfRes.Domain)
	}

	scoreDKIM(b, dkimRes)
	scoreDMARC(b, dmarcRes)
	scoreReputation(b, rep)

	spfPass := spfRes.Status == spf.StatusPass
	dkimPass := dkim.AnyPass(dkimRes)

	enforcing := dmarcRes.Policy == dmarc.PolicyReject ||
		(dmarcRes.Policy == dmarc.PolicyQuarantine && dmarcRes.Percentage == 100)

	switch {
	case notResolvable(spfRes, rep):
		b.factors = append(b.factors, "domain not resolvable")

		return b.verdict(LevelInvalid)
	case rep.MXCount == 0 && !rep.MXLookupFailed && fromSPF && spfRes.Status == spf.StatusNone && !dkim.Signed(dkimRes):
		b.factors = append(b.factors, "no mail infrastructure")

		return b.verdict(LevelInvalid)
	case enforcing && dmarcRes.Pass && spfPass && dkimPass && mature(rep):
		return b.verdict(LevelStrong)
	case !spfPass && !dkimPass:
		return b.verdict(LevelWeak)
	default:
		return b.verdict(LevelMedium)
	}
}

// ScorePosture classifies a domain from what it publishes, without a
// message.
//
//   - Invalid: the domain does not exist.
//   - Strong: SPF ends in -all, DMARC p=reject and the domain is mature.
//   - Medium: DMARC p=reject or p=quarantine, or SPF ends in -all, ~all or ?all.
//   - Weak: everything else.
func ScorePosture(spfRes spf.Result, dmarcRes dmarc.Result, probes []dkim.KeyProbe, rep reputation.Reputation) Verdict {
	b := &builder{}

	posture := spfRes.Posture()

	switch {
	case spfRes.Status == spf.StatusNone:
		b.add(0, "no SPF record")
	case posture == spf.PostureStrict:
		b.add(WeightPostureStrict, "SPF strict (-all)")
	case posture == spf.PostureSoft:
		b.add(WeightPostureSoft, "SPF soft (%s)", spfRes.Mechanism)
	case posture == spf.PosturePermissive:
		b.add(WeightPosturePermissive, "SPF permissive (%s)", spfRes.Mechanism)
	default:
		b.add(0, "SPF %s", spfRes.Status)
	}

	scoreKeys(b, probes)

	switch {
	case !dmarcRes.Found():
		b.add(0, "%s", dmarcAbsence(dmarcRes))
	case dmarcRes.Policy == dmarc.PolicyReject:
		b.add(WeightPostureReject, "DMARC policy reject")
	case dmarcRes.Policy == dmarc.PolicyQuarantine:
		b.add(WeightPostureQuarantine, "DMARC policy quarantine")
	default:
		b.add(WeightPostureMonitor, "DMARC policy %s", dmarcRes.Policy)
	}

	scoreReputation(b, rep)

	reject := dmarcRes.Found() && dmarcRes.Policy == dmarc.PolicyReject
	quarantine := dmarcRes.Found() && dmarcRes.Policy == dmarc.PolicyQuarantine

	switch {
	case notResolvable(spfRes, rep):
		b.factors = append(b.factors, "domain not resolvable")

		return b.verdict(LevelInvalid)
	case posture == spf.PostureStrict && reject && mature(rep):
		return b.verdict(LevelStrong)
	case reject || quarantine || posture == spf.PostureStrict || posture == spf.PostureSoft:
		return b.verdict(LevelMedium)
	default:
		return b.verdict(LevelWeak)
	}
}

// notResolvable reports whether the domain under judgement is gone. An
// SPF NXDOMAIN counts only when SPF was evaluated for that domain.
func notResolvable(spfRes spf.Result, rep reputation.Reputation) bool {
	if rep.Existence == reputation.ExistenceNotFound {
		return true
	}

	return spfRes.DomainNotFound && sameDomain(spfRes.Domain, rep.Domain)
}

func sameDomain(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

func mature(rep reputation.Reputation) bool {
	return rep.AgeKnown && rep.AgeDays > MaturityThresholdDays
}

func scoreSPF(b *builder, r spf.Result) {
	switch r.Status {
	case spf.StatusPass:
		b.add(WeightSPFPass, "SPF pass")
	case spf.StatusSoftfail:
		b.add(WeightSPFSoftfail, "SPF softfail")
	case spf.StatusFail:
		b.add(WeightSPFFail, "SPF fail")
	case spf.StatusNone:
		b.add(0, "no SPF record")
	case spf.StatusNeutral:
		b.add(0, "SPF neutral")
	case spf.StatusTemperror:
		b.add(0, "SPF temperror")
	case spf.StatusPermerror:
		b.add(0, "SPF permerror")
	}
}

func scoreDKIM(b *builder, results []dkim.Result) {
	if !dkim.Signed(results) {
		b.add(0, "no DKIM signature")

		return
	}

	points := WeightDKIMFail
	if dkim.AnyPass(results) {
		points = WeightDKIMPass
	}

	// one weight for the whole set, factors per signature
	b.score += points

	for _, r := range results {
		switch r.Status {
		case dkim.StatusPass:
			b.factors = append(b.factors, fmt.Sprintf("DKIM pass (d=%s)", r.Domain))
		case dkim.StatusFail:
			b.factors = append(b.factors, fmt.Sprintf("DKIM fail (d=%s): %s", r.Domain, r.Reason))
		case dkim.StatusTemperror:
			b.factors = append(b.factors, fmt.Sprintf("DKIM temperror (d=%s)", r.Domain))
		}
	}
}

func scoreKeys(b *builder, probes []dkim.KeyProbe) {
	for _, p := range probes {
		if p.Found && !p.Revoked {
			b.add(WeightDKIMKey, "DKIM key at selector %s", p.Selector)

			return
		}
	}

	b.add(0, "no DKIM key at common selectors")
}

func scoreDMARC(b *builder, r dmarc.Result) {
	switch r.Status {
	case dmarc.StatusPass:
		b.add(WeightDMARCPass, "DMARC pass")
	case dmarc.StatusFail:
		b.add(0, "DMARC fail")
	case dmarc.StatusTemperror:
		b.add(0, "DMARC temperror")
	case dmarc.StatusPermerror:
		b.add(0, "DMARC permerror")
	case dmarc.StatusPublished:
		b.add(0, "DMARC record published")
	default:
		b.add(0, "no DMARC record")

		return
	}

	if !r.Found() {
		return
	}

	switch r.Policy {
	case dmarc.PolicyReject:
		b.add(WeightPolicyReject, "DMARC policy reject")
	case dmarc.PolicyQuarantine:
		b.add(WeightPolicyQuarantine, "DMARC policy quarantine")
	default:
		b.add(0, "DMARC policy none")
	}

	if r.Percentage < 100 {
		b.add(0, "DMARC pct=%d", r.Percentage)
	}
}

func dmarcAbsence(r dmarc.Result) string {
	switch r.Status {
	case dmarc.StatusTemperror:
		return "DMARC temperror"
	case dmarc.StatusPermerror:
		return "DMARC permerror"
	default:
		return "no DMARC record"
	}
}

func scoreReputation(b *builder, rep reputation.Reputation) {
	switch {
	case !rep.AgeKnown:
		b.add(0, "domain age unknown")
	case rep.AgeDays > MaturityThresholdDays:
		b.add(WeightMatureDomain, "domain age %d days", rep.AgeDays)
	case rep.AgeDays < YoungThresholdDays:
		b.add(WeightYoungDomain, "young domain (%d days)", rep.AgeDays)
	default:
		b.add(0, "domain age %d days", rep.AgeDays)
	}

	switch {
	case rep.MXLookupFailed:
		b.add(0, "MX lookup failed")
	case rep.NullMX:
		b.add(0, "null MX")
	case rep.MXCount == 0:
		b.add(0, "no MX records")
	default:
		b.add(WeightMXPresent, "%d MX records", rep.MXCount)
	}
}
