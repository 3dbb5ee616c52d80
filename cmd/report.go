package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hako/durafmt"

	"github.com/synqronlabs/mailverdict/analyzer"
	"github.com/synqronlabs/mailverdict/dkim"
	"github.com/synqronlabs/mailverdict/reputation"
)

// writeReport prints the human readable form of r.
func writeReport(w io.Writer, r *analyzer.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Verdict:\t%s (score %d)\n", r.Verdict.Level, r.Verdict.Score)
	fmt.Fprintf(tw, "Domain:\t%s (%s mode)\n", r.Domain, r.Mode)

	if m := r.Message; m != nil {
		fmt.Fprintf(tw, "Envelope:\t%s (from %s)\n", m.EnvelopeDomain, m.EnvelopeSource)

		if m.ClientIP != nil {
			fmt.Fprintf(tw, "Client:\t%s (from %s)\n", m.ClientIP, m.ClientIPSource)
		}
	}

	fmt.Fprintf(tw, "SPF:\t%s\n", spfLine(r))

	if r.Mode == analyzer.ModeEmail {
		for _, d := range r.DKIM {
			fmt.Fprintf(tw, "DKIM:\t%s\n", dkimLine(d))
		}
	} else {
		fmt.Fprintf(tw, "DKIM keys:\t%s\n", keysLine(r.DKIMKeys))
	}

	fmt.Fprintf(tw, "DMARC:\t%s\n", dmarcLine(r))
	fmt.Fprintf(tw, "Domain age:\t%s\n", ageLine(r.Reputation))
	fmt.Fprintf(tw, "MX:\t%s\n", mxLine(r.Reputation))

	for _, ar := range r.Evidence {
		fmt.Fprintf(tw, "Auth-Results:\t%s=%s (%s, not trusted)\n", ar.Method, ar.Result, ar.Server)
	}

	fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))

	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "Factors:")

	for _, f := range r.Verdict.Factors {
		fmt.Fprintf(w, "  - %s\n", f)
	}

	return nil
}

func spfLine(r *analyzer.Report) string {
	s := r.SPF
	line := fmt.Sprintf("%s for %s", s.Status, s.Domain)

	if s.Mechanism != "" {
		line += fmt.Sprintf(" (%s)", s.Mechanism)
	}

	if r.Posture != "" {
		line += fmt.Sprintf(", posture %s", r.Posture)
	}

	if reason := s.Reason(); reason != "" {
		line += ": " + reason
	}

	return line
}

func dkimLine(d dkim.Result) string {
	if d.Status == dkim.StatusNoSignature {
		return "no signature"
	}

	line := fmt.Sprintf("%s d=%s s=%s", d.Status, d.Domain, d.Selector)

	if d.Reason != "" {
		line += fmt.Sprintf(" (%s)", d.Reason)
	}

	return line
}

func keysLine(probes []dkim.KeyProbe) string {
	var found []string

	for _, p := range probes {
		if p.Found && !p.Revoked {
			found = append(found, fmt.Sprintf("%s (%s %d bits)", p.Selector, p.KeyType, p.Bits))
		}
	}

	if len(found) == 0 {
		return "none at probed selectors"
	}

	return strings.Join(found, ", ")
}

func dmarcLine(r *analyzer.Report) string {
	d := r.DMARC
	line := string(d.Status)

	if d.Found() {
		line += fmt.Sprintf(", policy %s", d.Policy)

		if d.Percentage != 100 {
			line += fmt.Sprintf(" pct=%d", d.Percentage)
		}
	}

	if r.Mode == analyzer.ModeEmail && d.Found() {
		line += fmt.Sprintf(", aligned spf=%t dkim=%t", d.AlignedSPF, d.AlignedDKIM)
	}

	if reason := d.Reason(); reason != "" {
		line += ": " + reason
	}

	return line
}

func ageLine(rep reputation.Reputation) string {
	if !rep.AgeKnown {
		if rep.NotRegistered {
			return "unknown (not registered)"
		}

		return "unknown"
	}

	age := durafmt.Parse(time.Duration(rep.AgeDays) * 24 * time.Hour).LimitFirstN(2)

	return fmt.Sprintf("%s (%d days, %s)", age, rep.AgeDays, rep.OrgDomain)
}

func mxLine(rep reputation.Reputation) string {
	switch {
	case rep.MXLookupFailed:
		return "lookup failed"
	case rep.NullMX:
		return "null MX"
	case rep.MXCount == 0:
		return "none"
	default:
		return strings.Join(rep.MXHosts, ", ")
	}
}
