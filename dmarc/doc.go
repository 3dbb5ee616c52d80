// Package dmarc evaluates Domain-based Message Authentication, Reporting,
// and Conformance (DMARC) policies per RFC 7489.
//
// DMARC ties the domain of the RFC5322.From header to the identifiers
// authenticated by SPF and DKIM. A message passes when SPF passed for an
// aligned envelope domain or a DKIM signature passed for an aligned d=
// domain. Alignment is strict (identical domains) or relaxed (identical
// organizational domains, taken from the Public Suffix List).
//
// # Policy discovery
//
// The record is looked up at _dmarc.<from-domain>. When no DMARC record is
// published there, the lookup falls back to _dmarc.<organizational-domain>.
// More than one record at the queried name means the domain does not
// implement DMARC.
//
// # Usage
//
//	ev := dmarc.NewEvaluator(resolver)
//	res := ev.Evaluate(ctx, dmarc.Args{
//	    FromDomain: "example.com",
//	    SPF:        spfResult.Status,
//	    SPFDomain:  "bounce.example.com",
//	    DKIM:       dkimResults,
//	})
//	if res.Pass && res.Policy == dmarc.PolicyReject {
//	    // the domain enforces DMARC and this message complies
//	}
//
// The pct= tag is reported but never sampled, and report URIs are parsed
// and retained without sending reports.
package dmarc
