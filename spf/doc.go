// Package spf implements Sender Policy Framework (SPF) evaluation according to RFC 7208.
//
// An Evaluator fetches a domain's SPF record through a dns.Resolver and
// evaluates its directives left to right against the client IP. Nested
// include: records are evaluated with an explicit stack instead of
// recursion; the lookup budget, include depth and void lookup limits as
// well as include/redirect loops end evaluation with StatusPermerror and
// the limit's sentinel error in Result.Err.
//
// Basic Usage:
//
//	ev := spf.NewEvaluator(resolver)
//	res := ev.Evaluate(ctx, spf.Args{
//	    Domain: "example.com",
//	    IP:     net.ParseIP("192.0.2.1"),
//	    Sender: "user",
//	})
//
//	switch res.Status {
//	case spf.StatusPass:
//	case spf.StatusFail, spf.StatusSoftfail:
//	case spf.StatusTemperror, spf.StatusPermerror:
//	    // res.Err holds the reason
//	}
//
// Without an IP only "all" can match, which reveals the domain's posture
// towards unlisted senders (Result.Posture).
//
// References:
//   - RFC 7208: Sender Policy Framework (SPF)
package spf
