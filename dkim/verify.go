package dkim

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
)

// DefaultMinRSAKeyBits is the smallest RSA key accepted (RFC 8301).
const DefaultMinRSAKeyBits = 1024

// Verifier verifies DKIM signatures. It is safe for concurrent use.
type Verifier struct {
	Resolver dns.Resolver

	// MinRSAKeyBits rejects smaller RSA keys as signature-invalid.
	MinRSAKeyBits int

	log *logrus.Entry
}

func NewVerifier(resolver dns.Resolver) *Verifier {
	return &Verifier{
		Resolver:      resolver,
		MinRSAKeyBits: DefaultMinRSAKeyBits,
		log:           log.PrefixedLog("dkim"),
	}
}

// Verify verifies every DKIM-Signature of a raw message. A message without
// signatures yields a single NoSignature result; a message whose header
// block cannot be split yields a single malformed-header Fail.
func (v *Verifier) Verify(ctx context.Context, raw []byte) []Result {
	headers, body, err := splitMessage(normalizeNewlines(raw))
	if err != nil {
		return []Result{{Status: StatusFail, Reason: ReasonMalformedHeader, Err: err}}
	}

	return v.verify(ctx, headers, body)
}

// VerifyMessage verifies a message given as its raw header block and body.
func (v *Verifier) VerifyMessage(ctx context.Context, header, body []byte) []Result {
	headers, _, err := splitMessage(normalizeNewlines(header))
	if err != nil {
		return []Result{{Status: StatusFail, Reason: ReasonMalformedHeader, Err: err}}
	}

	return v.verify(ctx, headers, normalizeNewlines(body))
}

func (v *Verifier) verify(ctx context.Context, headers []headerData, body []byte) []Result {
	var results []Result

	for _, h := range headers {
		if h.lkey != "dkim-signature" {
			continue
		}

		r := v.verifySignature(ctx, string(h.raw), headers, body)

		v.logger().WithFields(logrus.Fields{
			"domain":   r.Domain,
			"selector": r.Selector,
			"reason":   r.Reason,
		}).Debugf("dkim result %s %s", r.Status, r.Detail())

		results = append(results, r)
	}

	if len(results) == 0 {
		return []Result{{Status: StatusNoSignature}}
	}

	return results
}

func fail(r Result, reason Reason, err error) Result {
	r.Status = StatusFail
	r.Reason = reason
	r.Err = err

	return r
}

// verifySignature checks one signature header: tags, body hash, key,
// header signature and finally expiry.
func (v *Verifier) verifySignature(ctx context.Context, raw string, headers []headerData, body []byte) Result {
	sig, stripped, err := ParseSignature(raw)
	if err != nil {
		return fail(Result{}, ReasonMalformedHeader, err)
	}

	r := Result{
		Domain:    sig.Domain,
		Selector:  sig.Selector,
		Algorithm: sig.Algorithm,
		Identity:  sig.Identity,
		Signature: sig,
	}

	hash, err := bodyHash(sig.BodyCanon, body, sig.Length)
	if err != nil {
		return fail(r, ReasonBodyHashMismatch, err)
	}

	if subtle.ConstantTimeCompare(hash, sig.BodyHash) != 1 {
		return fail(r, ReasonBodyHashMismatch, ErrBodyHashMismatch)
	}

	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	r.KeyAuthentic = authentic

	if err != nil {
		if errors.Is(err, ErrDNS) {
			r.Status = StatusTemperror
			r.Err = err

			return r
		}

		return fail(r, ReasonKeyNotFound, err)
	}

	r.Record = record
	r.Testing = record.Testing()

	if reason, err := v.checkKey(sig, record); err != nil {
		return fail(r, reason, err)
	}

	digest, err := headerHash(sig.HeaderCanon, headers, sig.SignedHeaders, stripped)
	if err != nil {
		return fail(r, ReasonMalformedHeader, err)
	}

	if err := verifyWithKey(record.PublicKey, digest, sig.Signature); err != nil {
		return fail(r, ReasonSignatureInvalid, fmt.Errorf("%w: %v", ErrSigVerify, err))
	}

	if sig.Expired() {
		return fail(r, ReasonExpired, fmt.Errorf("%w: at %d", ErrSigExpired, sig.ExpireTime))
	}

	r.Status = StatusPass

	return r
}

// checkKey rejects records that cannot verify sig.
func (v *Verifier) checkKey(sig *Signature, record *Record) (Reason, error) {
	if record.Revoked() {
		return ReasonKeyRevoked, ErrKeyRevoked
	}

	if record.Key != sig.Algorithm.keyType() {
		return ReasonKeyNotFound, fmt.Errorf("%w: k=%s for a=%s", ErrKeyMismatch, record.Key, sig.Algorithm)
	}

	if !record.hashAllowed("sha256") {
		return ReasonKeyNotFound, fmt.Errorf("%w: h=%v", ErrKeyMismatch, record.Hashes)
	}

	if !record.serviceAllowed("email") {
		return ReasonKeyNotFound, fmt.Errorf("%w: s=%v", ErrKeyMismatch, record.Services)
	}

	if record.strict() && sig.Identity != "" {
		if domain := sig.Identity[strings.LastIndexByte(sig.Identity, '@')+1:]; !strings.EqualFold(domain, sig.Domain) {
			return ReasonKeyNotFound, fmt.Errorf("%w: t=s forbids identity %s", ErrKeyMismatch, sig.Identity)
		}
	}

	minBits := v.MinRSAKeyBits
	if minBits == 0 {
		minBits = DefaultMinRSAKeyBits
	}

	if k, ok := record.PublicKey.(*rsa.PublicKey); ok && k.N.BitLen() < minBits {
		return ReasonSignatureInvalid, fmt.Errorf("%w: %d bits", ErrWeakKey, k.N.BitLen())
	}

	return "", nil
}

// lookup fetches the key record at <selector>._domainkey.<domain>.
// Temporary DNS failures are wrapped in ErrDNS.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	name := selector + "._domainkey." + domain

	res, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, false, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}

		if dns.IsTemporary(err) || ctx.Err() != nil {
			return nil, false, fmt.Errorf("%w: %s: %w", ErrDNS, name, err)
		}

		return nil, false, fmt.Errorf("%w: %s: %v", ErrNoRecord, name, err)
	}

	var found *Record

	for _, txt := range res.Records {
		record, isDKIM, err := ParseRecord(txt)
		if !isDKIM {
			continue
		}

		if err != nil {
			return nil, res.Authentic, fmt.Errorf("%s: %w", name, err)
		}

		if found != nil {
			return nil, res.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}

		found = record
	}

	if found == nil {
		return nil, res.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}

	return found, res.Authentic, nil
}

// logger falls back to the package logger for zero-value Verifiers.
func (v *Verifier) logger() *logrus.Entry {
	if v.log != nil {
		return v.log
	}

	return log.PrefixedLog("dkim")
}
