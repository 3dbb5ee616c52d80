package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"
)

// Signer produces DKIM-Signature headers. It is used to build test
// messages and fixtures for the verifier.
type Signer struct {
	Domain   string
	Selector string

	// PrivateKey is *rsa.PrivateKey or ed25519.PrivateKey.
	PrivateKey crypto.Signer

	// Headers to sign, DefaultSignedHeaders when empty. From is always added.
	Headers []string

	// Canonicalizations default to relaxed.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	Identity string

	// Expiration sets x= relative to the signing time when positive.
	Expiration time.Duration

	// BodyLength sets l= to the canonical body length.
	BodyLength bool

	// OversignHeaders signs every header name once more than it occurs,
	// so that additional instances break the signature.
	OversignHeaders bool
}

// Sign returns the DKIM-Signature header for message, CRLF terminated,
// ready to be prepended to it.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, body, err := splitMessage(normalizeNewlines(message))
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}

	present := map[string]int{}
	for _, h := range headers {
		present[h.lkey]++
	}

	if present["from"] != 1 {
		return "", fmt.Errorf("%w: message has %d From headers", ErrFromRequired, present["from"])
	}

	alg, err := s.algorithm()
	if err != nil {
		return "", err
	}

	sig := newSignature()
	sig.Algorithm = alg
	sig.Domain = strings.ToLower(s.Domain)
	sig.Selector = strings.ToLower(s.Selector)
	sig.Identity = s.Identity
	sig.HeaderCanon = orDefault(s.HeaderCanonicalization)
	sig.BodyCanon = orDefault(s.BodyCanonicalization)
	sig.SignedHeaders = s.signedHeaders(present)
	sig.SignTime = timeNow().Unix()

	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	if s.BodyLength {
		sig.Length = int64(len(canonicalBody(sig.BodyCanon, body)))
	}

	if sig.BodyHash, err = bodyHash(sig.BodyCanon, body, sig.Length); err != nil {
		return "", err
	}

	digest, err := headerHash(sig.HeaderCanon, headers, sig.SignedHeaders, sig.Header(false))
	if err != nil {
		return "", fmt.Errorf("computing header hash: %w", err)
	}

	if sig.Signature, err = signWithKey(s.PrivateKey, digest); err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return sig.Header(true) + "\r\n", nil
}

func (s *Signer) algorithm() (Algorithm, error) {
	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return AlgRSASHA256, nil
	case ed25519.PrivateKey:
		return AlgEd25519SHA256, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}

func (s *Signer) signedHeaders(present map[string]int) []string {
	names := s.Headers
	if len(names) == 0 {
		names = DefaultSignedHeaders
	}

	hasFrom := false

	for _, h := range names {
		if strings.EqualFold(h, "from") {
			hasFrom = true
		}
	}

	if !hasFrom {
		names = append([]string{"From"}, names...)
	}

	var signed []string

	counts := map[string]int{}

	for _, h := range names {
		lh := strings.ToLower(h)
		if present[lh] == 0 && !s.OversignHeaders {
			continue
		}

		signed = append(signed, h)
		counts[lh]++
	}

	if s.OversignHeaders {
		for _, h := range signed {
			lh := strings.ToLower(h)
			for counts[lh] < present[lh]+1 {
				signed = append(signed, h)
				counts[lh]++
			}
		}
	}

	return signed
}

func orDefault(c Canonicalization) Canonicalization {
	if c == "" {
		return CanonRelaxed
	}

	return c
}
