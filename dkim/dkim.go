// Package dkim verifies DomainKeys Identified Mail signatures (RFC 6376).
//
// Verification is fail-closed: a signature passes only when every tag parses,
// the body hash matches, the signer's key is published and usable, the
// header signature verifies and the signature has not expired. Each
// DKIM-Signature header is evaluated independently.
//
// Supported algorithms:
//   - rsa-sha256 (RFC 6376)
//   - ed25519-sha256 (RFC 8463)
//
// rsa-sha1 is recognised only to be rejected (RFC 8301).
//
// # Basic Usage
//
//	v := dkim.NewVerifier(resolver)
//	for _, r := range v.Verify(ctx, raw) {
//	    if r.Status == dkim.StatusPass {
//	        // r.Domain vouches for the message
//	    }
//	}
//
// A Signer is provided to produce test messages.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"time"
)

// Status is the outcome of verifying one signature.
type Status string

const (
	StatusPass        Status = "pass"
	StatusFail        Status = "fail"
	StatusNoSignature Status = "nosignature"
	StatusTemperror   Status = "temperror"
)

// Reason qualifies a Fail.
type Reason string

const (
	ReasonBodyHashMismatch Reason = "body-hash-mismatch"
	ReasonSignatureInvalid Reason = "signature-invalid"
	ReasonKeyNotFound      Reason = "key-not-found"
	ReasonKeyRevoked       Reason = "key-revoked"
	ReasonExpired          Reason = "expired"
	ReasonMalformedHeader  Reason = "malformed-header"
)

// Algorithm is a DKIM signing algorithm (a= tag).
type Algorithm string

const (
	AlgRSASHA256     Algorithm = "rsa-sha256"
	AlgEd25519SHA256 Algorithm = "ed25519-sha256"

	// AlgRSASHA1 is parsed so it can be rejected explicitly.
	AlgRSASHA1 Algorithm = "rsa-sha1"
)

// keyType returns the k= value of records usable with the algorithm.
func (a Algorithm) keyType() string {
	switch a {
	case AlgRSASHA256, AlgRSASHA1:
		return "rsa"
	case AlgEd25519SHA256:
		return "ed25519"
	default:
		return ""
	}
}

// Canonicalization is a header or body canonicalization algorithm.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "simple"
	CanonRelaxed Canonicalization = "relaxed"
)

var (
	ErrNoRecord        = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords = errors.New("dkim: multiple DKIM DNS records found")
	ErrDNS             = errors.New("dkim: DNS lookup failed")
	ErrSyntax          = errors.New("dkim: syntax error in DKIM record")

	ErrHeaderMalformed         = errors.New("dkim: mail header is malformed")
	ErrMissingTag              = errors.New("dkim: missing required tag")
	ErrDuplicateTag            = errors.New("dkim: duplicate tag")
	ErrInvalidVersion          = errors.New("dkim: invalid version")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrSigAlgorithmNotAllowed  = errors.New("dkim: signature algorithm not allowed")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrFromRequired            = errors.New("dkim: From header must be signed")
	ErrDomainIdentityMismatch  = errors.New("dkim: identity not within signing domain")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrBodyHashLength          = errors.New("dkim: body hash length mismatch")
	ErrBodyLength              = errors.New("dkim: body shorter than signed length")

	ErrBodyHashMismatch = errors.New("dkim: body hash does not match")
	ErrKeyRevoked       = errors.New("dkim: key has been revoked")
	ErrKeyMismatch      = errors.New("dkim: key not usable for signature")
	ErrWeakKey          = errors.New("dkim: key is too weak")
	ErrSigVerify        = errors.New("dkim: signature verification failed")
	ErrSigExpired       = errors.New("dkim: signature has expired")
)

// Result is the outcome of verifying a single DKIM-Signature header.
type Result struct {
	Status Status `json:"status"`

	// Reason is set for StatusFail.
	Reason Reason `json:"reason,omitempty"`

	Domain    string    `json:"domain,omitempty"`
	Selector  string    `json:"selector,omitempty"`
	Algorithm Algorithm `json:"algorithm,omitempty"`
	Identity  string    `json:"identity,omitempty"`

	// KeyAuthentic is set when the key record was DNSSEC validated.
	KeyAuthentic bool `json:"keyAuthentic,omitempty"`

	// Testing is set when the key record carries t=y.
	Testing bool `json:"testing,omitempty"`

	Signature *Signature `json:"-"`
	Record    *Record    `json:"-"`
	Err       error      `json:"-"`
}

// Detail returns the error text or an empty string.
func (r Result) Detail() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}

// AnyPass reports whether at least one result passed.
func AnyPass(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusPass {
			return true
		}
	}

	return false
}

// Signed reports whether the results describe at least one signature.
func Signed(results []Result) bool {
	for _, r := range results {
		if r.Status != StatusNoSignature {
			return true
		}
	}

	return false
}

// DefaultSignedHeaders is used by Signer when no header list is given.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Reply-To",
}

// Mocked for testing expiration.
var timeNow = time.Now

var cryptoRand = rand.Reader

// signWithKey signs the SHA-256 digest of the canonical header data.
func signWithKey(key crypto.Signer, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, digest, crypto.SHA256)
	case ed25519.PrivateKey:
		// RFC 8463 signs the digest with PureEdDSA
		return k.Sign(cryptoRand, digest, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}

func verifyWithKey(key any, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, signature)
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}

		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}
