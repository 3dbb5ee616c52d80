package dmarc

import (
	"errors"
)

var (
	ErrNoRecord        = errors.New("dmarc: no DMARC DNS record found")
	ErrMultipleRecords = errors.New("dmarc: multiple DMARC DNS records found")
	ErrSyntax          = errors.New("dmarc: malformed DMARC DNS record")
	ErrDNS             = errors.New("dmarc: DNS lookup error")
	ErrInvalidDomain   = errors.New("dmarc: invalid From domain")
)

// Status is the outcome of a DMARC evaluation.
type Status string

const (
	// StatusNone: no usable DMARC record is published.
	StatusNone Status = "none"

	StatusPass Status = "pass"
	StatusFail Status = "fail"

	// StatusTemperror: the record or an input result failed transiently.
	StatusTemperror Status = "temperror"

	// StatusPermerror: the published record is malformed.
	StatusPermerror Status = "permerror"

	// StatusPublished: a record exists but no message was evaluated against
	// it, as when only the domain's posture is examined.
	StatusPublished Status = "published"
)

// Policy is the requested handling of messages failing DMARC.
type Policy string

const (
	PolicyEmpty      Policy = ""
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

func (p Policy) valid() bool {
	return p == PolicyNone || p == PolicyQuarantine || p == PolicyReject
}

// Align is an identifier alignment mode.
type Align string

const (
	AlignRelaxed Align = "r"
	AlignStrict  Align = "s"
)

// Result is the outcome of a DMARC evaluation.
type Result struct {
	Status Status `json:"status"`

	// Pass is set when SPF or DKIM passed with alignment.
	Pass bool `json:"pass"`

	// Policy is the effective policy for the From domain: sp= for
	// subdomains of the record domain when present, p= otherwise.
	// PolicyNone when no record is published.
	Policy Policy `json:"policy"`

	AlignedSPF  bool `json:"alignedSpf"`
	AlignedDKIM bool `json:"alignedDkim"`

	// FromDomain is the evaluated RFC5322.From domain.
	FromDomain string `json:"fromDomain"`

	// Domain is where the record was found, the From domain or its
	// organizational domain.
	Domain string `json:"domain,omitempty"`

	// Percentage is the pct= value. It is reported, not applied.
	Percentage int `json:"pct"`

	// Text is the raw TXT record.
	Text string `json:"record,omitempty"`

	// Authentic is set when the record was DNSSEC validated.
	Authentic bool `json:"authentic,omitempty"`

	Record *Record `json:"-"`
	Err    error   `json:"-"`
}

// Found reports whether a DMARC record was discovered.
func (r Result) Found() bool {
	return r.Record != nil
}

// Reason returns the error text or an empty string.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}
