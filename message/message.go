// Package message extracts the identities an authentication analysis
// needs from a raw RFC 5322 message: the From domain, the envelope
// sender, the connecting client as recorded by trace headers, and the raw
// header block and body for DKIM.
package message

import (
	"bytes"
	"errors"
	"net"
	"strings"

	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/utils"
)

var (
	ErrEmpty          = errors.New("empty message")
	ErrNoHeaders      = errors.New("no header section")
	ErrHeaderSyntax   = errors.New("malformed header")
	ErrNoFrom         = errors.New("no From header")
	ErrMultipleFrom   = errors.New("multiple From domains")
	ErrInvalidAddress = errors.New("invalid address")
)

// ParseError reports input that could not be analyzed at all, as opposed
// to a message that was analyzed and found wanting.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return "message: " + e.Err.Error()
	}

	return "message: " + e.Err.Error() + ": " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(err error, reason string) *ParseError {
	return &ParseError{Reason: reason, Err: err}
}

// Sources of the envelope identity and client address.
const (
	SourceReturnPath  = "return-path"
	SourceReceivedSPF = "received-spf"
	SourceReceived    = "received"
	SourceFrom        = "from"

	// SourceOverride marks a client IP supplied by the caller.
	SourceOverride = "override"
)

// Message is a parsed message.
type Message struct {
	// Header is the raw header block with CRLF line endings, including the
	// CRLF that ends the last field.
	Header []byte `json:"-"`
	Body   []byte `json:"-"`

	Headers Headers `json:"-"`

	From MailboxAddress `json:"from"`

	// FromDomain is the normalized (A-label) domain of From.
	FromDomain string `json:"fromDomain"`

	ReturnPath *MailboxAddress `json:"returnPath,omitempty"`
	NullSender bool            `json:"nullSender,omitempty"`

	// EnvelopeDomain is the SPF identity: the Return-Path domain, else the
	// envelope-from of Received-SPF, else FromDomain.
	EnvelopeDomain string `json:"envelopeDomain"`
	EnvelopeSource string `json:"envelopeSource"`

	// Sender is the local-part of the envelope sender.
	Sender string `json:"-"`

	Helo           string `json:"helo,omitempty"`
	ClientIP       net.IP `json:"clientIp,omitempty"`
	ClientIPSource string `json:"clientIpSource,omitempty"`

	AuthResults []AuthResult `json:"authenticationResults,omitempty"`

	DKIMSignatures int `json:"dkimSignatures"`

	// International is set when From carries non-ASCII characters.
	International bool `json:"international,omitempty"`
}

// Parse parses a raw message. Bare LF line endings are accepted. A
// returned error is always a *ParseError.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, parseError(ErrEmpty, "")
	}

	data := normalizeNewlines(raw)

	var header, body []byte

	switch idx := bytes.Index(data, []byte("\r\n\r\n")); {
	case bytes.HasPrefix(data, []byte("\r\n")):
		return nil, parseError(ErrNoHeaders, "message starts with an empty line")
	case idx < 0:
		header = data
		if !bytes.HasSuffix(header, []byte("\r\n")) {
			header = append(header[:len(header):len(header)], '\r', '\n')
		}
	default:
		header, body = data[:idx+2], data[idx+4:]
	}

	headers, err := parseHeaders(header)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: header, Body: body, Headers: headers}

	if err := m.extractFrom(); err != nil {
		return nil, err
	}

	m.extractEnvelope()
	m.extractClient()

	for _, v := range headers.GetAll("Authentication-Results") {
		if ar, ok := ParseAuthResults(v); ok {
			m.AuthResults = append(m.AuthResults, ar...)
		}
	}

	m.DKIMSignatures = len(headers.GetAll("DKIM-Signature"))

	return m, nil
}

// WithDomain returns a copy of m analyzed as if From carried domain.
func (m *Message) WithDomain(domain string) (*Message, error) {
	d, err := dns.Normalize(domain)
	if err != nil {
		return nil, parseError(ErrInvalidAddress, err.Error())
	}

	c := *m
	if c.EnvelopeSource == SourceFrom {
		c.EnvelopeDomain = d
	}

	c.FromDomain = d
	c.From.Domain = d

	return &c, nil
}

// WithClientIP returns a copy of m with ip as the connecting client,
// replacing whatever the trace headers said.
func (m *Message) WithClientIP(ip net.IP) *Message {
	c := *m
	c.ClientIP, c.ClientIPSource = ip, SourceOverride

	return &c
}

func (m *Message) extractFrom() error {
	froms := m.Headers.GetAll("From")

	switch len(froms) {
	case 0:
		return parseError(ErrNoFrom, "")
	case 1:
	default:
		return parseError(ErrMultipleFrom, "more than one From header")
	}

	addrs, err := ParseAddressList(froms[0])
	if err != nil {
		return parseError(ErrInvalidAddress, err.Error())
	}

	var domain string

	for i, a := range addrs {
		d, err := dns.Normalize(a.Domain)
		if err != nil {
			return parseError(ErrInvalidAddress, err.Error())
		}

		if i > 0 && d != domain {
			return parseError(ErrMultipleFrom, froms[0])
		}

		domain = d
	}

	m.From = addrs[0]
	m.FromDomain = domain
	m.International = utils.ContainsNonASCII(froms[0])

	return nil
}

func (m *Message) extractEnvelope() {
	m.EnvelopeDomain, m.EnvelopeSource, m.Sender = m.FromDomain, SourceFrom, m.From.LocalPart

	if rp := m.Headers.Get("Return-Path"); rp != "" {
		if strings.TrimSpace(rp) == "<>" {
			m.NullSender = true
			m.ReturnPath = &MailboxAddress{}
		} else if a, err := ParseAddress(rp); err == nil {
			if d, err := dns.Normalize(a.Domain); err == nil {
				m.ReturnPath = &a
				m.EnvelopeDomain, m.EnvelopeSource, m.Sender = d, SourceReturnPath, a.LocalPart

				return
			}
		}
	}

	spf := ParseReceivedSPF(m.Headers.Get("Received-SPF"))

	if from := spf["envelope-from"]; from != "" && !m.NullSender {
		if a, err := ParseAddress(from); err == nil {
			if d, err := dns.Normalize(a.Domain); err == nil {
				m.EnvelopeDomain, m.EnvelopeSource, m.Sender = d, SourceReceivedSPF, a.LocalPart
			}
		}
	}

	if m.NullSender {
		// SPF checks the HELO identity for bounces
		m.Sender = "postmaster"
	}
}
