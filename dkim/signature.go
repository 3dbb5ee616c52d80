package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature is a parsed DKIM-Signature header (RFC 6376 section 3.5).
type Signature struct {
	Version       int
	Algorithm     Algorithm
	Signature     []byte // b=
	BodyHash      []byte // bh=
	Domain        string
	Selector      string
	SignedHeaders []string

	HeaderCanon Canonicalization
	BodyCanon   Canonicalization

	Identity     string   // i=, empty when absent
	Length       int64    // l=, -1 when absent
	QueryMethods []string // q=
	SignTime     int64    // t=, -1 when absent
	ExpireTime   int64    // x=, -1 when absent
}

func newSignature() *Signature {
	return &Signature{
		Version:     1,
		HeaderCanon: CanonSimple,
		BodyCanon:   CanonSimple,
		Length:      -1,
		SignTime:    -1,
		ExpireTime:  -1,
	}
}

// Expired reports whether x= lies in the past.
func (s *Signature) Expired() bool {
	return s.ExpireTime >= 0 && timeNow().Unix() > s.ExpireTime
}

// requiredTags must all be present in a signature.
var requiredTags = []string{"v", "a", "b", "bh", "c", "d", "h", "s"}

// ParseSignature parses a complete DKIM-Signature header, name included.
// Besides the signature it returns the header with the b= value removed,
// which is the form covered by the signature itself.
func ParseSignature(header string) (*Signature, string, error) {
	header = strings.TrimSuffix(header, "\r\n")

	name, value, ok := strings.Cut(header, ":")
	if !ok || !strings.EqualFold(strings.TrimRight(name, " \t"), "DKIM-Signature") {
		return nil, "", fmt.Errorf("%w: not a DKIM-Signature header", ErrHeaderMalformed)
	}

	sig := newSignature()
	seen := map[string]bool{}

	for _, part := range strings.Split(unfoldHeader(value), ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, "", fmt.Errorf("%w: tag without value %q", ErrHeaderMalformed, part)
		}

		tag = strings.TrimSpace(tag)
		val = strings.TrimSpace(val)

		if seen[tag] {
			return nil, "", fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}

		seen[tag] = true

		if err := sig.setTag(tag, val); err != nil {
			return nil, "", err
		}
	}

	for _, tag := range requiredTags {
		if !seen[tag] {
			return nil, "", fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}

	if err := sig.validate(); err != nil {
		return nil, "", err
	}

	return sig, stripSignatureValue(header), nil
}

func (s *Signature) setTag(tag, val string) error {
	var err error

	switch tag {
	case "v":
		if val != "1" {
			return fmt.Errorf("%w: %q", ErrInvalidVersion, val)
		}
	case "a":
		s.Algorithm = Algorithm(strings.ToLower(val))
	case "b":
		s.Signature, err = decodeBase64(val)
	case "bh":
		s.BodyHash, err = decodeBase64(val)
	case "c":
		head, body, hasBody := strings.Cut(strings.ToLower(val), "/")
		s.HeaderCanon = Canonicalization(head)

		if hasBody {
			s.BodyCanon = Canonicalization(body)
		}
	case "d":
		s.Domain = strings.ToLower(strings.TrimSuffix(val, "."))
	case "h":
		s.SignedHeaders = splitList(val, ":")
	case "i":
		s.Identity = val
	case "l":
		s.Length, err = parseUint(val)
	case "q":
		s.QueryMethods = splitList(val, ":")
	case "s":
		s.Selector = strings.ToLower(val)
	case "t":
		s.SignTime, err = parseUint(val)
	case "x":
		s.ExpireTime, err = parseUint(val)
	}

	if err != nil {
		return fmt.Errorf("%w: %s=: %v", ErrHeaderMalformed, tag, err)
	}

	return nil
}

func (s *Signature) validate() error {
	switch s.Algorithm {
	case AlgRSASHA256, AlgEd25519SHA256:
	case AlgRSASHA1:
		return fmt.Errorf("%w: %s", ErrSigAlgorithmNotAllowed, s.Algorithm)
	default:
		return fmt.Errorf("%w: %q", ErrSigAlgorithmUnknown, s.Algorithm)
	}

	for _, c := range []Canonicalization{s.HeaderCanon, s.BodyCanon} {
		if c != CanonSimple && c != CanonRelaxed {
			return fmt.Errorf("%w: %q", ErrCanonicalizationUnknown, c)
		}
	}

	if len(s.BodyHash) != 32 {
		return fmt.Errorf("%w: %d bytes", ErrBodyHashLength, len(s.BodyHash))
	}

	if s.Domain == "" || s.Selector == "" || len(s.Signature) == 0 {
		return fmt.Errorf("%w: empty d=, s= or b=", ErrHeaderMalformed)
	}

	hasFrom := false

	for _, h := range s.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true

			break
		}
	}

	if !hasFrom {
		return ErrFromRequired
	}

	if s.Identity != "" {
		at := strings.LastIndexByte(s.Identity, '@')
		if at < 0 {
			return fmt.Errorf("%w: %q", ErrDomainIdentityMismatch, s.Identity)
		}

		idDomain := strings.ToLower(s.Identity[at+1:])
		if idDomain != s.Domain && !strings.HasSuffix(idDomain, "."+s.Domain) {
			return fmt.Errorf("%w: %s not under %s", ErrDomainIdentityMismatch, idDomain, s.Domain)
		}
	}

	if len(s.QueryMethods) > 0 {
		ok := false

		for _, m := range s.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				ok = true
			}
		}

		if !ok {
			return ErrQueryMethod
		}
	}

	if s.SignTime >= 0 && s.ExpireTime >= 0 && s.ExpireTime < s.SignTime {
		return fmt.Errorf("%w: x= before t=", ErrHeaderMalformed)
	}

	return nil
}

// stripSignatureValue empties the b= tag of a raw header, keeping every
// other byte, folding included, in place.
func stripSignatureValue(header string) string {
	colon := strings.IndexByte(header, ':')

	var b strings.Builder

	b.WriteString(header[:colon+1])

	for i, part := range strings.Split(header[colon+1:], ";") {
		if i > 0 {
			b.WriteByte(';')
		}

		if eq := strings.IndexByte(part, '='); eq >= 0 && strings.Trim(part[:eq], " \t\r\n") == "b" {
			b.WriteString(part[:eq+1])

			continue
		}

		b.WriteString(part)
	}

	return b.String()
}

func unfoldHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")

	return strings.ReplaceAll(s, "\n", "")
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}

		return r
	}, s))
}

func splitList(s, sep string) []string {
	var out []string

	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

func parseUint(s string) (int64, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("not a number: %q", s)
	}

	return strconv.ParseInt(s, 10, 64)
}

// headerWriter folds a generated DKIM-Signature header at 76 columns.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+len(text) > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}

	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that may be broken at any position.
func (w *headerWriter) addWrap(data string) {
	const maxLen = 76

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}

		n = min(n, len(data))
		w.b.WriteString(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// Header renders the signature as a DKIM-Signature header without the
// trailing CRLF. With includeSignature false the b= value is left empty.
func (s *Signature) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "a=%s;", s.Algorithm)
	w.addf(" ", "c=%s/%s;", s.HeaderCanon, s.BodyCanon)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)

	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}

	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}

	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}

		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}

		w.add(sep, h)
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))
	w.add(" ", "b=")

	if includeSignature {
		w.addWrap(base64.StdEncoding.EncodeToString(s.Signature))
	}

	return w.b.String()
}
