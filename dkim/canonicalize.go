package dkim

import (
	"bytes"
	"crypto/sha256"
	"strings"
)

var crlf = []byte("\r\n")

// headerData is one header field of the message.
type headerData struct {
	key  string // as written
	lkey string // lower-cased
	raw  []byte // name, colon, value and folding, without the final CRLF
}

// normalizeNewlines turns bare LF line endings into CRLF.
func normalizeNewlines(b []byte) []byte {
	if bytes.Count(b, []byte("\n")) == bytes.Count(b, crlf) {
		return b
	}

	out := make([]byte, 0, len(b)+bytes.Count(b, []byte("\n")))

	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}

		out = append(out, c)
	}

	return out
}

// splitMessage separates a CRLF message into its header fields and body.
// A message without a blank line has an empty body.
func splitMessage(msg []byte) ([]headerData, []byte, error) {
	var (
		headers []headerData
		current *headerData
		rest    = msg
	)

	for len(rest) > 0 {
		var line []byte

		if i := bytes.Index(rest, crlf); i >= 0 {
			line, rest = rest[:i], rest[i+2:]
		} else {
			line, rest = rest, nil
		}

		if len(line) == 0 {
			return headers, rest, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			if current == nil {
				return nil, nil, ErrHeaderMalformed
			}

			current.raw = append(append(current.raw, crlf...), line...)

			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, nil, ErrHeaderMalformed
		}

		key := strings.TrimRight(string(line[:colon]), " \t")
		for _, c := range key {
			if c <= ' ' || c >= 0x7f {
				return nil, nil, ErrHeaderMalformed
			}
		}

		headers = append(headers, headerData{key: key, lkey: strings.ToLower(key), raw: bytes.Clone(line)})
		current = &headers[len(headers)-1]
	}

	return headers, nil, nil
}

// canonicalHeaderRelaxed applies relaxed header canonicalization: lower-case
// name, unfolded value with whitespace runs collapsed and trimmed.
func canonicalHeaderRelaxed(header string) (string, error) {
	name, value, ok := strings.Cut(header, ":")
	if !ok {
		return "", ErrHeaderMalformed
	}

	value = strings.ReplaceAll(value, "\r\n", "")

	return strings.ToLower(strings.TrimRight(name, " \t")) + ":" + string(collapseWSP([]byte(strings.TrimSpace(value)))), nil
}

func collapseWSP(line []byte) []byte {
	out := make([]byte, 0, len(line))
	prevWS := false

	for _, c := range line {
		if c == ' ' || c == '\t' {
			if !prevWS {
				out = append(out, ' ')
			}

			prevWS = true

			continue
		}

		out = append(out, c)
		prevWS = false
	}

	return out
}

// canonicalBody canonicalizes a CRLF body. Trailing empty lines are dropped
// by both algorithms; simple keeps a single CRLF for an empty body.
func canonicalBody(c Canonicalization, body []byte) []byte {
	lines := bytes.Split(body, crlf)

	if c == CanonRelaxed {
		for i, l := range lines {
			lines[i] = bytes.TrimRight(collapseWSP(l), " ")
		}
	}

	n := len(lines)
	for n > 0 && len(lines[n-1]) == 0 {
		n--
	}

	var out bytes.Buffer

	for _, l := range lines[:n] {
		out.Write(l)
		out.Write(crlf)
	}

	if c == CanonSimple && n == 0 {
		out.Write(crlf)
	}

	return out.Bytes()
}

// bodyHash hashes the canonical body, truncated to length when it is
// not negative.
func bodyHash(c Canonicalization, body []byte, length int64) ([]byte, error) {
	canonical := canonicalBody(c, body)

	if length >= 0 {
		if length > int64(len(canonical)) {
			return nil, ErrBodyLength
		}

		canonical = canonical[:length]
	}

	sum := sha256.Sum256(canonical)

	return sum[:], nil
}

// headerHash hashes the signed headers in h= order followed by the
// signature header. Repeated names consume occurrences from the bottom up
// and names with no remaining occurrence contribute nothing.
func headerHash(c Canonicalization, headers []headerData, signed []string, sigHeader string) ([]byte, error) {
	h := sha256.New()

	byName := map[string][]headerData{}
	for i := len(headers) - 1; i >= 0; i-- {
		byName[headers[i].lkey] = append(byName[headers[i].lkey], headers[i])
	}

	write := func(raw string) error {
		if c == CanonRelaxed {
			canonical, err := canonicalHeaderRelaxed(raw)
			if err != nil {
				return err
			}

			raw = canonical
		}

		h.Write([]byte(raw))

		return nil
	}

	for _, name := range signed {
		lname := strings.ToLower(name)

		occurrences := byName[lname]
		if len(occurrences) == 0 {
			continue
		}

		byName[lname] = occurrences[1:]

		if err := write(string(occurrences[0].raw)); err != nil {
			return nil, err
		}

		h.Write(crlf)
	}

	if err := write(sigHeader); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}
