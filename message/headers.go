package message

import (
	"bytes"
	"strings"

	"github.com/synqronlabs/mailverdict/utils"
)

// Header is one header field with its value unfolded.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers keeps the fields in message order, topmost first.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return hdr.Value
		}
	}

	return ""
}

// GetAll returns all header values with the given name (case-insensitive).
func (h Headers) GetAll(name string) []string {
	var values []string

	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}

	return values
}

// parseHeaders splits a CRLF terminated header block into fields. Folded
// lines are joined with a single space.
func parseHeaders(block []byte) (Headers, error) {
	headers := make(Headers, 0, max(len(block)/50, 8))

	var name, value string

	flush := func() {
		if name != "" {
			headers = append(headers, Header{Name: name, Value: value})
		}
	}

	for _, line := range bytes.Split(bytes.TrimSuffix(block, []byte("\r\n")), []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if name == "" {
				return nil, parseError(ErrHeaderSyntax, "continuation line before the first field")
			}

			value = strings.TrimSpace(value + " " + strings.TrimSpace(string(line)))

			continue
		}

		flush()

		n, v, ok := strings.Cut(string(line), ":")
		n = strings.TrimRight(n, " \t")

		if !ok || n == "" || strings.ContainsAny(n, " \t") {
			return nil, parseError(ErrHeaderSyntax, "line without field name: "+truncate(string(line), 40))
		}

		name, value = n, strings.TrimSpace(v)
	}

	flush()

	if len(headers) == 0 {
		return nil, parseError(ErrNoHeaders, "")
	}

	return headers, nil
}

func normalizeNewlines(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
