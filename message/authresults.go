package message

import (
	"strings"
)

// AuthResult is one method result of an Authentication-Results header
// (RFC 8601). It is reported as evidence only: the header is written by
// whichever hop claims to have checked, so nothing here is trusted.
type AuthResult struct {
	Server string            `json:"server"`
	Method string            `json:"method"`
	Result string            `json:"result"`
	Reason string            `json:"reason,omitempty"`
	Props  map[string]string `json:"props,omitempty"`
}

// ParseAuthResults parses one Authentication-Results value. It returns
// false when the value has no authserv-id.
func ParseAuthResults(v string) ([]AuthResult, bool) {
	parts := tokenize(stripComments(v), ";")
	if len(parts) == 0 {
		return nil, false
	}

	id := strings.Fields(parts[0])
	if len(id) == 0 {
		return nil, false
	}

	server := strings.ToLower(id[0])

	var results []AuthResult

	for _, part := range parts[1:] {
		fields := tokenize(part, " \t")
		if len(fields) == 0 || strings.EqualFold(fields[0], "none") {
			continue
		}

		method, result, ok := strings.Cut(fields[0], "=")
		if !ok {
			continue
		}

		method, _, _ = strings.Cut(method, "/")

		ar := AuthResult{Server: server, Method: strings.ToLower(method), Result: strings.ToLower(unquote(result))}

		for _, f := range fields[1:] {
			k, val, ok := strings.Cut(f, "=")
			if !ok {
				continue
			}

			if strings.EqualFold(k, "reason") {
				ar.Reason = unquote(val)

				continue
			}

			if ar.Props == nil {
				ar.Props = map[string]string{}
			}

			ar.Props[strings.ToLower(k)] = unquote(val)
		}

		results = append(results, ar)
	}

	return results, true
}
