package message

import (
	"net"
	"regexp"
	"strings"

	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/utils"
)

// SourceHelo marks the HELO name used as SPF identity of a bounce.
const SourceHelo = "helo"

var (
	ipLiteral  = regexp.MustCompile(`\[(?:IPv6:)?([0-9A-Fa-f:.]+)\]`)
	fromClause = regexp.MustCompile(`(?i)^\s*from\s+([^\s();]+)`)
)

// extractClient finds the connecting client, preferring the client-ip of
// the topmost Received-SPF and falling back to the first public IP literal
// in the Received chain, read top down.
func (m *Message) extractClient() {
	spf := ParseReceivedSPF(m.Headers.Get("Received-SPF"))

	if ip := net.ParseIP(spf["client-ip"]); ip != nil {
		m.ClientIP, m.ClientIPSource, m.Helo = ip, SourceReceivedSPF, spf["helo"]
	} else {
		for _, v := range m.Headers.GetAll("Received") {
			helo, ips := ParseReceived(v)

			if ip := firstPublic(ips); ip != nil {
				m.ClientIP, m.ClientIPSource, m.Helo = ip, SourceReceived, helo

				break
			}
		}
	}

	if m.NullSender && m.Helo != "" {
		if d, err := dns.Normalize(m.Helo); err == nil && net.ParseIP(d) == nil {
			m.EnvelopeDomain, m.EnvelopeSource = d, SourceHelo
		}
	}
}

func firstPublic(ips []net.IP) net.IP {
	for _, ip := range ips {
		if utils.IsPublicIP(ip) {
			return ip
		}
	}

	return nil
}

// ParseReceived returns the "from" name and the IP literals of a Received
// header value.
func ParseReceived(v string) (string, []net.IP) {
	var helo string
	if m := fromClause.FindStringSubmatch(v); m != nil {
		helo = m[1]
	}

	var ips []net.IP

	for _, m := range ipLiteral.FindAllStringSubmatch(v, -1) {
		if ip := net.ParseIP(m[1]); ip != nil {
			ips = append(ips, ip)
		}
	}

	return helo, ips
}

// ParseReceivedSPF returns the key=value pairs of a Received-SPF value
// (RFC 7208 section 9.1) with lower-cased keys. The leading result is
// stored under "result".
func ParseReceivedSPF(v string) map[string]string {
	out := map[string]string{}

	tokens := tokenize(stripComments(v), " \t;")
	if len(tokens) == 0 {
		return out
	}

	if !strings.Contains(tokens[0], "=") {
		out["result"] = strings.ToLower(tokens[0])
		tokens = tokens[1:]
	}

	for _, t := range tokens {
		if k, val, ok := strings.Cut(t, "="); ok {
			out[strings.ToLower(k)] = unquote(val)
		}
	}

	return out
}

// stripComments removes RFC 5322 comments, which may nest, outside quoted
// strings.
func stripComments(s string) string {
	var (
		b       strings.Builder
		depth   int
		quoted  bool
		escaped bool
	)

	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case quoted:
			if r == '"' {
				quoted = false
			}
		case r == '"' && depth == 0:
			quoted = true
		case r == '(':
			depth++

			continue
		case r == ')' && depth > 0:
			depth--

			continue
		}

		if depth == 0 {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// tokenize splits s at any of seps outside quoted strings.
func tokenize(s, seps string) []string {
	var (
		tokens []string
		cur    strings.Builder
		quoted bool
	)

	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case !quoted && strings.ContainsRune(seps, r):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}

			continue
		}

		cur.WriteRune(r)
	}

	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}

	return tokens
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}

	return s
}
