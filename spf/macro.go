package spf

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// macro is a parsed %{...} expression.
type macro struct {
	letter  byte
	upper   bool
	labels  int
	reverse bool
	delims  string
}

func parseMacro(body string) (macro, error) {
	var m macro

	if body == "" {
		return m, fmt.Errorf("%w: empty macro", ErrMacroSyntax)
	}

	c := body[0]
	if c >= 'A' && c <= 'Z' {
		m.upper = true
		c += 'a' - 'A'
	}

	if !strings.ContainsRune("slodiphcrtv", rune(c)) {
		return m, fmt.Errorf("%w: unknown macro letter %q", ErrMacroSyntax, body[0])
	}

	m.letter = c
	rest := body[1:]

	n := 0
	for n < len(rest) && isDigit(rest[n]) {
		n++
	}

	if n > 0 {
		v, err := strconv.Atoi(rest[:n])
		if err != nil || v == 0 {
			return m, fmt.Errorf("%w: invalid label count %q", ErrMacroSyntax, rest[:n])
		}

		m.labels = v
		rest = rest[n:]
	}

	if rest != "" && (rest[0] == 'r' || rest[0] == 'R') {
		m.reverse = true
		rest = rest[1:]
	}

	for i := 0; i < len(rest); i++ {
		if !strings.ContainsRune(".-+,/_=", rune(rest[i])) {
			return m, fmt.Errorf("%w: invalid delimiter %q", ErrMacroSyntax, rest[i])
		}
	}

	m.delims = rest

	return m, nil
}

// macroEnv holds the values macros expand to.
type macroEnv struct {
	sender string // local-part
	domain string // sender domain (%o)
	target string // current domain (%d)
	ip     net.IP
	helo   string
}

// expand expands the macros of a domain-spec. When forDNS is set the
// explanation-only letters c, r and t are rejected and the result is
// truncated to 253 characters by dropping labels from the left.
func (env macroEnv) expand(spec string, forDNS bool) (string, error) {
	var b strings.Builder

	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c != '%' {
			b.WriteByte(c)

			continue
		}

		if i+1 >= len(spec) {
			return "", fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}

		i++

		switch spec[i] {
		case '%':
			b.WriteByte('%')

			continue
		case '_':
			b.WriteByte(' ')

			continue
		case '-':
			b.WriteString("%20")

			continue
		case '{':
		default:
			return "", fmt.Errorf("%w: invalid escape %%%c", ErrMacroSyntax, spec[i])
		}

		end := strings.IndexByte(spec[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated macro", ErrMacroSyntax)
		}

		m, err := parseMacro(spec[i+1 : i+end])
		if err != nil {
			return "", err
		}

		i += end

		v, err := env.value(m.letter, forDNS)
		if err != nil {
			return "", err
		}

		b.WriteString(m.transform(v))
	}

	result := b.String()
	if !forDNS {
		return result, nil
	}

	result = strings.TrimSuffix(result, ".")
	for len(result) > 253 {
		dot := strings.IndexByte(result, '.')
		if dot < 0 {
			return "", fmt.Errorf("%w: expanded domain too long", ErrInvalidDomain)
		}

		result = result[dot+1:]
	}

	return result, nil
}

func (env macroEnv) value(letter byte, forDNS bool) (string, error) {
	switch letter {
	case 's':
		return env.sender + "@" + env.domain, nil
	case 'l':
		return env.sender, nil
	case 'o':
		return env.domain, nil
	case 'd':
		return env.target, nil
	case 'i':
		return expandIP(env.ip), nil
	case 'p':
		// validated PTR names are not looked up for macros
		return "unknown", nil
	case 'v':
		if env.ip.To4() != nil {
			return "in-addr", nil
		}

		return "ip6", nil
	case 'h':
		return env.helo, nil
	}

	if forDNS {
		return "", fmt.Errorf("%w: macro %%{%c} only allowed in exp", ErrMacroSyntax, letter)
	}

	switch letter {
	case 't':
		return strconv.FormatInt(timeNow().Unix(), 10), nil
	case 'c':
		if env.ip == nil {
			return "", nil
		}

		return env.ip.String(), nil
	default:
		return "unknown", nil
	}
}

func (m macro) transform(v string) string {
	if m.labels > 0 || m.reverse || m.delims != "" {
		delims := m.delims
		if delims == "" {
			delims = "."
		}

		parts := strings.FieldsFunc(v, func(r rune) bool {
			return strings.ContainsRune(delims, r)
		})

		if m.reverse {
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
		}

		if m.labels > 0 && m.labels < len(parts) {
			parts = parts[len(parts)-m.labels:]
		}

		v = strings.Join(parts, ".")
	}

	if m.upper {
		v = url.QueryEscape(v)
	}

	return v
}

// expandIP expands an IP address for the "i" macro: dotted quad for IPv4,
// dot separated nibbles for IPv6.
func expandIP(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}

	ip6 := ip.To16()
	if ip6 == nil {
		return ""
	}

	var b strings.Builder

	for i, by := range ip6 {
		if i > 0 {
			b.WriteByte('.')
		}

		fmt.Fprintf(&b, "%x.%x", by>>4, by&0xf)
	}

	return b.String()
}
