package spf

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SPF record parsing errors.
var (
	ErrRecordSyntax     = errors.New("spf: malformed SPF record")
	ErrInvalidMechanism = errors.New("spf: invalid mechanism")
	ErrInvalidCIDR      = errors.New("spf: invalid CIDR length")
	ErrInvalidIP        = errors.New("spf: invalid IP address")
)

// Qualifier is the prefix of a directive that selects the result on match.
type Qualifier byte

const (
	QualifierPass     Qualifier = '+'
	QualifierFail     Qualifier = '-'
	QualifierSoftfail Qualifier = '~'
	QualifierNeutral  Qualifier = '?'
)

// Status returns the result a matching directive with this qualifier produces.
func (q Qualifier) Status() Status {
	switch q {
	case QualifierFail:
		return StatusFail
	case QualifierSoftfail:
		return StatusSoftfail
	case QualifierNeutral:
		return StatusNeutral
	default:
		return StatusPass
	}
}

// Mechanism names a directive type.
type Mechanism string

const (
	MechanismAll     Mechanism = "all"
	MechanismInclude Mechanism = "include"
	MechanismA       Mechanism = "a"
	MechanismMX      Mechanism = "mx"
	MechanismPTR     Mechanism = "ptr"
	MechanismIP4     Mechanism = "ip4"
	MechanismIP6     Mechanism = "ip6"
	MechanismExists  Mechanism = "exists"
)

// countsLookup reports whether the mechanism consumes the DNS lookup budget.
func (m Mechanism) countsLookup() bool {
	switch m {
	case MechanismInclude, MechanismA, MechanismMX, MechanismPTR, MechanismExists:
		return true
	}

	return false
}

// Record is a parsed SPF DNS record.
//
//	v=spf1 +mx a:colo.example.com/28 -all
type Record struct {
	Directives []Directive

	// Redirect is the target of the "redirect=" modifier, if any.
	Redirect string

	// Explanation is the "exp=" modifier. It is parsed but not fetched.
	Explanation string

	// Other contains unknown modifiers, which are ignored during evaluation.
	Other []Modifier
}

// Directive is one mechanism of a record together with its qualifier.
type Directive struct {
	Qualifier Qualifier
	Mechanism Mechanism

	// DomainSpec is the (possibly macro bearing) target of include, a,
	// mx, ptr and exists. Empty means the current domain.
	DomainSpec string

	// Net is set for ip4 and ip6.
	Net *net.IPNet

	// CIDR4 and CIDR6 are the dual-cidr-length of a and mx.
	CIDR4 int
	CIDR6 int

	raw string
}

// String returns the directive as written in the record, e.g. "-all" or
// "include:_spf.example.com".
func (d Directive) String() string {
	return d.raw
}

// Modifier is a name=value term other than redirect and exp.
type Modifier struct {
	Key   string
	Value string
}

// IsSPF reports whether a TXT record announces itself as SPF version 1:
// it is exactly "v=spf1" or starts with "v=spf1 ".
func IsSPF(txt string) bool {
	if len(txt) < 6 || !strings.EqualFold(txt[:6], "v=spf1") {
		return false
	}

	return len(txt) == 6 || txt[6] == ' '
}

// ParseRecord parses an SPF TXT record. The record must satisfy IsSPF.
func ParseRecord(txt string) (*Record, error) {
	if !IsSPF(txt) {
		return nil, fmt.Errorf("%w: missing v=spf1", ErrRecordSyntax)
	}

	r := &Record{}

	for _, term := range strings.Fields(txt[6:]) {
		if name, value, ok := splitModifier(term); ok {
			if err := r.addModifier(name, value); err != nil {
				return nil, err
			}

			continue
		}

		d, err := parseDirective(term)
		if err != nil {
			return nil, err
		}

		r.Directives = append(r.Directives, d)
	}

	return r, nil
}

// splitModifier recognizes name=value terms. The name must start with a
// letter and must not contain ':' or '/', which would make it a mechanism.
func splitModifier(term string) (name, value string, ok bool) {
	eq := strings.IndexByte(term, '=')
	if eq <= 0 {
		return "", "", false
	}

	name = term[:eq]
	if !isAlpha(name[0]) {
		return "", "", false
	}

	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isAlpha(c) && !isDigit(c) && c != '-' && c != '_' && c != '.' {
			return "", "", false
		}
	}

	return strings.ToLower(name), term[eq+1:], true
}

func (r *Record) addModifier(name, value string) error {
	switch name {
	case "redirect":
		if r.Redirect != "" {
			return fmt.Errorf("%w: duplicate redirect modifier", ErrRecordSyntax)
		}

		if err := validateDomainSpec(value); err != nil {
			return err
		}

		r.Redirect = value
	case "exp":
		if r.Explanation != "" {
			return fmt.Errorf("%w: duplicate exp modifier", ErrRecordSyntax)
		}

		if err := validateDomainSpec(value); err != nil {
			return err
		}

		r.Explanation = value
	default:
		if err := validateMacroString(value); err != nil {
			return err
		}

		r.Other = append(r.Other, Modifier{Key: name, Value: value})
	}

	return nil
}

func parseDirective(term string) (Directive, error) {
	d := Directive{Qualifier: QualifierPass, raw: term, CIDR4: 32, CIDR6: 128}

	rest := term

	switch q := Qualifier(rest[0]); q {
	case QualifierPass, QualifierFail, QualifierSoftfail, QualifierNeutral:
		d.Qualifier = q
		rest = rest[1:]
	}

	end := strings.IndexAny(rest, ":/")
	if end < 0 {
		end = len(rest)
	}

	d.Mechanism = Mechanism(strings.ToLower(rest[:end]))
	arg := rest[end:]

	switch d.Mechanism {
	case MechanismAll:
		if arg != "" {
			return d, fmt.Errorf("%w: %q takes no argument", ErrInvalidMechanism, term)
		}
	case MechanismInclude, MechanismExists:
		if !strings.HasPrefix(arg, ":") || len(arg) == 1 {
			return d, fmt.Errorf("%w: %q requires a domain", ErrInvalidMechanism, term)
		}

		d.DomainSpec = arg[1:]

		if err := validateDomainSpec(d.DomainSpec); err != nil {
			return d, err
		}
	case MechanismA, MechanismMX:
		spec, cidr := splitCIDR(arg)
		if strings.HasPrefix(spec, ":") {
			d.DomainSpec = spec[1:]

			if err := validateDomainSpec(d.DomainSpec); err != nil {
				return d, err
			}
		} else if spec != "" {
			return d, fmt.Errorf("%w: %q", ErrInvalidMechanism, term)
		}

		if err := d.parseDualCIDR(cidr); err != nil {
			return d, err
		}
	case MechanismPTR:
		if strings.HasPrefix(arg, ":") {
			d.DomainSpec = arg[1:]

			if err := validateDomainSpec(d.DomainSpec); err != nil {
				return d, err
			}
		} else if arg != "" {
			return d, fmt.Errorf("%w: %q", ErrInvalidMechanism, term)
		}
	case MechanismIP4, MechanismIP6:
		if !strings.HasPrefix(arg, ":") {
			return d, fmt.Errorf("%w: %q requires an address", ErrInvalidIP, term)
		}

		n, err := parseIPNet(d.Mechanism, arg[1:])
		if err != nil {
			return d, fmt.Errorf("%w: %q", err, term)
		}

		d.Net = n
	default:
		return d, fmt.Errorf("%w: unknown mechanism %q", ErrInvalidMechanism, term)
	}

	return d, nil
}

// splitCIDR separates a trailing "/n", "//n" or "/n//m" from a domain spec.
// Macro delimiters may contain '/', so only the last run is considered.
func splitCIDR(arg string) (spec, cidr string) {
	i := strings.LastIndex(arg, "}")

	slash := strings.IndexByte(arg[i+1:], '/')
	if slash < 0 {
		return arg, ""
	}

	slash += i + 1

	return arg[:slash], arg[slash:]
}

func (d *Directive) parseDualCIDR(s string) error {
	if s == "" {
		return nil
	}

	v4, v6, hasV6 := strings.Cut(s, "//")

	if v4 != "" {
		if !strings.HasPrefix(v4, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}

		n, err := parseCIDRLen(v4[1:], 32)
		if err != nil {
			return err
		}

		d.CIDR4 = n
	}

	if hasV6 {
		n, err := parseCIDRLen(v6, 128)
		if err != nil {
			return err
		}

		d.CIDR6 = n
	}

	return nil
}

func parseCIDRLen(s string, max int) (int, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}

	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil || n > max {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}

	return n, nil
}

func parseIPNet(m Mechanism, s string) (*net.IPNet, error) {
	addr, prefix, hasPrefix := strings.Cut(s, "/")

	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, ErrInvalidIP
	}

	bits := 128
	if m == MechanismIP4 {
		if ip = ip.To4(); ip == nil || strings.Contains(addr, ":") {
			return nil, ErrInvalidIP
		}

		bits = 32
	} else if !strings.Contains(addr, ":") {
		return nil, ErrInvalidIP
	}

	ones := bits
	if hasPrefix {
		n, err := parseCIDRLen(prefix, bits)
		if err != nil {
			return nil, err
		}

		ones = n
	}

	mask := net.CIDRMask(ones, bits)

	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}

// validateDomainSpec checks macro syntax and, for a literal ending, the
// top label (RFC 7208 section 7.1 domain-end).
func validateDomainSpec(spec string) error {
	if err := validateMacroString(spec); err != nil {
		return err
	}

	if strings.HasSuffix(spec, "}") {
		return nil
	}

	labels := strings.Split(strings.TrimSuffix(spec, "."), ".")
	top := labels[len(labels)-1]

	if len(labels) < 2 || top == "" {
		return fmt.Errorf("%w: invalid domain %q", ErrRecordSyntax, spec)
	}

	digits := 0

	for i := 0; i < len(top); i++ {
		c := top[i]

		switch {
		case isAlpha(c):
		case isDigit(c):
			digits++
		case c == '-' && i > 0 && i < len(top)-1:
		default:
			return fmt.Errorf("%w: invalid top label in %q", ErrRecordSyntax, spec)
		}
	}

	if digits == len(top) {
		return fmt.Errorf("%w: numeric top label in %q", ErrRecordSyntax, spec)
	}

	return nil
}

// validateMacroString checks that every '%' starts a well formed macro.
func validateMacroString(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '!' || c > '~' {
			return fmt.Errorf("%w: invalid character in %q", ErrRecordSyntax, s)
		}

		if c != '%' {
			continue
		}

		if i+1 >= len(s) {
			return fmt.Errorf("%w: trailing %% in %q", ErrMacroSyntax, s)
		}

		i++

		switch s[i] {
		case '%', '_', '-':
			continue
		case '{':
		default:
			return fmt.Errorf("%w: invalid escape %%%c", ErrMacroSyntax, s[i])
		}

		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return fmt.Errorf("%w: unterminated macro in %q", ErrMacroSyntax, s)
		}

		if _, err := parseMacro(s[i+1 : i+end]); err != nil {
			return err
		}

		i += end
	}

	return nil
}

func isAlpha(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
