package spf

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// examples from RFC 7208 section 7.4
func TestMacroExpansion(t *testing.T) {
	env := macroEnv{
		sender: "strong-bad",
		domain: "email.example.com",
		target: "email.example.com",
		ip:     net.ParseIP("192.0.2.3"),
		helo:   "mx.example.org",
	}

	tests := []struct {
		spec string
		want string
	}{
		{"%{s}", "strong-bad@email.example.com"},
		{"%{o}", "email.example.com"},
		{"%{d}", "email.example.com"},
		{"%{d4}", "email.example.com"},
		{"%{d3}", "email.example.com"},
		{"%{d2}", "example.com"},
		{"%{d1}", "com"},
		{"%{dr}", "com.example.email"},
		{"%{d2r}", "example.email"},
		{"%{l}", "strong-bad"},
		{"%{l-}", "strong.bad"},
		{"%{lr}", "strong-bad"},
		{"%{lr-}", "bad.strong"},
		{"%{l1r-}", "strong"},
		{"%{ir}.%{v}._spf.%{d2}", "3.2.0.192.in-addr._spf.example.com"},
		{"%{lr-}.lp._spf.%{d2}", "bad.strong.lp._spf.example.com"},
		{"%{h}.%{p}.example", "mx.example.org.unknown.example"},
		{"a%%b%_c%-d", "a%b c%20d"},
	}

	for _, tt := range tests {
		got, err := env.expand(tt.spec, false)
		require.NoError(t, err, tt.spec)
		assert.Equal(t, tt.want, got, tt.spec)
	}
}

func TestMacroExpansionIPv6(t *testing.T) {
	env := macroEnv{sender: "x", domain: "example.com", target: "example.com", ip: net.ParseIP("2001:db8::cb01")}

	got, err := env.expand("%{ir}.%{v}._spf.%{d2}", true)
	require.NoError(t, err)
	assert.Equal(t, "1.0.b.c.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6._spf.example.com", got)
}

func TestMacroExpansionErrors(t *testing.T) {
	env := macroEnv{sender: "x", domain: "example.com", target: "example.com", ip: net.ParseIP("192.0.2.1")}

	for _, spec := range []string{"%{t}.example.com", "%{c}.example.com", "%{x}", "%{d0}", "%{d", "100%"} {
		_, err := env.expand(spec, true)
		assert.ErrorIs(t, err, ErrMacroSyntax, spec)
	}
}
