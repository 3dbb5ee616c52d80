package utils

import (
	"net"
	"unicode/utf8"
)

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}

	return false
}

// EqualFoldASCII compares header names case-insensitively without
// Unicode case folding.
func EqualFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}

		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}

// IsPublicIP reports whether ip is a globally routable unicast address:
// not loopback, private, link-local, unspecified or multicast.
func IsPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	return ip.IsGlobalUnicast() && !ip.IsPrivate() && !ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() && !ip.Equal(net.IPv4bcast) && !sharedAddressSpace.Contains(ip)
}

// 100.64.0.0/10 carrier-grade NAT
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}
