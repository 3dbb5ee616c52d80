package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
)

// Record is a DKIM key record published at <selector>._domainkey.<domain>
// (RFC 6376 section 3.6.1).
type Record struct {
	Version string

	// Hashes lists acceptable hash algorithms, empty meaning all.
	Hashes []string

	// Key is the key type, "rsa" or "ed25519".
	Key string

	Notes string

	// Pubkey is the decoded p= value. Empty means the key is revoked.
	Pubkey []byte

	// Services lists acceptable service types, "*" meaning all.
	Services []string

	// Flags: "y" marks a domain testing DKIM, "s" forbids i= subdomains.
	Flags []string

	// PublicKey is *rsa.PublicKey or ed25519.PublicKey, nil when revoked.
	PublicKey any
}

// Revoked reports whether p= is empty.
func (r *Record) Revoked() bool {
	return r.PublicKey == nil
}

func (r *Record) Testing() bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool { return strings.EqualFold(f, "y") })
}

func (r *Record) strict() bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool { return strings.EqualFold(f, "s") })
}

func (r *Record) hashAllowed(hash string) bool {
	return len(r.Hashes) == 0 || slices.ContainsFunc(r.Hashes, func(h string) bool { return strings.EqualFold(h, hash) })
}

func (r *Record) serviceAllowed(service string) bool {
	return len(r.Services) == 0 || slices.ContainsFunc(r.Services, func(s string) bool {
		return s == "*" || strings.EqualFold(s, service)
	})
}

// KeyBits returns the key size in bits.
func (r *Record) KeyBits() int {
	switch k := r.PublicKey.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

// ToTXT renders the record as TXT data.
func (r *Record) ToTXT() (string, error) {
	if r.Version != "DKIM1" {
		return "", fmt.Errorf("%w: version %q", ErrSyntax, r.Version)
	}

	parts := []string{"v=DKIM1"}

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}

	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}

	if r.Notes != "" {
		parts = append(parts, "n="+r.Notes)
	}

	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}

	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error

		if pk, err = marshalPublicKey(r.PublicKey); err != nil {
			return "", err
		}
	}

	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

func marshalPublicKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("%w: unsupported public key %T", ErrSyntax, key)
	}
}

// ParseRecord parses DKIM key record TXT data. The boolean reports whether
// txt looks like a DKIM record at all, so unrelated TXT records at the
// same name can be skipped while broken DKIM records are reported.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	seen := map[string]bool{}
	isDKIM := false

	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, value, ok := strings.Cut(part, "=")
		if !ok {
			if isDKIM {
				return nil, true, fmt.Errorf("%w: %q", ErrSyntax, part)
			}

			continue
		}

		tag = strings.TrimSpace(tag)
		value = strings.TrimSpace(value)

		if seen[tag] {
			return nil, isDKIM, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, tag)
		}

		seen[tag] = true

		switch tag {
		case "v":
			if value != "DKIM1" {
				return nil, false, fmt.Errorf("%w: version %q", ErrSyntax, value)
			}

			isDKIM = true
		case "h":
			record.Hashes = splitList(value, ":")
		case "k":
			record.Key = strings.ToLower(value)
		case "n":
			record.Notes = value
		case "p":
			pk, err := decodeBase64(value)
			if err != nil {
				return nil, true, fmt.Errorf("%w: p=: %v", ErrSyntax, err)
			}

			record.Pubkey = pk
			isDKIM = true
		case "s":
			record.Services = splitList(value, ":")
		case "t":
			record.Flags = splitList(value, ":")
		}
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("%w: not a DKIM record", ErrSyntax)
	}

	if !seen["p"] {
		return nil, true, fmt.Errorf("%w: missing p=", ErrSyntax)
	}

	if len(record.Pubkey) > 0 {
		pk, err := parsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}

		record.PublicKey = pk
	}

	return record, true, nil
}

func parsePublicKey(keyType string, data []byte) (any, error) {
	switch keyType {
	case "rsa":
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			// some publishers use the bare PKCS#1 form
			if rsaKey, err1 := x509.ParsePKCS1PublicKey(data); err1 == nil {
				return rsaKey, nil
			}

			return nil, fmt.Errorf("invalid RSA public key: %w", err)
		}

		rsaKey, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected RSA public key, got %T", pk)
		}

		return rsaKey, nil
	case "ed25519":
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 public key size %d", len(data))
		}

		return ed25519.PublicKey(data), nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}
