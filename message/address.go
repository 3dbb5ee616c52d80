package message

import (
	"fmt"
	"net/mail"
	"strings"
)

// MailboxAddress is an address split at its last "@".
type MailboxAddress struct {
	LocalPart   string `json:"localPart"`
	Domain      string `json:"domain"`
	DisplayName string `json:"displayName,omitempty"`
}

// String returns the address in the standard "local-part@domain" format.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}

	return m.LocalPart + "@" + m.Domain
}

// ParseAddress parses a single RFC 5322 address. Values net/mail rejects
// are retried leniently: the text between angle brackets, or the first
// word containing "@".
func ParseAddress(s string) (MailboxAddress, error) {
	if a, err := mail.ParseAddress(s); err == nil {
		return split(a)
	}

	return lenient(s)
}

// ParseAddressList parses a From style address list.
func ParseAddressList(s string) ([]MailboxAddress, error) {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		a, err := lenient(s)
		if err != nil {
			return nil, err
		}

		return []MailboxAddress{a}, nil
	}

	out := make([]MailboxAddress, 0, len(list))

	for _, a := range list {
		m, err := split(a)
		if err != nil {
			return nil, err
		}

		out = append(out, m)
	}

	return out, nil
}

func split(a *mail.Address) (MailboxAddress, error) {
	i := strings.LastIndexByte(a.Address, '@')
	if i <= 0 || i == len(a.Address)-1 {
		return MailboxAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, a.Address)
	}

	return MailboxAddress{LocalPart: a.Address[:i], Domain: a.Address[i+1:], DisplayName: a.Name}, nil
}

func lenient(s string) (MailboxAddress, error) {
	candidate := ""

	if open := strings.LastIndexByte(s, '<'); open >= 0 {
		if end := strings.IndexByte(s[open:], '>'); end > 0 {
			candidate = s[open+1 : open+end]
		}
	}

	if candidate == "" {
		for _, w := range strings.Fields(s) {
			if strings.Contains(w, "@") {
				candidate = strings.Trim(w, "<>\"',;")

				break
			}
		}
	}

	return split(&mail.Address{Address: strings.TrimSpace(candidate)})
}
