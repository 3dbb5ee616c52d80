package dkim

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// DefaultSelectors are probed when a domain is analyzed without a message.
var DefaultSelectors = []string{"default", "google", "selector1", "selector2"}

// KeyProbe describes the key record found, or not, at one selector.
type KeyProbe struct {
	Selector string `json:"selector"`
	Found    bool   `json:"found"`
	Revoked  bool   `json:"revoked,omitempty"`
	KeyType  string `json:"keyType,omitempty"`
	Bits     int    `json:"bits,omitempty"`
	Testing  bool   `json:"testing,omitempty"`

	// Temporary is set when the lookup failed transiently.
	Temporary bool  `json:"temporary,omitempty"`
	Err       error `json:"-"`
}

// Probe looks up the key records of domain at each selector concurrently.
// Results keep the order of selectors.
func (v *Verifier) Probe(ctx context.Context, domain string, selectors []string) []KeyProbe {
	probes := make([]KeyProbe, len(selectors))

	var g errgroup.Group

	g.SetLimit(4)

	for i, selector := range selectors {
		i, selector := i, selector
		g.Go(func() error {
			p := KeyProbe{Selector: selector}

			record, _, err := v.lookup(ctx, selector, domain)
			switch {
			case err != nil:
				p.Err = err
				p.Temporary = errors.Is(err, ErrDNS)
			default:
				p.Found = true
				p.Revoked = record.Revoked()
				p.KeyType = record.Key
				p.Bits = record.KeyBits()
				p.Testing = record.Testing()
			}

			probes[i] = p

			return nil
		})
	}

	_ = g.Wait()

	return probes
}

// AnyKey reports whether a usable key was found at any selector.
func AnyKey(probes []KeyProbe) bool {
	for _, p := range probes {
		if p.Found && !p.Revoked {
			return true
		}
	}

	return false
}
