// ============================================================================
// Market-Sizer Domain Normalizer
// ============================================================================
//
// Package: internal/domain
// File: normalize.go
// Purpose: Reduce an arbitrary website string to its registrable root domain
//
// Pipeline (each step is total and keeps the order of the input):
//   1. strip scheme              https://Gds.EY.com/x?y#z → Gds.EY.com/x?y#z
//   2. strip leading "www."      www.bbc.co.uk            → bbc.co.uk
//   3. strip path/query/fragment and port
//   4. lower-case (IDN labels are converted to punycode)
//   5. longest public suffix + one label, via the public suffix list
//
// Failure Mode:
//   ErrNormalization is returned when nothing usable is left, when a label
//   is malformed, for IP literals, and when the host is itself a public
//   suffix (e.g. "co.uk"). A subdomain is never returned unchanged.
//
// ============================================================================

package domain

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// ErrNormalization is returned for inputs that have no registrable domain.
var ErrNormalization = errors.New("domain normalization failed")

const maxHostLength = 253

// Normalize returns the registrable root domain of raw. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x) for every accepted x.
func Normalize(raw string) (string, error) {
	host, err := Host(raw)
	if err != nil {
		return "", err
	}

	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrNormalization, raw, err)
	}
	if strings.HasPrefix(root, "www.") {
		return "", fmt.Errorf("%w: %q has no registrable label", ErrNormalization, raw)
	}
	return root, nil
}

// Host runs the first four pipeline steps and returns the cleaned host
// without reducing it to its root domain.
func Host(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	} else {
		s = strings.TrimPrefix(s, "//")
	}

	if len(s) >= 4 && strings.EqualFold(s[:4], "www.") {
		s = s[4:]
	}

	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasPrefix(s, "[") {
		return "", fmt.Errorf("%w: %q is an IP literal", ErrNormalization, raw)
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}

	s = strings.TrimSuffix(strings.ToLower(s), ".")
	if s == "" {
		return "", fmt.Errorf("%w: %q is empty", ErrNormalization, raw)
	}
	if net.ParseIP(s) != nil {
		return "", fmt.Errorf("%w: %q is an IP address", ErrNormalization, raw)
	}

	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrNormalization, raw, err)
	}
	if err := checkLabels(ascii); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrNormalization, raw, err)
	}
	return ascii, nil
}

func checkLabels(host string) error {
	if len(host) > maxHostLength {
		return errors.New("host too long")
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return errors.New("host needs at least two labels")
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("bad label length in %q", host)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
				return fmt.Errorf("label %q has invalid character %q", label, c)
			}
		}
	}
	return nil
}
