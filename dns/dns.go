// Package dns parses and normalizes (internationalized) domain names, and has a
// resolver that only looks up absolute names, with logging and metrics.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var errTrailingDot = errors.New("dns name has trailing dot")

// Domain is a normalized domain name. Compare Domains, not the strings they
// were parsed from.
type Domain struct {
	ASCII   string // Lower case, IDNA labels as A-labels (xn--...). Used for lookups.
	Unicode string // Only set for IDNA names, with U-labels.
}

// FQDN returns the ASCII name with trailing dot, for DNS lookups.
func (d Domain) FQDN() string {
	return d.ASCII + "."
}

// String returns the ASCII name, followed by the unicode name for IDNA names.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// ParseDomain parses and normalizes a name without trailing dot, with ASCII
// and/or unicode labels. Unicode characters may be mapped to equivalents, e.g.
// "Ⓡ" to "r".
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	var d Domain
	var err error
	if d.ASCII, err = idna.Lookup.ToASCII(s); err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	if d.Unicode, err = idna.Lookup.ToUnicode(s); err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if d.Unicode == d.ASCII {
		d.Unicode = ""
	}
	return d, nil
}

// IsNotFound returns whether err is a DNS error for a name or record type that
// does not exist (nxdomain or nodata).
func IsNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
