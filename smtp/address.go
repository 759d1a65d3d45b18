// Package smtp provides SMTP definitions and functions shared between the
// SMTP client and other packages: reply codes, address extraction and
// dot-stuffing of message data.
package smtp

import (
	"regexp"
	"strings"
)

var (
	angleStart = regexp.MustCompile(`^.*<`)
	angleEnd   = regexp.MustCompile(`>\s*$`)

	// Permissive: a local part without "@", followed by host characters. Anything
	// after the host, e.g. ">" or whitespace, is ignored.
	hostPattern = regexp.MustCompile(`[^@]+@([\w\-.]+)`)
)

// ExtractAddress returns the bare address from a header-style address, e.g.
// "Mox <mjl@mox.example>" becomes "mjl@mox.example". Input without angle
// brackets is only trimmed. No validation is done.
func ExtractAddress(raw string) string {
	s := angleStart.ReplaceAllString(raw, "")
	s = angleEnd.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ExtractDomain returns the lower-cased domain of an address. If the address has
// no "@host" part, false is returned.
func ExtractDomain(addr string) (string, bool) {
	m := hostPattern.FindStringSubmatch(addr)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// SplitAddressList returns bare addresses from values, each of which can be a
// single address or a comma-separated list. Empty elements are skipped.
func SplitAddressList(values ...string) []string {
	var l []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if a := ExtractAddress(s); a != "" {
				l = append(l, a)
			}
		}
	}
	return l
}
