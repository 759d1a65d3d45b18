package dkim

import (
	"fmt"
	"strings"
)

// tag is a field in a tag-list, as used in DKIM-Signature headers and DKIM DNS
// records: semicolon-separated "name=value" pairs. ../rfc/6376:679
type tag struct {
	name  string // Lower case.
	value string // With surrounding whitespace removed.
}

func parseTags(s string) ([]tag, error) {
	var l []tag
	seen := map[string]bool{}
	for _, t := range strings.Split(s, ";") {
		if strings.TrimSpace(t) == "" {
			// Trailing semicolon is allowed.
			continue
		}
		name, value, ok := strings.Cut(t, "=")
		if !ok {
			return nil, fmt.Errorf("missing = in tag %q", strings.TrimSpace(t))
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("empty tag name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate tag %q", name)
		}
		seen[name] = true
		l = append(l, tag{name, strings.TrimSpace(value)})
	}
	return l, nil
}

// removeFWS removes all whitespace, including folding, e.g. for base64 values.
func removeFWS(s string) string {
	return strings.Map(func(c rune) rune {
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			return -1
		}
		return c
	}, s)
}

// splitList splits a colon-separated list, trimming whitespace.
func splitList(s string) []string {
	var l []string
	for _, e := range strings.Split(s, ":") {
		if e = strings.TrimSpace(e); e != "" {
			l = append(l, e)
		}
	}
	return l
}
