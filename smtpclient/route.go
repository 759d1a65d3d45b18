package smtpclient

import (
	"fmt"

	"github.com/mjl-/sendmx/smtp"
)

// Group holds the recipients of a single destination domain. One SMTP session is
// done per group.
type Group struct {
	Domain     string   // Lower-case, as found in the addresses.
	Recipients []string // In order of the input, never empty.
}

// GroupRecipients partitions addresses by domain. Groups are returned in order of
// first occurrence of their domain, recipients within a group keep their input
// order.
//
// An address without domain results in an error wrapping ErrAddress.
func GroupRecipients(addrs []string) ([]Group, error) {
	var groups []Group
	index := map[string]int{}
	for _, addr := range addrs {
		d, ok := smtp.ExtractDomain(addr)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrAddress, addr)
		}
		i, ok := index[d]
		if !ok {
			i = len(groups)
			index[d] = i
			groups = append(groups, Group{Domain: d})
		}
		groups[i].Recipients = append(groups[i].Recipients, addr)
	}
	return groups, nil
}
