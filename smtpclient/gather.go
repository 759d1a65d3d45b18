package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/mlog"
)

// MXCandidate is a host to try for delivery to a domain.
type MXCandidate struct {
	Host     string // Without trailing dot. Can be an IP address for a fallback host.
	Pref     int    // MX preference, lower is tried first. -1 for the fallback host.
	Fallback bool   // Configured fallback host, always tried last.
}

func (c MXCandidate) String() string {
	if c.Fallback {
		return c.Host + " (fallback)"
	}
	return fmt.Sprintf("%s (%d)", c.Host, c.Pref)
}

// GatherMX looks up the MX records of domain and returns the hosts to try, in
// order. Records are sorted by preference, keeping the order of records with
// the same preference. If fallbackHost is non-empty, it is appended as last
// candidate.
//
// A failed lookup, a domain without MX records, and a domain with a null MX
// record (indicating it does not accept email) result in an error wrapping
// ErrResolve.
func GatherMX(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, domain, fallbackHost string) ([]MXCandidate, error) {
	log := mlog.New("smtpclient", elog)

	d, err := dns.ParseDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing domain %q: %v", ErrResolve, domain, err)
	}

	// Note: LookupMX can return an error and still return records: Invalid records are
	// filtered out and an error returned. We must process any records that are valid.
	// ../rfc/5321:3851
	mxl, _, err := resolver.LookupMX(ctx, d.FQDN())
	if err != nil && len(mxl) == 0 {
		if dns.IsNotFound(err) {
			return nil, fmt.Errorf("%w: no MX records for %s", ErrResolve, d)
		}
		return nil, fmt.Errorf("%w: mx lookup for %s: %v", ErrResolve, d, err)
	} else if err != nil {
		log.Infox("mx record has some invalid records, continuing with valid records", err, slog.Any("domain", d))
	}
	if len(mxl) == 0 {
		return nil, fmt.Errorf("%w: no MX records for %s", ErrResolve, d)
	}
	// ../rfc/7505:122
	if len(mxl) == 1 && mxl[0].Host == "." {
		return nil, fmt.Errorf("%w: domain %s does not accept email as indicated with single dot for mx record", ErrResolve, d)
	}

	l := make([]MXCandidate, 0, len(mxl)+1)
	for _, mx := range mxl {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		l = append(l, MXCandidate{Host: host, Pref: int(mx.Pref)})
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("%w: no usable MX records for %s", ErrResolve, d)
	}
	sort.SliceStable(l, func(i, j int) bool {
		return l[i].Pref < l[j].Pref
	})
	if fallbackHost != "" {
		l = append(l, MXCandidate{Host: fallbackHost, Pref: -1, Fallback: true})
	}
	log.Debug("mx candidates", slog.Any("domain", d), slog.Any("candidates", l))
	return l, nil
}
