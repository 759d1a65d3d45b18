package dns

import (
	"context"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver answers lookups from its maps, keyed by absolute name (with
// trailing dot). Missing names result in nxdomain.
type MockResolver struct {
	A            map[string][]string
	AAAA         map[string][]string
	TXT          map[string][]string
	MX           map[string][]*net.MX
	Fail         []string // Lookups that fail with a temporary error, as "type name", e.g. "mx mox.example.".
	AllAuthentic bool
}

var _ Resolver = MockResolver{}

// mockAnswer returns values, or the error the lookup should fail with.
func mockAnswer[T any](ctx context.Context, r MockResolver, typ, name string, values []T) ([]T, adns.Result, error) {
	result := adns.Result{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return nil, result, err
	}
	if slices.Contains(r.Fail, typ+" "+name) {
		return nil, adns.Result{}, &adns.DNSError{Err: "temp error", Name: name, Server: "mock", IsTemporary: true}
	}
	if len(values) == 0 {
		return nil, result, &adns.DNSError{Err: "no record", Name: name, Server: "mock", IsNotFound: true}
	}
	return values, result, nil
}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	var ips []net.IP
	add := func(l []string) {
		for _, s := range l {
			ips = append(ips, net.ParseIP(s))
		}
	}
	if network == "ip" || network == "ip4" {
		add(r.A[host])
	}
	if network == "ip" || network == "ip6" {
		add(r.AAAA[host])
	}
	return mockAnswer(ctx, r, "ip", host, ips)
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	return mockAnswer(ctx, r, "mx", name, r.MX[name])
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	return mockAnswer(ctx, r, "txt", name, r.TXT[name])
}
