package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/stub"
)

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

// Resolver looks up the records needed for delivery and DKIM.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

// StrictResolver only looks up absolute names, so resolv.conf search domains
// never apply. Lookups are logged and counted in MetricLookup.
type StrictResolver struct {
	Pkg      string         // Subsystem doing the lookups, for logging and metrics.
	Resolver *adns.Resolver // If nil, adns.DefaultResolver.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	return lookup(ctx, r, "ip", host, func(ar *adns.Resolver) ([]net.IP, adns.Result, error) {
		return ar.LookupIP(ctx, network, host)
	})
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	return lookup(ctx, r, "mx", name, func(ar *adns.Resolver) ([]*net.MX, adns.Result, error) {
		return ar.LookupMX(ctx, name)
	})
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	return lookup(ctx, r, "txt", name, func(ar *adns.Resolver) ([]string, adns.Result, error) {
		return ar.LookupTXT(ctx, name)
	})
}

func lookup[T any](ctx context.Context, r StrictResolver, typ, name string, fn func(ar *adns.Resolver) (T, adns.Result, error)) (resp T, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		pkg := r.Pkg
		if pkg == "" {
			pkg = "dns"
		}
		MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), pkg, typ, lookupResult(err))
		mlog.New(pkg, r.Log).WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", typ),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)))
	}()

	if !strings.HasSuffix(name, ".") {
		err = ErrRelativeDNSName
		return
	}
	ar := r.Resolver
	if ar == nil {
		ar = adns.DefaultResolver
	}
	resp, result, err = fn(ar)
	err = hintNameserver(err)
	return
}

func lookupResult(err error) string {
	var dnsErr *adns.DNSError
	isDNSErr := errors.As(err, &dnsErr)
	switch {
	case err == nil:
		return "ok"
	case isDNSErr && dnsErr.IsNotFound:
		return "nxdomain"
	case isDNSErr && dnsErr.IsTemporary:
		return "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || isDNSErr && dnsErr.IsTimeout:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// hintNameserver adds a hint to errors for a local nameserver that is not
// running, a common misconfiguration on linux.
func hintNameserver(err error) error {
	dnsErr, ok := err.(*adns.DNSError)
	if !ok || !dnsErr.IsTemporary || runtime.GOOS != "linux" {
		return err
	}
	if (dnsErr.Server == "127.0.0.1:53" || dnsErr.Server == "[::1]:53") && strings.HasSuffix(dnsErr.Err, "connection refused") {
		return fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver?)", err)
	}
	return err
}
