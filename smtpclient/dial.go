package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/stub"
)

var (
	MetricConnect stub.CounterVec = stub.CounterVecIgnore{}
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// ConnectOpts configures where Connect connects to.
type ConnectOpts struct {
	// If DevPort > 0, DNS is not used and DevHost:DevPort is the only destination.
	// For development and testing.
	DevHost string
	DevPort int

	SMTPPort int    // Port of MX hosts, 25 if zero.
	SMTPHost string // Fallback host, tried after all MX hosts failed.

	Dialer Dialer // If nil, a net.Dialer is used.
}

// Connect returns a connection to a mail server for domain, and the name of the
// host it connected to.
//
// Unless a fixed development endpoint is configured, the MX hosts of the domain
// are looked up (see GatherMX) and tried in order, each through its IP
// addresses, until a connection is established. Failures are logged. If no
// host can be reached, an error wrapping ErrConnect is returned. Resolving the
// domain can fail with ErrResolve.
func Connect(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, opts ConnectOpts, domain string) (conn net.Conn, host string, rerr error) {
	log := mlog.New("smtpclient", elog)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	defer func() {
		result := "ok"
		if errors.Is(rerr, ErrResolve) {
			result = "resolve"
		} else if rerr != nil {
			result = "error"
		}
		MetricConnect.IncLabels(result)
	}()

	if opts.DevPort > 0 {
		addr := net.JoinHostPort(opts.DevHost, strconv.Itoa(opts.DevPort))
		conn, err := dial(ctx, dialer, addr)
		if err != nil {
			return nil, "", fmt.Errorf("%w: development endpoint %s: %v", ErrConnect, addr, err)
		}
		log.Debug("connected to development endpoint", slog.String("addr", addr))
		return conn, opts.DevHost, nil
	}

	candidates, err := GatherMX(ctx, elog, resolver, domain, opts.SMTPHost)
	if err != nil {
		return nil, "", err
	}

	port := opts.SMTPPort
	if port <= 0 {
		port = 25
	}
	var errs []error
	for _, c := range candidates {
		conn, err := dialHost(ctx, log, resolver, dialer, c.Host, port)
		if err == nil {
			return conn, c.Host, nil
		}
		log.Errorx("connecting to mx host, trying next", err, slog.String("domain", domain), slog.Any("candidate", c))
		errs = append(errs, fmt.Errorf("%s: %w", c.Host, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("%w: %w", ErrConnect, errors.Join(errs...))
}

// dialHost connects to one of the IPs of host, in order of the DNS response. If
// host is an IP address, it is dialed directly.
func dialHost(ctx context.Context, log mlog.Log, resolver dns.Resolver, dialer Dialer, host string, port int) (net.Conn, error) {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		d, err := dns.ParseDomain(host)
		if err != nil {
			return nil, fmt.Errorf("parsing host: %v", err)
		}
		ips, _, err = resolver.LookupIP(ctx, "ip", d.FQDN())
		if err != nil {
			return nil, fmt.Errorf("looking up ips: %w", err)
		} else if len(ips) == 0 {
			return nil, errors.New("no ips for host")
		}
	}

	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		log.Debug("dialing host", slog.String("host", host), slog.String("addr", addr))
		conn, err := dial(ctx, dialer, addr)
		if err == nil {
			log.Debug("connected to host", slog.String("host", host), slog.String("addr", addr))
			return conn, nil
		}
		log.Debugx("connection attempt", err, slog.String("host", host), slog.String("addr", addr))
		lastErr = err
	}
	return nil, lastErr
}
