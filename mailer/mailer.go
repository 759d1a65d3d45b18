// Package mailer sends messages directly to the mail servers of the recipients.
//
// A message is composed, optionally DKIM-signed, and delivered with one SMTP
// session per recipient domain. Sessions for different domains run concurrently
// and their outcomes are independent: a failure for one domain does not affect
// delivery to the others.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/sendmx/config"
	"github.com/mjl-/sendmx/deliverydb"
	"github.com/mjl-/sendmx/dkim"
	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/message"
	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/smtp"
	"github.com/mjl-/sendmx/smtpclient"
	"github.com/mjl-/sendmx/stub"
)

var (
	MetricDelivery stub.HistogramVec = stub.HistogramVecIgnore{}
	MetricPanicInc                   = func() {}
)

var (
	ErrFrom         = errors.New("mailer: from address without domain")
	ErrNoRecipients = errors.New("mailer: no recipients")
	ErrPanic        = errors.New("mailer: unhandled panic during delivery")
)

var cidGen atomic.Int64

// Result is the outcome of delivering to the recipients of one domain.
type Result struct {
	Domain     string
	Recipients []string
	Host       string        // Mail server connected to. Empty if no connection was made.
	Response   string        // Text of the final reply on success.
	TLS        bool          // Whether STARTTLS was done.
	Err        error         // Nil on success.
	Duration   time.Duration // Of connecting and the SMTP session.
}

// Sender delivers messages according to a configuration.
type Sender struct {
	log      mlog.Log
	elog     *slog.Logger
	cfg      config.Config
	resolver dns.Resolver

	db     *deliverydb.DB
	dialer smtpclient.Dialer
	login  []string
}

// Option configures optional behaviour of a Sender.
type Option func(s *Sender)

// WithDeliveryDB records the outcome of each delivery in db.
func WithDeliveryDB(db *deliverydb.DB) Option {
	return func(s *Sender) {
		s.db = db
	}
}

// WithDialer sets the dialer for connecting to mail servers.
func WithDialer(d smtpclient.Dialer) Option {
	return func(s *Sender) {
		s.dialer = d
	}
}

// WithLogin sets lines to send in response to 334 replies.
func WithLogin(lines []string) Option {
	return func(s *Sender) {
		s.login = lines
	}
}

// New returns a Sender. The configuration should have been prepared, see
// config.Load. A nil resolver uses a dns.StrictResolver.
func New(elog *slog.Logger, cfg *config.Config, resolver dns.Resolver, opts ...Option) *Sender {
	if resolver == nil {
		resolver = dns.StrictResolver{Pkg: "mailer", Log: elog}
	}
	s := &Sender{
		log:      mlog.New("mailer", elog),
		elog:     elog,
		cfg:      *cfg,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send composes m and delivers it to its To, Cc and Bcc recipients. A result is
// returned per destination domain, in order of first occurrence of the domain.
// The error is the joined error of all failed domains, nil if all succeeded.
//
// Problems with the message itself, e.g. unparsable addresses or a failure to
// DKIM-sign, are returned before connecting to any mail server, without
// results.
func (s *Sender) Send(ctx context.Context, m message.Mail) ([]Result, error) {
	from := smtp.ExtractAddress(m.From)
	fromDomain, ok := smtp.ExtractDomain(from)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFrom, m.From)
	}
	if m.MessageID == "" {
		m.MessageID = message.MessageIDGen(fromDomain)
	}
	msg, err := message.Compose(m)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, from, m.Recipients(), m.MessageID, msg)
}

// SendRaw delivers a message that is already composed, e.g. read from a file.
// Bare LF line endings are converted to CRLF. The message is DKIM-signed if
// configured.
func (s *Sender) SendRaw(ctx context.Context, from string, recipients []string, msg []byte) ([]Result, error) {
	var b bytes.Buffer
	w := message.NewWriter(&b)
	if _, err := w.Write(msg); err != nil {
		return nil, fmt.Errorf("converting message: %w", err)
	}
	if !w.HaveBody {
		return nil, fmt.Errorf("%w: message has no empty line after header", message.ErrCompose)
	}
	return s.deliver(ctx, smtp.ExtractAddress(from), smtp.SplitAddressList(recipients...), "", b.Bytes())
}

func (s *Sender) deliver(ctx context.Context, from string, recipients []string, messageID string, msg []byte) ([]Result, error) {
	srcHost, ok := smtp.ExtractDomain(from)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFrom, from)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	groups, err := smtpclient.GroupRecipients(recipients)
	if err != nil {
		return nil, err
	}

	if s.cfg.DKIM != nil && s.cfg.DKIM.Key != nil {
		sel := dkim.Selector{
			Domain:  s.cfg.DKIM.Selector,
			Key:     s.cfg.DKIM.Key,
			Hash:    s.cfg.DKIM.Hash,
			Headers: s.cfg.DKIM.Headers,
		}
		sig, err := dkim.Sign(ctx, s.elog, sel, srcHost, msg)
		if err != nil {
			return nil, err
		}
		msg = append([]byte(sig+"\r\n"), msg...)
	}

	s.log.Debug("delivering message",
		slog.String("from", from),
		slog.Int("recipients", len(recipients)),
		slog.Int("domains", len(groups)),
		slog.Int("size", len(msg)))

	results := make([]Result, len(groups))
	var eg errgroup.Group
	if s.cfg.MaxParallel > 0 {
		eg.SetLimit(s.cfg.MaxParallel)
	}
	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			results[i] = s.session(ctx, from, srcHost, g, msg)
			return nil
		})
	}
	eg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Domain, r.Err))
		}
	}
	if s.db != nil {
		s.record(ctx, from, messageID, results)
	}
	return results, errors.Join(errs...)
}

// session connects to a mail server for the domain of g and delivers msg.
func (s *Sender) session(ctx context.Context, from, srcHost string, g smtpclient.Group, msg []byte) (r Result) {
	cid := cidGen.Add(1)
	elog := s.log.WithCid(cid).Logger
	log := s.log.WithCid(cid).With(slog.String("domain", g.Domain))

	r = Result{Domain: g.Domain, Recipients: g.Recipients}
	start := time.Now()
	defer func() {
		r.Duration = time.Since(start)

		x := recover()
		if x != nil {
			log.Error("unhandled panic during delivery", slog.Any("panic", x))
			debug.PrintStack()
			MetricPanicInc()
			r.Err = fmt.Errorf("%w: %v", ErrPanic, x)
		}

		result := "ok"
		var cerr smtpclient.Error
		switch {
		case r.Err == nil:
		case errors.As(r.Err, &cerr) && cerr.Permanent:
			result = "permanent"
		case errors.As(r.Err, &cerr):
			result = "temporary"
		default:
			result = "error"
		}
		MetricDelivery.ObserveLabels(float64(r.Duration)/float64(time.Second), result)
		log.Debugx("delivery result", r.Err,
			slog.String("host", r.Host),
			slog.String("result", result),
			slog.Duration("duration", r.Duration))
	}()

	opts := smtpclient.ConnectOpts{
		SMTPPort: s.cfg.SMTPPort,
		SMTPHost: s.cfg.SMTPHost,
		Dialer:   s.dialer,
	}
	if s.cfg.DevPort > 0 {
		opts.DevHost = s.cfg.DevHost
		opts.DevPort = s.cfg.DevPort
	}
	conn, host, err := smtpclient.Connect(ctx, elog, s.resolver, opts, g.Domain)
	if err != nil {
		r.Err = err
		return
	}
	r.Host = host

	tlsOpts := smtpclient.TLSOpts{
		RejectUnauthorized: s.cfg.RejectUnauthorized,
		ClientCert:         s.cfg.TLS.Cert,
	}
	sess := smtpclient.NewSession(elog, conn, smtpclient.Opts{
		SrcHost:    srcHost,
		From:       from,
		Recipients: g.Recipients,
		Body:       msg,
		TLS:        !s.cfg.TLS.Disabled,
		AutoEHLO:   s.cfg.AutoEHLO,
		TLSConfig:  smtpclient.TLSConfig(host, tlsOpts),
		Login:      s.login,
	})
	r.Response, r.Err = sess.Run(ctx)
	r.TLS = sess.TLS()
	return
}

// record stores results in the delivery database. Failures are logged, the
// delivery itself has already happened.
func (s *Sender) record(ctx context.Context, from, messageID string, results []Result) {
	var l []*deliverydb.Delivery
	for _, r := range results {
		d := &deliverydb.Delivery{
			MessageID:  messageID,
			From:       from,
			Domain:     r.Domain,
			Recipients: r.Recipients,
			Host:       r.Host,
			Success:    r.Err == nil,
			Response:   r.Response,
			Duration:   r.Duration,
		}
		var cerr smtpclient.Error
		if errors.As(r.Err, &cerr) {
			d.Permanent = cerr.Permanent
			d.Code = cerr.Code
		}
		if r.Err != nil {
			d.Error = r.Err.Error()
		}
		l = append(l, d)
	}
	// Context may be canceled, the outcome should still be recorded.
	err := s.db.Add(context.WithoutCancel(ctx), l...)
	s.log.Check(err, "recording deliveries")
}
