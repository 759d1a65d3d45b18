package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/mxio"
)

// TLSOpts configures the TLS client for STARTTLS.
type TLSOpts struct {
	// If false, certificates of the server are not verified. Most MX hosts have
	// certificates that don't verify for the MX host name, so verification is off
	// by default.
	RejectUnauthorized bool

	// Optional client certificate, presented if the server asks for one.
	ClientCert *tls.Certificate
}

// TLSConfig returns a TLS client config for connecting to host.
func TLSConfig(host string, opts TLSOpts) *tls.Config {
	c := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !opts.RejectUnauthorized,
		MinVersion:         tls.VersionTLS12,
	}
	if opts.ClientCert != nil {
		c.Certificates = []tls.Certificate{*opts.ClientCert}
	}
	return c
}

// xstarttls upgrades the connection to TLS, after the server replied 220 to
// STARTTLS. Bytes the server already sent after its 220 reply belong to the TLS
// handshake and are handed to the TLS client first.
func (s *Session) xstarttls(ctx context.Context) {
	conn := s.conn
	if buf := s.parser.drain(); len(buf) > 0 {
		conn = &mxio.PrefixConn{PrefixReader: bytes.NewReader(buf), Conn: conn}
	}

	config := s.opts.TLSConfig
	if config == nil {
		config = TLSConfig("", TLSOpts{})
	}
	tlsconn := tls.Client(conn, config)
	if err := tlsconn.HandshakeContext(ctx); err != nil {
		s.xerrorf(false, nil, "%w: starttls handshake: %v", ErrTLS, err)
	}
	s.conn = tlsconn
	s.tr = mxio.NewTraceReader(s.log, "RS: ", s.conn)
	s.tw = mxio.NewTraceWriter(s.log, "LC: ", s.conn)
	s.upgrade = upgradeDone
	s.tls = true

	version, ciphersuite := mxio.TLSInfo(tlsconn.ConnectionState())
	s.log.Debug("starttls client handshake done",
		slog.String("tls", version),
		slog.String("ciphersuite", ciphersuite),
		slog.String("servername", config.ServerName),
		slog.Bool("verify", !config.InsecureSkipVerify))
	s.log.Trace(mlog.LevelTrace, "LC: ", []byte("(tls handshake done)"))
}
