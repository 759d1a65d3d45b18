package smtpclient

import (
	"bufio"
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/smtp"
)

var pkglog = mlog.New("smtpclient", nil)

const testMsg = "From: <mjl@mox.example>\r\nSubject: test\r\n\r\n.leading dot\r\nbody\r\n"

func testOpts(rcpts ...string) Opts {
	return Opts{
		SrcHost:    "mox.example",
		From:       "mjl@mox.example",
		Recipients: rcpts,
		Body:       []byte(testMsg),
	}
}

// transaction handles the commands after the greeting and EHLO/HELO were
// handled.
func (s xserver) transaction(rcpts ...string) {
	s.readline("MAIL FROM:<mjl@mox.example>")
	s.writeline("250 2.1.0 ok")
	for _, rcpt := range rcpts {
		s.readline("RCPT TO:<" + rcpt + ">")
		s.writeline("250 2.1.5 ok")
	}
	s.readline("DATA")
	s.writeline("354 continue")
	buf, err := smtp.ReadData(s.br)
	s.check(err, "reading message data")
	if string(buf) != testMsg+"\r\n" {
		s.errorf("got message data %q, expected %q", buf, testMsg+"\r\n")
	}
	s.writeline("250 2.0.0 queued as 1")
	s.readline("QUIT")
	s.writeline("221 2.0.0 bye")
}

// expectClosed reads until the client closes the connection, failing if it
// sends anything.
func (s xserver) expectClosed() {
	line, err := s.br.ReadString('\n')
	if err == nil {
		s.errorf("unexpected command %q", line)
	}
}

func runSession(conn net.Conn, opts Opts) (*Session, string, error) {
	sess := NewSession(pkglog.Logger, conn, opts)
	resp, err := sess.Run(context.Background())
	return sess, resp, err
}

func TestSessionPlain(t *testing.T) {
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP ready")
		s.readline("EHLO mox.example")
		s.writeline("250-mx.remote.example\r\n250-SIZE 10240000\r\n250 STARTTLS")
		s.transaction("a@remote.example", "b@remote.example")
	}, func(conn net.Conn) {
		sess, resp, err := runSession(conn, testOpts("a@remote.example", "b@remote.example"))
		if err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
		if resp != "221 2.0.0 bye" {
			panic(fmt.Errorf("got response %q", resp))
		}
		if sess.DataReply() != "250 2.0.0 queued as 1" {
			panic(fmt.Errorf("got data reply %q", sess.DataReply()))
		}
		if sess.TLS() {
			panic("tls used while disabled")
		}
	})
}

func TestSessionFragmented(t *testing.T) {
	run(t, func(s xserver) {
		for _, frag := range []string{"22", "0 mx.remote.example", " esmtp\r", "\n"} {
			_, err := s.conn.Write([]byte(frag))
			s.check(err, "write")
		}
		s.readline("EHLO")
		// Unsolicited reply with unhandled code is ignored.
		s.writeline("214 help")
		s.writeline("250-mx.remote.example\r\n250 8BITMIME")
		s.transaction("a@remote.example")
	}, func(conn net.Conn) {
		if _, _, err := runSession(conn, testOpts("a@remote.example")); err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
	})
}

func TestSessionHELO(t *testing.T) {
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example service ready")
		s.readline("HELO mox.example")
		s.writeline("250 mx.remote.example")
		s.transaction("a@remote.example")
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.TLS = true
		sess, _, err := runSession(conn, opts)
		if err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
		if sess.TLS() {
			panic("tls used with smtp server")
		}
	})

	// With AutoEHLO, EHLO is used regardless of the greeting.
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example service ready")
		s.readline("EHLO mox.example")
		s.writeline("250 mx.remote.example")
		s.transaction("a@remote.example")
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.AutoEHLO = true
		if _, _, err := runSession(conn, opts); err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
	})
}

func TestSessionSTARTTLS(t *testing.T) {
	cert := fakeCert(t, false)
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO mox.example")
		s.writeline("250-mx.remote.example\r\n250-PIPELINING\r\n250 starttls")
		s.readline("STARTTLS")
		s.writeline("220 2.0.0 go ahead")

		tlsConn := tls.Server(s.conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		err := tlsConn.Handshake()
		s.check(err, "tls handshake")
		ts := xserver{tlsConn, bufio.NewReader(tlsConn)}
		ts.readline("EHLO mox.example")
		ts.writeline("250 mx.remote.example")
		ts.transaction("a@remote.example")
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.TLS = true
		opts.TLSConfig = TLSConfig("mx.remote.example", TLSOpts{})
		sess, _, err := runSession(conn, opts)
		if err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
		if !sess.TLS() {
			panic("tls not used")
		}
	})
}

// Data received with the 220 to STARTTLS is part of the TLS handshake.
func TestSessionSTARTTLSPrefix(t *testing.T) {
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO mox.example")
		s.writeline("250-mx.remote.example\r\n250 STARTTLS")
		s.readline("STARTTLS")
		s.writeline("220 go ahead\r\nnot a tls record")
		// Read the client hello, until the client closes.
		io.Copy(io.Discard, s.br)
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.TLS = true
		_, _, err := runSession(conn, opts)
		if !errors.Is(err, ErrTLS) || !strings.Contains(err.Error(), "does not look like a TLS handshake") {
			panic(fmt.Errorf("got err %v, expected ErrTLS for data after 220", err))
		}
	})
}

func TestSessionSTARTTLSVerify(t *testing.T) {
	cert := fakeCert(t, false)
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 STARTTLS")
		s.readline("STARTTLS")
		s.writeline("220 go ahead")

		tlsConn := tls.Server(s.conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		// Handshake fails because the client rejects the certificate.
		tlsConn.Handshake()
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.TLS = true
		opts.TLSConfig = TLSConfig("mx.remote.example", TLSOpts{RejectUnauthorized: true})
		_, _, err := runSession(conn, opts)
		if !errors.Is(err, ErrTLS) {
			panic(fmt.Errorf("got err %v, expected ErrTLS", err))
		}
	})
}

func TestSessionUpgradeReply(t *testing.T) {
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 STARTTLS")
		s.readline("STARTTLS")
		s.writeline("250 ok")
		s.expectClosed()
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.TLS = true
		_, _, err := runSession(conn, opts)
		if !errors.Is(err, ErrProtocol) {
			panic(fmt.Errorf("got err %v, expected ErrProtocol", err))
		}
	})
}

func TestSessionReject(t *testing.T) {
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mx.remote.example")
		s.readline("MAIL FROM:")
		s.writeline("550-5.7.1 sender rejected\r\n550 5.7.1 see policy")
		s.expectClosed()
	}, func(conn net.Conn) {
		_, _, err := runSession(conn, testOpts("a@remote.example"))
		var cerr Error
		if !errors.Is(err, ErrStatus) || !errors.As(err, &cerr) {
			panic(fmt.Errorf("got err %v, expected ErrStatus", err))
		}
		if cerr.Code != 550 || !cerr.Permanent || cerr.Command != "mail" {
			panic(fmt.Errorf("got error %#v", cerr))
		}
		if cerr.Line != "550-5.7.1 sender rejected" || len(cerr.MoreLines) != 1 {
			panic(fmt.Errorf("got lines %q %q", cerr.Line, cerr.MoreLines))
		}
	})

	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mx.remote.example")
		s.readline("MAIL FROM:")
		s.writeline("250 ok")
		s.readline("RCPT TO:<a@remote.example>")
		s.writeline("451 4.3.0 try again later")
		s.expectClosed()
	}, func(conn net.Conn) {
		_, _, err := runSession(conn, testOpts("a@remote.example"))
		var cerr Error
		if !errors.As(err, &cerr) || cerr.Code != 451 || cerr.Permanent || cerr.Command != "rcpt" {
			panic(fmt.Errorf("got err %v, expected transient rcpt error", err))
		}
	})
}

func TestSessionLogin(t *testing.T) {
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("334 VXNlcm5hbWU6")
		s.readline("bWpsQG1veC5leGFtcGxl")
		s.writeline("235 2.7.0 authenticated")
		s.transaction("a@remote.example")
	}, func(conn net.Conn) {
		opts := testOpts("a@remote.example")
		opts.Login = []string{"bWpsQG1veC5leGFtcGxl"}
		if _, _, err := runSession(conn, opts); err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
	})

	// No login lines left.
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("334 VXNlcm5hbWU6")
		s.expectClosed()
	}, func(conn net.Conn) {
		_, _, err := runSession(conn, testOpts("a@remote.example"))
		if !errors.Is(err, ErrProtocol) {
			panic(fmt.Errorf("got err %v, expected ErrProtocol", err))
		}
	})
}

func TestSessionClosed(t *testing.T) {
	// Closed before the transaction completed.
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
	}, func(conn net.Conn) {
		_, _, err := runSession(conn, testOpts("a@remote.example"))
		if !errors.Is(err, ErrTransport) {
			panic(fmt.Errorf("got err %v, expected ErrTransport", err))
		}
	})

	// Closed after the message was accepted, without 221 to QUIT.
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		s.writeline("250 mx.remote.example")
		s.readline("MAIL FROM:")
		s.writeline("250 ok")
		s.readline("RCPT TO:")
		s.writeline("251 will forward")
		s.readline("DATA")
		s.writeline("354 continue")
		_, err := smtp.ReadData(s.br)
		s.check(err, "reading message data")
		s.writeline("250 queued")
		s.readline("QUIT")
		s.writeline("250 ok")
	}, func(conn net.Conn) {
		_, resp, err := runSession(conn, testOpts("a@remote.example"))
		if err != nil {
			panic(fmt.Errorf("session: %v", err))
		}
		if resp != "250 ok" {
			panic(fmt.Errorf("got response %q", resp))
		}
	})

	// Malformed reply.
	run(t, func(s xserver) {
		s.writeline("xyz not smtp")
		s.expectClosed()
	}, func(conn net.Conn) {
		_, _, err := runSession(conn, testOpts("a@remote.example"))
		if !errors.Is(err, ErrProtocol) {
			panic(fmt.Errorf("got err %v, expected ErrProtocol", err))
		}
	})
}

func TestSessionCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run(t, func(s xserver) {
		s.writeline("220 mx.remote.example ESMTP")
		s.readline("EHLO")
		cancel()
		s.expectClosed()
	}, func(conn net.Conn) {
		sess := NewSession(pkglog.Logger, conn, testOpts("a@remote.example"))
		_, err := sess.Run(ctx)
		if !errors.Is(err, ErrTransport) || !errors.Is(err, context.Canceled) {
			panic(fmt.Errorf("got err %v, expected ErrTransport and context.Canceled", err))
		}
	})
}

// Cancelling while the session ends must not touch the closed session.
func TestSessionCancelEnd(t *testing.T) {
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		if i%2 == 0 {
			cancel()
		}
		run(t, func(s xserver) {
			// Errors are expected when the client has already closed.
			s.conn.Write([]byte("220 mx.remote.example ESMTP\r\n221 2.0.0 bye\r\n"))
			io.Copy(io.Discard, s.conn)
		}, func(conn net.Conn) {
			sess := NewSession(pkglog.Logger, conn, testOpts("a@remote.example"))
			go cancel()
			_, err := sess.Run(ctx)
			if err != nil && !errors.Is(err, ErrTransport) {
				panic(fmt.Errorf("got err %v, expected nil or ErrTransport", err))
			}
		})
		cancel()
	}
}

type xserver struct {
	conn net.Conn
	br   *bufio.Reader
}

func (s xserver) check(err error, msg string) {
	if err != nil {
		panic(fmt.Errorf("%s: %w", msg, err))
	}
}

func (s xserver) errorf(format string, args ...any) {
	panic(fmt.Errorf(format, args...))
}

func (s xserver) writeline(line string) {
	_, err := fmt.Fprintf(s.conn, "%s\r\n", line)
	s.check(err, "write")
}

func (s xserver) readline(prefix string) {
	line, err := s.br.ReadString('\n')
	s.check(err, "reading command")
	if !strings.HasPrefix(strings.ToLower(line), strings.ToLower(prefix)) {
		s.errorf("expected command %q, got: %s", prefix, line)
	}
}

// run starts server and client with a pipe between them, and fails the test if
// either panics.
func run(t *testing.T, server func(s xserver), client func(conn net.Conn)) {
	t.Helper()

	result := make(chan error, 2)
	clientConn, serverConn := net.Pipe()
	go func() {
		defer func() {
			serverConn.Close()
			x := recover()
			if x != nil {
				result <- fmt.Errorf("server: %v", x)
			} else {
				result <- nil
			}
		}()
		server(xserver{serverConn, bufio.NewReader(serverConn)})
	}()
	go func() {
		defer func() {
			clientConn.Close()
			x := recover()
			if x != nil {
				result <- fmt.Errorf("client: %v", x)
			} else {
				result <- nil
			}
		}()
		client(clientConn)
	}()
	var errs []error
	for i := 0; i < 2; i++ {
		err := <-result
		if err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		t.Fatalf("errors: %v", errs)
	}
}

// Just a cert that appears valid. SMTP client will not verify anything about it
// (that is opportunistic TLS for you, "better some than none"). Let's enjoy this
// one moment where it makes life easier.
func fakeCert(t *testing.T, expired bool) tls.Certificate {
	notAfter := time.Now()
	if expired {
		notAfter = notAfter.Add(-time.Hour)
	} else {
		notAfter = notAfter.Add(time.Hour)
	}

	privKey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)) // Fake key, don't use this for real!
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1), // Required field...
		DNSNames:     []string{"mx.remote.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	localCertBuf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		t.Fatalf("making certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(localCertBuf)
	if err != nil {
		t.Fatalf("parsing generated certificate: %s", err)
	}
	c := tls.Certificate{
		Certificate: [][]byte{localCertBuf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
	return c
}
