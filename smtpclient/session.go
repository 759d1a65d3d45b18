// Package smtpclient delivers a message directly to the mail servers of
// recipient domains.
//
// Delivering a message involves:
//  1. Grouping the recipients by domain, with GroupRecipients.
//  2. For each group, looking up the MX hosts and connecting to the first that
//     accepts a connection, with Connect.
//  3. Running an SMTP session on the connection, with NewSession and
//     Session.Run.
//
// A session is driven by the replies of the server. Each positive reply
// licenses the next command from a command queue that is prepared before the
// session starts. If the server announces STARTTLS, the connection is upgraded
// to TLS in place before the transaction starts.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/mxio"
	"github.com/mjl-/sendmx/smtp"
	"github.com/mjl-/sendmx/stub"
)

var MetricCommands stub.HistogramVec = stub.HistogramVecIgnore{}

var (
	esmtpRe    = regexp.MustCompile(`(?i)\besmtp\b`)
	starttlsRe = regexp.MustCompile(`(?i)\bstarttls\b`)
)

type upgradeState int

const (
	upgradeNone upgradeState = iota
	upgradeInProgress
	upgradeDone
)

// Opts are the parameters for a session.
type Opts struct {
	SrcHost    string   // Name for EHLO/HELO, typically the domain of the sender.
	From       string   // Envelope sender, bare address.
	Recipients []string // Envelope recipients, bare addresses.
	Body       []byte   // Message, without dot-stuffing.

	// If set, STARTTLS is done when announced by the server.
	TLS bool
	// If set, EHLO is used even if the greeting doesn't mention ESMTP.
	AutoEHLO bool
	// Used for STARTTLS. If nil, a config without certificate verification is used.
	TLSConfig *tls.Config

	// Lines sent in response to 334 replies, one per reply. Normally empty, no
	// AUTH command is sent by the session itself.
	Login []string
}

// Session is an SMTP session on a single connection, delivering one message to
// recipients of one domain.
type Session struct {
	// OrigConn is the original (TCP) connection. We read from/write to conn, which
	// can be a tls.Client wrapping origConn. We close origConn instead of conn
	// because closing the TLS connection would send a TLS close notification,
	// which may block if the server isn't reading it.
	origConn net.Conn
	conn     net.Conn
	tr       *mxio.TraceReader
	tw       *mxio.TraceWriter
	log      mlog.Log
	lastlog  time.Time // For adding delta timestamps between log lines.

	opts     Opts
	queue    CommandQueue
	step     int // Index of next command in queue. 0 <= step <= len(queue).
	upgrade  upgradeState
	login    int // Index of next line in opts.Login.
	parser   replyParser
	cmd      string    // Last command sent, lower case, for errors and metrics.
	cmdStart time.Time // For metrics.

	tls       bool
	dataSent  bool
	dataReply string // Reply to the message data, e.g. with a queue id.
	accepted  bool   // Reached end of command queue.
	closed    bool   // Received 221.
	response  string
}

// NewSession prepares a session on conn. Run must be called to execute it. The
// session takes ownership of conn and closes it when Run returns.
func NewSession(elog *slog.Logger, conn net.Conn, opts Opts) *Session {
	s := &Session{
		origConn: conn,
		conn:     conn,
		opts:     opts,
		queue:    NewCommandQueue(opts.From, opts.Recipients),
		lastlog:  time.Now(),
		cmd:      "(greeting)",
		cmdStart: time.Now(),
	}
	s.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(s.lastlog)),
		}
		s.lastlog = now
		return l
	})
	s.tr = mxio.NewTraceReader(s.log, "RS: ", s.conn)
	s.tw = mxio.NewTraceWriter(s.log, "LC: ", s.conn)
	return s
}

// TLS returns whether the connection was upgraded to TLS.
func (s *Session) TLS() bool {
	return s.tls
}

// DataReply returns the reply text to the message data, if it was sent.
func (s *Session) DataReply() string {
	return s.dataReply
}

// Run executes the session: reading replies and sending commands until the
// server closes the session with 221, or an error occurs. On success, the text
// of the final reply is returned, without trailing CRLF.
//
// Reply codes >= 400 result in an Error wrapping ErrStatus. The connection is
// always closed when Run returns. Cancelling ctx closes the connection, aborting
// the session.
func (s *Session) Run(ctx context.Context) (response string, rerr error) {
	defer s.close()

	// The callback can still be running after stop and close, so it must not
	// touch fields of s.
	conn := s.origConn
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	defer s.recover(&rerr)

	buf := make([]byte, 4*1024)
	for {
		n, err := s.tr.Read(buf)
		if n > 0 {
			s.parser.feed(buf[:n])
			for {
				r, ok, perr := s.parser.next()
				if perr != nil {
					s.xerrorf(false, nil, "%w", perr)
				} else if !ok {
					break
				}
				s.xhandle(ctx, r)
				if s.closed {
					return s.response, nil
				}
			}
		}
		if err != nil {
			if s.accepted {
				s.log.Debugx("connection closed after end of session", err)
				return s.response, nil
			}
			if ctx.Err() != nil {
				s.xerrorf(false, nil, "%w: %s: %w", ErrTransport, s.cmd, ctx.Err())
			}
			s.xerrorf(false, nil, "%w: reading reply after %s: %v", ErrTransport, s.cmd, err)
		}
	}
}

// xhandle executes one transition of the session for a reply.
func (s *Session) xhandle(ctx context.Context, r Reply) {
	MetricCommands.ObserveLabels(float64(time.Since(s.cmdStart))/float64(time.Second), s.cmd, fmt.Sprintf("%d", r.Code))
	s.log.Debug("smtp reply", slog.String("cmd", s.cmd), slog.Int("code", r.Code))

	switch {
	case r.Code == smtp.C220ServiceReady:
		if s.upgrade == upgradeInProgress && s.opts.TLS {
			s.xstarttls(ctx)
			s.xwritelinef("EHLO %s", s.opts.SrcHost)
			return
		}
		if esmtpRe.MatchString(r.Text) || s.opts.AutoEHLO {
			s.xwritelinef("EHLO %s", s.opts.SrcHost)
		} else {
			// Plain SMTP server, no STARTTLS possible.
			s.upgrade = upgradeDone
			s.xwritelinef("HELO %s", s.opts.SrcHost)
		}

	case r.Code == smtp.C221Closing:
		s.closed = true
		s.response = strings.TrimSuffix(r.Text, "\r\n")

	case r.Code == smtp.C250Completed || r.Code == smtp.C235AuthSuccess:
		if s.opts.TLS && s.upgrade != upgradeDone {
			if s.upgrade == upgradeInProgress {
				s.xerrorf(false, &r, "%w: reply %d to starttls, expected 220", ErrProtocol, r.Code)
			}
			if starttlsRe.MatchString(r.Text) {
				s.upgrade = upgradeInProgress
				s.xwriteline("STARTTLS")
				return
			}
			s.upgrade = upgradeDone
		}
		s.envelopeStep(r)

	case r.Code == smtp.C251UserNotLocalWillForward:
		s.envelopeStep(r)

	case r.Code == smtp.C354Continue:
		s.xwritedata()

	case r.Code == smtp.C334ContinueAuth:
		if s.login >= len(s.opts.Login) {
			s.xerrorf(false, &r, "%w: server requests authentication data, none left", ErrProtocol)
		}
		line := s.opts.Login[s.login]
		s.login++
		s.xtrace(mlog.LevelTraceauth, func() {
			s.xwriteline(line)
		})

	case r.Code >= 400:
		s.log.Info("smtp error response", slog.String("cmd", s.cmd), slog.Int("code", r.Code), slog.String("line", r.Lines()[0]))
		s.xerrorf(smtp.IsPermanent(r.Code), &r, "%w: %d in response to %s", ErrStatus, r.Code, s.cmd)

	default:
		s.log.Debug("ignoring reply", slog.Int("code", r.Code))
	}
}

// envelopeStep sends the next command from the queue, for positive replies in
// the envelope phase. When only the end marker is left, the transaction is done
// and nothing is sent.
func (s *Session) envelopeStep(r Reply) {
	if s.dataSent && s.dataReply == "" {
		s.dataReply = strings.TrimSuffix(r.Text, "\r\n")
	}
	if s.step >= len(s.queue)-1 {
		s.accepted = true
		s.response = strings.TrimSuffix(r.Text, "\r\n")
		s.log.Info("smtp session done", slog.Int("code", r.Code))
		return
	}
	cmd := s.queue[s.step]
	s.step++
	s.xwriteline(cmd)
}

// xwritedata writes the message, dot-stuffed, followed by an empty line and the
// end-of-data marker.
func (s *Session) xwritedata() {
	s.xtrace(mlog.LevelTracedata, func() {
		bw := bufio.NewWriter(s.tw)
		err := smtp.DataWrite(bw, bytes.NewReader(s.opts.Body))
		if err == nil {
			_, err = bw.WriteString("\r\n.\r\n")
		}
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			s.xerrorf(false, nil, "%w: writing message data: %v", ErrTransport, err)
		}
	})
	s.dataSent = true
	s.cmd = "data"
	s.cmdStart = time.Now()
}

// xtrace runs fn with traces logged at level, e.g. to hide message data.
func (s *Session) xtrace(level slog.Level, fn func()) {
	s.tw.SetTrace(level)
	defer s.tw.SetTrace(mlog.LevelTrace)
	fn()
}

func (s *Session) xwritelinef(format string, args ...any) {
	s.xwriteline(fmt.Sprintf(format, args...))
}

func (s *Session) xwriteline(line string) {
	if line != "" {
		cmd, _, _ := strings.Cut(line, " ")
		if cmd == "MAIL" || cmd == "RCPT" {
			cmd, _, _ = strings.Cut(line, ":")
			cmd = strings.TrimSuffix(strings.TrimSuffix(cmd, " FROM"), " TO")
		}
		s.cmd = strings.ToLower(cmd)
		s.cmdStart = time.Now()
	}
	if _, err := fmt.Fprintf(s.tw, "%s\r\n", line); err != nil {
		s.xerrorf(false, nil, "%w: write %s: %v", ErrTransport, s.cmd, err)
	}
}

func (s *Session) errorf(permanent bool, r *Reply, format string, args ...any) error {
	var code int
	var line string
	var moreLines []string
	if r != nil {
		code = r.Code
		lines := r.Lines()
		line, moreLines = lines[0], lines[1:]
		if len(moreLines) == 0 {
			moreLines = nil
		}
	}
	return Error{permanent, code, s.cmd, line, moreLines, fmt.Errorf(format, args...)}
}

func (s *Session) xerrorf(permanent bool, r *Reply, format string, args ...any) {
	panic(s.errorf(permanent, r, format, args...))
}

func (s *Session) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	// Other panics are counted by the caller that recovers them.
	cerr, ok := x.(Error)
	if !ok {
		panic(x)
	}
	*rerr = cerr
}

// close closes the connection, including the TLS connection if any. The TLS
// connection is not used anymore after closing the original connection.
func (s *Session) close() {
	if s.origConn == nil {
		return
	}
	err := s.origConn.Close()
	s.log.Debugx("closing connection", err)
	if s.conn != s.origConn {
		s.conn.Close()
	}
	s.origConn = nil
	s.conn = nil
}
