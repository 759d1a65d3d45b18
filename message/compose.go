package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

var (
	ErrMessageSize = errors.New("message too large")
	ErrCompose     = errors.New("compose")
)

// Composer helps compose a message. Operations that fail call panic, which should
// be caught with recover(), checking for ErrCompose and optionally ErrMessageSize.
// Writes are buffered.
type Composer struct {
	Has8bit  bool  // Whether message contains 8bit data.
	SMTPUTF8 bool  // Whether message may contain UTF-8 in headers, without encoded-words.
	Size     int64 // Total bytes written.

	bw      *bufio.Writer
	maxSize int64 // If greater than zero, writes beyond maximum size raise ErrMessageSize.
}

// NewComposer initializes a new composer with a buffered writer around w, and
// with a maximum message size if maxSize is greater than zero.
//
// Operations on a Composer do not return an error. Caller must use recover() to
// catch ErrCompose and optionally ErrMessageSize errors.
func NewComposer(w io.Writer, maxSize int64, smtputf8 bool) *Composer {
	return &Composer{bw: bufio.NewWriter(w), maxSize: maxSize, SMTPUTF8: smtputf8}
}

// Write implements io.Writer, but calls panic (that is handled higher up) on
// i/o errors.
func (c *Composer) Write(buf []byte) (int, error) {
	if c.maxSize > 0 && c.Size+int64(len(buf)) > c.maxSize {
		c.Checkf(ErrMessageSize, "writing message")
	}
	n, err := c.bw.Write(buf)
	if n > 0 {
		c.Size += int64(n)
	}
	c.Checkf(err, "write")
	return n, nil
}

// Checkf checks err, panicing with sentinel error value.
func (c *Composer) Checkf(err error, format string, args ...any) {
	if err != nil {
		// We expose the original error too, needed at least for ErrMessageSize.
		panic(fmt.Errorf("%w: %w: %v", ErrCompose, err, fmt.Sprintf(format, args...)))
	}
}

// Flush writes any buffered output.
func (c *Composer) Flush() {
	err := c.bw.Flush()
	c.Checkf(err, "flush")
}

// Header writes a message header. Control characters in the value are replaced
// with spaces, a value can not start another header.
func (c *Composer) Header(k, v string) {
	fmt.Fprintf(c, "%s: %s\r\n", k, stripControl(v))
}

// HeaderAddrs writes a message header with addresses, folding lines between
// addresses. Nothing is written for an empty list.
func (c *Composer) HeaderAddrs(k string, l []*mail.Address) {
	if len(l) == 0 {
		return
	}
	v := ""
	linelen := len(k) + len(": ")
	for _, a := range l {
		if v != "" {
			v += ","
			linelen++
		}
		s := a.String()
		if c.SMTPUTF8 && !isASCII(a.Name) {
			s = fmt.Sprintf("%q <%s>", a.Name, a.Address)
		}
		if v != "" && linelen+1+len(s) > 77 {
			v += "\r\n\t"
			linelen = 1
		} else if v != "" {
			v += " "
			linelen++
		}
		v += s
		linelen += len(s)
	}
	fmt.Fprintf(c, "%s: %s\r\n", k, v)
}

// Subject writes a subject message header. Control characters are replaced
// with spaces. Without SMTPUTF8, non-ASCII words are written as encoded-words.
// Long subjects are folded between words.
func (c *Composer) Subject(subject string) {
	// Consecutive non-ASCII words are encoded together: whitespace between
	// encoded-words is not part of the decoded text. Long runs are split into
	// multiple encoded-words, separated by a space.
	var tokens, run []string
	flush := func() {
		if len(run) > 0 {
			tokens = append(tokens, strings.Split(mime.BEncoding.Encode("utf-8", strings.Join(run, " ")), " ")...)
			run = nil
		}
	}
	for _, word := range strings.Fields(stripControl(subject)) {
		if c.SMTPUTF8 || isASCII(word) {
			flush()
			tokens = append(tokens, word)
		} else {
			run = append(run, word)
		}
	}
	flush()

	var b strings.Builder
	linelen := len("Subject: ")
	for i, t := range tokens {
		if i > 0 && linelen+1+len(t) > 78 {
			b.WriteString("\r\n\t")
			linelen = 1
		} else if i > 0 {
			b.WriteString(" ")
			linelen++
		}
		b.WriteString(t)
		linelen += len(t)
	}
	fmt.Fprintf(c, "Subject: %s\r\n", b.String())
}

// Line writes an empty line.
func (c *Composer) Line() {
	_, _ = c.Write([]byte("\r\n"))
}

// TextPart prepares a text part to be added. Text should contain lines terminated
// with newlines (lf), which are replaced with crlf. The returned text may be
// quotedprintable, if needed. The returned ct and cte headers are for use with
// Content-Type and Content-Transfer-Encoding headers.
func (c *Composer) TextPart(text string) (textBody []byte, ct, cte string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	text = strings.ReplaceAll(text, "\n", "\r\n")
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	if needsQP(text) {
		var sb strings.Builder
		qw := quotedprintable.NewWriter(&sb)
		_, err := io.Copy(qw, strings.NewReader(text))
		if err == nil {
			err = qw.Close()
		}
		c.Checkf(err, "converting text to quoted printable")
		text = sb.String()
		cte = "quoted-printable"
	} else if c.Has8bit || charset == "utf-8" {
		cte = "8bit"
	} else {
		cte = "7bit"
	}

	ct = mime.FormatMediaType("text/plain", map[string]string{"charset": charset})
	return []byte(text), ct, cte
}

// needsQP returns whether a CRLF-terminated text has lines that cannot be sent
// as-is: longer than 78 bytes, or with a bare CR.
func needsQP(text string) bool {
	for text != "" {
		line, rest, _ := strings.Cut(text, "\r\n")
		if len(line) > 78 || strings.IndexByte(line, '\r') >= 0 {
			return true
		}
		text = rest
	}
	return false
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// stripControl replaces runs of control characters, including CR and LF, with a
// single space.
func stripControl(s string) string {
	var b strings.Builder
	prevCtl := false
	for _, c := range s {
		if c < 0x20 || c == 0x7f {
			if !prevCtl {
				b.WriteByte(' ')
			}
			prevCtl = true
			continue
		}
		prevCtl = false
		b.WriteRune(c)
	}
	return b.String()
}
