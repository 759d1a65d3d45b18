package smtpclient

import (
	"bytes"
	"fmt"
	"strings"
)

// Limits on buffered data while waiting for the end of a line or reply.
const (
	maxLineLength = 64 * 1024
	maxReplySize  = 256 * 1024
)

// Reply is a complete, possibly multi-line, SMTP reply.
type Reply struct {
	Code int
	Text string // All lines, each with their CRLF.
}

// Lines returns the lines of the reply, without CRLF.
func (r Reply) Lines() []string {
	return strings.Split(strings.TrimSuffix(r.Text, "\r\n"), "\r\n")
}

// replyParser turns a byte stream into SMTP replies. Data is added with feed and
// complete replies are taken with next, one at a time. Bytes not yet consumed by
// next can be taken with drain, e.g. when switching to TLS.
type replyParser struct {
	buf  []byte          // Received but not yet consumed, possibly ending with a partial line.
	text strings.Builder // Lines of the reply being read.
}

func (p *replyParser) feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// next returns the next complete reply, if any. A reply is complete when a line
// has a space as its fourth character, or is only a 3-digit code. Lines with
// other fourth characters, typically "-", are continuation lines.
func (p *replyParser) next() (Reply, bool, error) {
	for {
		i := bytes.Index(p.buf, []byte("\r\n"))
		if i < 0 {
			if len(p.buf) > maxLineLength {
				return Reply{}, false, fmt.Errorf("%w: line too long, no crlf after %d bytes", ErrProtocol, len(p.buf))
			}
			return Reply{}, false, nil
		}
		line := string(p.buf[:i])
		p.buf = p.buf[i+2:]

		p.text.WriteString(line)
		p.text.WriteString("\r\n")
		if len(line) != 3 && (len(line) < 4 || line[3] != ' ') {
			if p.text.Len() > maxReplySize {
				return Reply{}, false, fmt.Errorf("%w: multi-line reply too long", ErrProtocol)
			}
			continue
		}

		text := p.text.String()
		p.text.Reset()
		code, ok := parseCode(line[:3])
		if !ok {
			return Reply{}, false, fmt.Errorf("%w: malformed reply code in line %q", ErrProtocol, line)
		}
		return Reply{code, text}, true, nil
	}
}

// drain returns all unconsumed bytes, and resets the parser.
func (p *replyParser) drain() []byte {
	buf := p.buf
	p.buf = nil
	p.text.Reset()
	return buf
}

func parseCode(s string) (int, bool) {
	if len(s) != 3 || s[0] < '1' || s[0] > '5' {
		return 0, false
	}
	code := 0
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, true
}
