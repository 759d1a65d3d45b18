package message

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/sendmx/smtp"
)

// RFC5322Z is the date-time format for Date headers.
const RFC5322Z = "Mon, 2 Jan 2006 15:04:05 -0700"

// Mail is a plain text message to compose. Address fields are in RFC 5322
// form, e.g. "Name <user@example.org>", each value can be a comma-separated
// list.
type Mail struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string // Only used as envelope recipients, never written to the message.
	Subject string
	Text    string // Message body, lines separated by LF or CRLF.

	Headers   [][2]string // Additional headers, written after the standard headers.
	Date      time.Time   // If zero, the current time is used.
	MessageID string      // Without <>. If empty, one is generated for the domain of From.
}

// Recipients returns the bare addresses of To, Cc and Bcc, in that order.
// Values are parsed like the address headers, so display names can contain
// commas. Values that don't parse are split on commas.
func (m Mail) Recipients() []string {
	var l []string
	for _, values := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, v := range values {
			addrs, err := mail.ParseAddressList(v)
			if err != nil {
				l = append(l, smtp.SplitAddressList(v)...)
				continue
			}
			for _, a := range addrs {
				l = append(l, a.Address)
			}
		}
	}
	return l
}

// MessageIDGen returns a new random Message-ID, without <>, for domain.
func MessageIDGen(domain string) string {
	buf := make([]byte, 16)
	cryptorand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf) + "@" + domain
}

// Compose returns the message with headers and a single text part, with CRLF
// line endings. Header values and text are normalized to NFC.
//
// Errors, such as unparsable addresses, wrap ErrCompose.
func Compose(m Mail) (msg []byte, rerr error) {
	var b bytes.Buffer
	c := NewComposer(&b, 0, false)

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, ErrCompose) {
			rerr = err
		} else {
			panic(x)
		}
	}()

	from := parseAddrs(c, "from", m.From)
	if len(from) != 1 {
		c.Checkf(errors.New("need exactly one address"), "from")
	}
	c.HeaderAddrs("From", from)
	c.HeaderAddrs("To", parseAddrs(c, "to", m.To...))
	c.HeaderAddrs("Cc", parseAddrs(c, "cc", m.Cc...))
	if m.Subject != "" {
		c.Subject(norm.NFC.String(m.Subject))
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	c.Header("Date", date.Format(RFC5322Z))

	msgID := m.MessageID
	if msgID == "" {
		domain, ok := smtp.ExtractDomain(from[0].Address)
		if !ok {
			c.Checkf(errors.New("no domain"), "from address %q", from[0].Address)
		}
		msgID = MessageIDGen(domain)
	}
	c.Header("Message-ID", "<"+msgID+">")

	for _, h := range m.Headers {
		if h[0] == "" || strings.ContainsAny(h[0], ": \t\r\n") {
			c.Checkf(errors.New("invalid header name"), "header %q", h[0])
		}
		c.Header(h[0], norm.NFC.String(h[1]))
	}

	textBody, ct, cte := c.TextPart(norm.NFC.String(m.Text))
	c.Header("MIME-Version", "1.0")
	c.Header("Content-Type", ct)
	c.Header("Content-Transfer-Encoding", cte)
	c.Line()
	c.Write(textBody)
	c.Flush()

	return b.Bytes(), nil
}

// parseAddrs parses address lists, with display names normalized to NFC.
func parseAddrs(c *Composer, field string, values ...string) []*mail.Address {
	var l []*mail.Address
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(v)
		c.Checkf(err, "parsing %s address %q", field, v)
		for _, a := range addrs {
			a.Name = norm.NFC.String(a.Name)
			if _, ok := smtp.ExtractDomain(a.Address); !ok {
				c.Checkf(errors.New("address without domain"), "%s address %q", field, a.Address)
			}
		}
		l = append(l, addrs...)
	}
	return l
}
