package dkim

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var errNoSeparator = errors.New("no empty line after message header")

// header is a header field of a message.
type header struct {
	key  string // As in message, for signing.
	lkey string // Lower case, for matching.
	raw  []byte // Including continuation lines and final CRLF.
}

// parseHeaders returns the header fields of msg, and the body.
func parseHeaders(msg []byte) ([]header, []byte, error) {
	var l []header
	o := 0
	for {
		i := bytes.Index(msg[o:], []byte("\r\n"))
		if i < 0 {
			return nil, nil, errNoSeparator
		}
		line := msg[o : o+i+2]
		if i == 0 {
			return l, msg[o+2:], nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(l) == 0 {
				return nil, nil, fmt.Errorf("continuation line before first header")
			}
			h := &l[len(l)-1]
			h.raw = msg[o-len(h.raw) : o+i+2]
		} else {
			k, _, ok := bytes.Cut(line, []byte(":"))
			key := strings.TrimRight(string(k), " \t")
			if !ok || key == "" || strings.ContainsAny(key, " \t") {
				return nil, nil, fmt.Errorf("malformed header line %q", line)
			}
			l = append(l, header{key, strings.ToLower(key), line})
		}
		o += i + 2
	}
}

// relaxedHeader returns the relaxed canonical form of h, with CRLF.
// ../rfc/6376:869
func relaxedHeader(raw []byte) string {
	k, v, _ := strings.Cut(string(raw), ":")
	k = strings.ToLower(strings.TrimRight(k, " \t"))
	v = strings.ReplaceAll(v, "\r\n", "")
	v = strings.Join(strings.FieldsFunc(v, isWSP), " ")
	return k + ":" + v + "\r\n"
}

func isWSP(c rune) bool {
	return c == ' ' || c == '\t'
}

// relaxedBody returns the relaxed canonical form of body: whitespace runs
// replaced with a single space, trailing whitespace on lines and trailing empty
// lines removed. A non-empty body ends with CRLF. ../rfc/6376:884
func relaxedBody(body []byte) []byte {
	var b bytes.Buffer
	var empty int // Empty lines not yet written.
	lines := bytes.Split(body, []byte("\r\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		var lb []byte
		wsp := false
		for _, c := range line {
			if c == ' ' || c == '\t' {
				wsp = true
				continue
			}
			if wsp {
				lb = append(lb, ' ')
			}
			wsp = false
			lb = append(lb, c)
		}
		if len(lb) == 0 {
			empty++
			continue
		}
		for ; empty > 0; empty-- {
			b.WriteString("\r\n")
		}
		b.Write(lb)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}
