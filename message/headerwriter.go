package message

import (
	"bytes"
	"fmt"
	"strings"
)

// maxLineLen is the line length at which header values are folded.
const maxLineLen = 78

// HeaderWriter builds a header, folding to a continuation line when a line
// would become too long. Used for the DKIM-Signature header.
type HeaderWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

// Addf formats the string and calls Add.
func (w *HeaderWriter) Addf(separator string, format string, args ...any) {
	w.Add(separator, fmt.Sprintf(format, args...))
}

// Add adds texts, each preceded by separator except the very first. A text is
// never split, the line is folded before it if needed.
func (w *HeaderWriter) Add(separator string, texts ...string) {
	for _, text := range texts {
		if w.nonfirst && w.lineLen > 1 && w.lineLen+len(separator)+len(text) > maxLineLen {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
		} else if w.nonfirst {
			w.b.WriteString(separator)
			w.lineLen += len(separator)
		}
		w.b.WriteString(text)
		w.lineLen += len(text)
		w.nonfirst = true
	}
}

// AddWrap adds data, folding as needed. If text is set, folding happens at a
// space or tab, otherwise anywhere (e.g. for base64 data).
func (w *HeaderWriter) AddWrap(buf []byte, text bool) {
	for len(buf) > 0 {
		n := maxLineLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			continue
		}
		if n >= len(buf) {
			w.b.Write(buf)
			w.lineLen += len(buf)
			break
		}
		if text {
			if i := bytes.LastIndexAny(buf[:n], " \t"); i > 0 {
				n = i
			} else if i = bytes.IndexAny(buf, " \t"); i > 0 {
				n = i
			}
		}
		w.b.Write(buf[:n])
		buf = buf[n:]
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	}
	w.nonfirst = true
}

// Newline starts a continuation line.
func (w *HeaderWriter) Newline() {
	w.b.WriteString("\r\n\t")
	w.lineLen = 1
	w.nonfirst = true
}

// String returns the header, ending with CRLF.
func (w *HeaderWriter) String() string {
	return w.b.String() + "\r\n"
}
