package message

import (
	"io"
)

// Writer is a write-through helper for messages from outside sources, e.g.
// standard input. It replaces bare LF line endings with CRLF, and records
// whether the message has a header/body separator and 8bit data.
type Writer struct {
	w io.Writer

	HaveBody bool  // Whether the empty line ending the header was seen. ../rfc/5322:343
	Has8bit  bool  // Whether a byte with the high bit set was written.
	Size     int64 // Bytes written to the underlying writer, after line ending conversion.

	prev    byte // Last byte written, for CRLF across writes.
	lineLen int  // Bytes on the current line, excluding CR.
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write converts buf and writes it to the underlying writer. On success, the
// full length of buf is returned.
func (w *Writer) Write(buf []byte) (int, error) {
	out := make([]byte, 0, len(buf)+len(buf)/32)
	for _, b := range buf {
		switch b {
		case '\n':
			if w.prev != '\r' {
				out = append(out, '\r')
			}
			if w.lineLen == 0 {
				w.HaveBody = true
			}
			w.lineLen = 0
		case '\r':
		default:
			w.lineLen++
		}
		if b&0x80 != 0 {
			w.Has8bit = true
		}
		out = append(out, b)
		w.prev = b
	}
	n, err := w.w.Write(out)
	w.Size += int64(n)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}
